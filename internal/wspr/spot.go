package wspr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Spot is one reception report as published by the wsprnet aggregator.
// Field order matches the column order of the wsprnet.spots table; the
// `ch` tag carries the column name. The scraper's disk cache stores spots
// as positional row tuples, so reordering fields here breaks replay of
// batches cached by older builds.
type Spot struct {
	ID        uint64    `ch:"id"`
	Time      time.Time `ch:"time"`
	Band      int16     `ch:"band"`
	RxSign    string    `ch:"rx_sign"`
	RxLat     float32   `ch:"rx_lat"`
	RxLon     float32   `ch:"rx_lon"`
	RxLoc     string    `ch:"rx_loc"`
	TxSign    string    `ch:"tx_sign"`
	TxLat     float32   `ch:"tx_lat"`
	TxLon     float32   `ch:"tx_lon"`
	TxLoc     string    `ch:"tx_loc"`
	Distance  uint16    `ch:"distance"`
	Azimuth   uint16    `ch:"azimuth"`
	RxAzimuth uint16    `ch:"rx_azimuth"`
	Frequency uint64    `ch:"frequency"`
	Power     int8      `ch:"power"`
	SNR       int8      `ch:"snr"`
	Drift     int8      `ch:"drift"`
	Version   string    `ch:"version"`
	Code      int8      `ch:"code"`
}

// ExtendedSpot is a reception report decoded by a wsprdaemon receiver,
// carrying the decoder diagnostics the public aggregator discards.
// Identity is (time, rx_sign, tx_sign, band, frequency); there is no
// aggregator-assigned id.
type ExtendedSpot struct {
	Time          time.Time `ch:"time"`
	Band          int16     `ch:"band"`
	RxSign        string    `ch:"rx_sign"`
	RxLat         float32   `ch:"rx_lat"`
	RxLon         float32   `ch:"rx_lon"`
	RxLoc         string    `ch:"rx_loc"`
	Receiver      string    `ch:"receiver"`
	TxSign        string    `ch:"tx_sign"`
	TxLat         float32   `ch:"tx_lat"`
	TxLon         float32   `ch:"tx_lon"`
	TxLoc         string    `ch:"tx_loc"`
	Distance      uint16    `ch:"distance"`
	Azimuth       uint16    `ch:"azimuth"`
	RxAzimuth     uint16    `ch:"rx_azimuth"`
	Frequency     uint64    `ch:"frequency"`
	FrequencyMHz  float64   `ch:"frequency_mhz"`
	Power         int8      `ch:"power"`
	SNR           int8      `ch:"snr"`
	Drift         int8      `ch:"drift"`
	SyncQuality   float32   `ch:"sync_quality"`
	DT            float32   `ch:"dt"`
	DecodeCycles  uint16    `ch:"decode_cycles"`
	Jitter        int16     `ch:"jitter"`
	Blocksize     uint16    `ch:"blocksize"`
	Metric        int16     `ch:"metric"`
	OSDDecode     uint8     `ch:"osd_decode"`
	IPass         uint8     `ch:"ipass"`
	NHardMin      uint8     `ch:"nhardmin"`
	Code          int8      `ch:"code"`
	RMSNoise      float32   `ch:"rms_noise"`
	C2Noise       float32   `ch:"c2_noise"`
	BandM         int16     `ch:"band_m"`
	VLat          float32   `ch:"v_lat"`
	VLon          float32   `ch:"v_lon"`
	OvCount       uint32    `ch:"ov_count"`
	ProxyUpload   uint8     `ch:"proxy_upload"`
	ClientVersion string    `ch:"client_version"`
	TarFile       string    `ch:"tar_file"`
	SourceFile    string    `ch:"source_file"`
}

// Noise is a per-receiver per-band background noise sample.
type Noise struct {
	Time       time.Time `ch:"time"`
	Site       string    `ch:"site"`
	Receiver   string    `ch:"receiver"`
	RxLoc      string    `ch:"rx_loc"`
	Band       int16     `ch:"band"`
	RMSLevel   float32   `ch:"rms_level"`
	C2Level    float32   `ch:"c2_level"`
	Ov         int32     `ch:"ov"`
	TarFile    string    `ch:"tar_file"`
	SourceFile string    `ch:"source_file"`
}

// Column vectors derived from struct field order. Insert statements and
// cache row-tuples both rely on these, so struct and DDL stay in lockstep.
var (
	SpotColumns         = columnsOf(Spot{})
	ExtendedSpotColumns = columnsOf(ExtendedSpot{})
	NoiseColumns        = columnsOf(Noise{})
)

func columnsOf(v any) []string {
	t := reflect.TypeOf(v)
	cols := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("ch")
		if tag == "" {
			continue
		}
		cols = append(cols, tag)
	}
	return cols
}

// Row returns the spot's values in SpotColumns order.
func (s Spot) Row() []any { return rowOf(s) }

// Row returns the values in ExtendedSpotColumns order.
func (s ExtendedSpot) Row() []any { return rowOf(s) }

// Row returns the values in NoiseColumns order.
func (n Noise) Row() []any { return rowOf(n) }

func rowOf(v any) []any {
	rv := reflect.ValueOf(v)
	t := rv.Type()
	row := make([]any, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("ch") == "" {
			continue
		}
		row = append(row, rv.Field(i).Interface())
	}
	return row
}

// DecodeSpotRow rebuilds a Spot from a positional row tuple, accepting the
// loosely typed values produced by a JSON round-trip (json.Number, float64,
// RFC3339 strings) as well as native Go values.
func DecodeSpotRow(row []any) (Spot, error) {
	var s Spot
	if err := decodeRowInto(row, reflect.ValueOf(&s).Elem()); err != nil {
		return Spot{}, err
	}
	return s, nil
}

var timeType = reflect.TypeOf(time.Time{})

func decodeRowInto(row []any, dst reflect.Value) error {
	t := dst.Type()
	idx := 0
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		col := f.Tag.Get("ch")
		if col == "" {
			continue
		}
		if idx >= len(row) {
			return fmt.Errorf("row has %d values, want %d", len(row), len(columnsOf(dst.Interface())))
		}
		if err := assignValue(dst.Field(i), row[idx]); err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		idx++
	}
	if idx != len(row) {
		return fmt.Errorf("row has %d values, want %d", len(row), idx)
	}
	return nil
}

func assignValue(field reflect.Value, v any) error {
	switch field.Kind() {
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		field.SetString(s)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := toUint64(v)
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Struct:
		if field.Type() != timeType {
			return fmt.Errorf("unsupported field type %s", field.Type())
		}
		ts, err := toTime(v)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(ts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned column", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned column", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %v for unsigned column", n)
		}
		return uint64(n), nil
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	default:
		return 0, fmt.Errorf("want unsigned number, got %T", v)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return strconv.ParseInt(n.String(), 10, 64)
	default:
		return 0, fmt.Errorf("want number, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("want float, got %T", v)
	}
}

func toTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t, nil
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q", ts)
		}
		return t, nil
	case json.Number:
		epoch, err := ts.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("bad epoch timestamp %q", ts)
		}
		return time.Unix(epoch, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("want timestamp, got %T", v)
	}
}
