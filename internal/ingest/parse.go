package ingest

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

// spotFieldCount is the full extended decoder line. Lines with any other
// count come from old or misbehaving clients and are skipped rather than
// guessed at.
const spotFieldCount = 34

const noiseFieldCount = 15

// Defective lines are counted per archive but only the first few are
// quoted in the log.
const maxDefectSamples = 10

var (
	siteDirPattern   = regexp.MustCompile(`^(.+)_([A-Ra-r]{2}[0-9]{2}[A-Xa-x]{0,2})$`)
	noiseNamePattern = regexp.MustCompile(`^(\d{6})_(\d{4})_noise\.txt$`)
)

// decodeSiteDir splits a spool site directory name into callsign and grid.
// Clients encode '/' in compound callsigns as '=' to keep the name
// path-safe, so KH6=A_BL10rx means KH6/A in grid BL10rx.
func decodeSiteDir(dir string) (sign, grid string) {
	if m := siteDirPattern.FindStringSubmatch(dir); m != nil {
		return strings.ReplaceAll(m[1], "=", "/"), m[2]
	}
	return strings.ReplaceAll(dir, "=", "/"), ""
}

type defectLog struct {
	logger zerolog.Logger
	count  int
}

func (d *defectLog) add(file string, line int, err error) {
	d.count++
	if d.count <= maxDefectSamples {
		d.logger.Warn().Str("file", file).Int("line", line).Err(err).Msg("skipping unparsable line")
	}
}

// parseSpotLines reads an extracted spots member line by line. Lines that
// do not parse are counted and skipped; they never fail the archive.
func parseSpotLines(r io.Reader, meta memberMeta, clientVersion, tarFile string, defects *defectLog) []wspr.ExtendedSpot {
	var spots []wspr.ExtendedSpot
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != spotFieldCount {
			defects.add(meta.file, lineNum, fmt.Errorf("%d fields, want %d", len(fields), spotFieldCount))
			continue
		}
		spot, err := parseSpotLine(fields, meta, clientVersion, tarFile)
		if err != nil {
			defects.add(meta.file, lineNum, err)
			continue
		}
		spots = append(spots, spot)
	}
	if err := scanner.Err(); err != nil {
		defects.add(meta.file, lineNum, err)
	}
	return spots
}

// parseSpotLine converts one 34-field decoder line. Field order is fixed
// by the client's upload format:
//
//	date time sync_quality snr dt freq_mhz tx_sign tx_loc power drift
//	decode_cycles jitter blocksize metric osd_decode ipass nhardmin code
//	rms_noise c2_noise band_m rx_loc rx_sign distance rx_azimuth rx_lat
//	rx_lon azimuth tx_lat tx_lon v_lat v_lon ov_count proxy_upload
func parseSpotLine(fields []string, meta memberMeta, clientVersion, tarFile string) (wspr.ExtendedSpot, error) {
	ts, err := parseDayMinute(fields[0], fields[1])
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	syncQuality, err := floatField(fields[2], "sync_quality")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	snr, err := intField(fields[3], "snr", math.MinInt8, math.MaxInt8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	dt, err := floatField(fields[4], "dt")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	mhz, err := floatField(fields[5], "frequency")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	if mhz < 0 {
		return wspr.ExtendedSpot{}, fmt.Errorf("frequency %q: negative", fields[5])
	}
	txLoc := fields[7]
	if strings.EqualFold(txLoc, "none") {
		txLoc = ""
	}
	power, err := intField(fields[8], "power", math.MinInt8, math.MaxInt8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	drift, err := intField(fields[9], "drift", math.MinInt8, math.MaxInt8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	decodeCycles, err := intField(fields[10], "decode_cycles", 0, math.MaxUint16)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	jitter, err := intField(fields[11], "jitter", math.MinInt16, math.MaxInt16)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	blocksize, err := intField(fields[12], "blocksize", 0, math.MaxUint16)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	metric, err := intField(fields[13], "metric", math.MinInt16, math.MaxInt16)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	osdDecode, err := intField(fields[14], "osd_decode", 0, math.MaxUint8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	ipass, err := intField(fields[15], "ipass", 0, math.MaxUint8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	nhardmin, err := intField(fields[16], "nhardmin", 0, math.MaxUint8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	code, err := intField(fields[17], "code", math.MinInt8, math.MaxInt8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	rmsNoise, err := floatField(fields[18], "rms_noise")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	c2Noise, err := floatField(fields[19], "c2_noise")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	bandM, err := intField(fields[20], "band_m", math.MinInt16, math.MaxInt16)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	rxLoc := fields[21]
	if rxLoc == "" {
		rxLoc = meta.grid
	}
	rxSign := fields[22]
	if rxSign == "" {
		rxSign = meta.site
	}
	distance, err := clampField(fields[23], "distance", 0, math.MaxUint16)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	rxAzimuth, err := floatField(fields[24], "rx_azimuth")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	rxLat, err := floatField(fields[25], "rx_lat")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	rxLon, err := floatField(fields[26], "rx_lon")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	azimuth, err := floatField(fields[27], "azimuth")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	txLat, err := floatField(fields[28], "tx_lat")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	txLon, err := floatField(fields[29], "tx_lon")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	vLat, err := floatField(fields[30], "v_lat")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	vLon, err := floatField(fields[31], "v_lon")
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	ovCount, err := clampField(fields[32], "ov_count", 0, math.MaxUint32)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}
	proxyUpload, err := intField(fields[33], "proxy_upload", 0, math.MaxUint8)
	if err != nil {
		return wspr.ExtendedSpot{}, err
	}

	hz := mhz * 1e6
	return wspr.ExtendedSpot{
		Time:          ts,
		Band:          meta.band,
		RxSign:        rxSign,
		RxLat:         float32(rxLat),
		RxLon:         float32(rxLon),
		RxLoc:         rxLoc,
		Receiver:      meta.receiver,
		TxSign:        fields[6],
		TxLat:         float32(txLat),
		TxLon:         float32(txLon),
		TxLoc:         txLoc,
		Distance:      uint16(distance),
		Azimuth:       azimuthDeg(azimuth),
		RxAzimuth:     azimuthDeg(rxAzimuth),
		Frequency:     uint64(hz),
		FrequencyMHz:  hz / 1e6,
		Power:         int8(power),
		SNR:           int8(snr),
		Drift:         int8(drift),
		SyncQuality:   float32(syncQuality),
		DT:            float32(dt),
		DecodeCycles:  uint16(decodeCycles),
		Jitter:        int16(jitter),
		Blocksize:     uint16(blocksize),
		Metric:        int16(metric),
		OSDDecode:     uint8(osdDecode),
		IPass:         uint8(ipass),
		NHardMin:      uint8(nhardmin),
		Code:          int8(code),
		RMSNoise:      float32(rmsNoise),
		C2Noise:       float32(c2Noise),
		BandM:         int16(bandM),
		VLat:          float32(vLat),
		VLon:          float32(vLon),
		OvCount:       uint32(ovCount),
		ProxyUpload:   uint8(proxyUpload),
		ClientVersion: clientVersion,
		TarFile:       tarFile,
		SourceFile:    meta.file,
	}, nil
}

// parseNoiseLines converts a noise member. Each nonempty line is one
// 15-field measurement; they all carry the timestamp from the filename
// because the client writes the line without one.
func parseNoiseLines(content string, meta memberMeta, tarFile string, defects *defectLog) []wspr.Noise {
	m := noiseNamePattern.FindStringSubmatch(meta.file)
	if m == nil {
		defects.add(meta.file, 0, fmt.Errorf("unexpected noise file name"))
		return nil
	}
	ts, err := parseDayMinute(m[1], m[2])
	if err != nil {
		defects.add(meta.file, 0, err)
		return nil
	}
	var rows []wspr.Noise
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := parseNoiseLine(strings.Fields(line), ts, meta, tarFile)
		if err != nil {
			defects.add(meta.file, i+1, err)
			continue
		}
		rows = append(rows, n)
	}
	return rows
}

func parseNoiseLine(fields []string, ts time.Time, meta memberMeta, tarFile string) (wspr.Noise, error) {
	if len(fields) != noiseFieldCount {
		return wspr.Noise{}, fmt.Errorf("%d fields, want %d", len(fields), noiseFieldCount)
	}
	rms, err := floatField(fields[12], "rms_level")
	if err != nil {
		return wspr.Noise{}, err
	}
	c2, err := floatField(fields[13], "c2_level")
	if err != nil {
		return wspr.Noise{}, err
	}
	ov, err := clampField(fields[14], "ov", math.MinInt32, math.MaxInt32)
	if err != nil {
		return wspr.Noise{}, err
	}
	return wspr.Noise{
		Time:       ts,
		Site:       meta.site,
		Receiver:   meta.receiver,
		RxLoc:      meta.grid,
		Band:       meta.band,
		RMSLevel:   float32(rms),
		C2Level:    float32(c2),
		Ov:         int32(ov),
		TarFile:    tarFile,
		SourceFile: meta.file,
	}, nil
}

// parseDayMinute builds a UTC timestamp from YYMMDD and HHMM strings.
func parseDayMinute(d, t string) (time.Time, error) {
	ts, err := time.ParseInLocation("0601021504", d+t, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q %q: %w", d, t, err)
	}
	return ts, nil
}

func floatField(s, name string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, s, err)
	}
	return f, nil
}

// Conversion of a float this large to int64 is platform-defined, so both
// integer parsers bail out before converting.
const maxSafeFloat = 1 << 62

// intField parses a numeric field that some client versions emit in float
// form ("3.0"). The value is truncated toward zero and range-checked.
func intField(s, name string, lo, hi int64) (int64, error) {
	f, err := floatField(s, name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f >= maxSafeFloat || f <= -maxSafeFloat {
		return 0, fmt.Errorf("%s %q: out of range", name, s)
	}
	n := int64(f)
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s %d: out of range [%d, %d]", name, n, lo, hi)
	}
	return n, nil
}

// clampField parses like intField but clamps out-of-range values instead
// of rejecting the line.
func clampField(s, name string, lo, hi int64) (int64, error) {
	f, err := floatField(s, name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("%s %q: not a number", name, s)
	}
	if f >= maxSafeFloat {
		return hi, nil
	}
	if f <= -maxSafeFloat {
		return lo, nil
	}
	n := int64(f)
	if n < lo {
		return lo, nil
	}
	if n > hi {
		return hi, nil
	}
	return n, nil
}

func azimuthDeg(f float64) uint16 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	n := int64(f) % 360
	if n < 0 {
		n += 360
	}
	return uint16(n)
}
