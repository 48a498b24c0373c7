package wspr

import (
	"fmt"
	"strconv"
)

// BandUnknown marks a frequency outside every recognized allocation.
const BandUnknown int16 = -100

// BandForFrequency maps a frequency in Hz to the aggregator's band code:
// the integer MHz label of the allocation, with -1 for 2200m and 0 for
// 630m. Frequencies outside every amateur allocation return BandUnknown;
// the caller routes those spots to the frequency-overflow table.
func BandForFrequency(hz uint64) int16 {
	mhz := float64(hz) / 1e6
	switch {
	case mhz >= 0.1357 && mhz <= 0.1378:
		return -1
	case mhz >= 0.470 && mhz < 0.480:
		return 0
	case mhz >= 1.8 && mhz <= 2.0:
		return 1
	case mhz >= 3.5 && mhz <= 4.0:
		return 3
	case mhz >= 5.1 && mhz <= 5.45:
		return 5
	case mhz >= 7.0 && mhz <= 7.3:
		return 7
	case mhz >= 10.1 && mhz <= 10.15:
		return 10
	case mhz >= 14.0 && mhz <= 14.35:
		return 14
	case mhz >= 18.068 && mhz <= 18.168:
		return 18
	case mhz >= 21.0 && mhz <= 21.45:
		return 21
	case mhz >= 24.89 && mhz <= 24.99:
		return 24
	case mhz >= 28.0 && mhz <= 29.7:
		return 28
	case mhz >= 50.0 && mhz <= 54.0:
		return 50
	case mhz >= 70.0 && mhz <= 71.0:
		return 70
	case mhz >= 144.0 && mhz <= 148.0:
		return 144
	case mhz >= 430.0 && mhz <= 440.0:
		return 432
	case mhz >= 1240.0 && mhz <= 1300.0:
		return 1296
	default:
		return BandUnknown
	}
}

type hzRange struct {
	low, high uint64
}

// WSPR transmit windows per band code: dial frequency plus the 1400-1600 Hz
// audio passband. Bands with two entries have a second regional allocation.
var wsprWindows = map[int16][]hzRange{
	-1:   {{137400, 137600}},
	0:    {{475600, 475800}},
	1:    {{1838000, 1838200}},
	3:    {{3570000, 3570200}, {3594000, 3594200}},
	5:    {{5288600, 5288800}, {5366100, 5366300}},
	7:    {{7040000, 7040200}},
	10:   {{10140100, 10140300}},
	14:   {{14097000, 14097200}},
	18:   {{18106000, 18106200}},
	21:   {{21096000, 21096200}},
	24:   {{24926000, 24926200}},
	28:   {{28126000, 28126200}},
	50:   {{50294400, 50294600}},
	70:   {{70092400, 70092600}},
	144:  {{144490400, 144490600}},
	432:  {{432301400, 432301600}},
	1296: {{1296501400, 1296501600}},
}

const windowMarginHz = 200

// FrequencyInBand reports whether hz lies within the WSPR transmit window
// of the given band code, with a small tolerance for receiver calibration
// error. Spots failing this check are additionally routed to the frequency
// overflow table.
func FrequencyInBand(band int16, hz uint64) bool {
	for _, r := range wsprWindows[band] {
		if hz >= r.low-windowMarginHz && hz <= r.high+windowMarginHz {
			return true
		}
	}
	return false
}

// BandMetersFromString parses the leading integer of a receiver band
// directory name ("20", "40", "630_eve") into a wavelength in meters.
func BandMetersFromString(s string) (int16, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("band name %q has no leading digits", s)
	}
	n, err := strconv.ParseInt(s[:end], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("band name %q: %w", s, err)
	}
	return int16(n), nil
}
