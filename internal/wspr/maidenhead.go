package wspr

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// BadCoord is recorded for latitude and longitude when a grid fails to
// decode, keeping the defective row queryable instead of dropping it.
const BadCoord = -999.0

var ErrBadGrid = errors.New("invalid maidenhead grid")

// GridToLatLon converts a 4- or 6-character Maidenhead locator to latitude
// and longitude in degrees, rounded to 3 decimals. A 6-character grid
// resolves to the center of its subsquare. A 4-character grid resolves to
// the center of subsquare "ll", matching the aggregator's convention for
// reports that only carry square precision. Case-insensitive.
func GridToLatLon(grid string) (lat, lon float64, err error) {
	if len(grid) != 4 && len(grid) != 6 {
		return BadCoord, BadCoord, fmt.Errorf("%w: %q", ErrBadGrid, grid)
	}
	g := strings.ToUpper(grid[:2]) + strings.ToLower(grid[2:])

	f0, f1 := g[0], g[1]
	if f0 < 'A' || f0 > 'R' || f1 < 'A' || f1 > 'R' {
		return BadCoord, BadCoord, fmt.Errorf("%w: %q", ErrBadGrid, grid)
	}
	d0, d1 := g[2], g[3]
	if d0 < '0' || d0 > '9' || d1 < '0' || d1 > '9' {
		return BadCoord, BadCoord, fmt.Errorf("%w: %q", ErrBadGrid, grid)
	}

	lon = float64(f0-'A')*20 - 180
	lat = float64(f1-'A')*10 - 90
	lon += float64(d0-'0') * 2
	lat += float64(d1 - '0')

	if len(g) == 6 {
		s0, s1 := g[4], g[5]
		if s0 < 'a' || s0 > 'x' || s1 < 'a' || s1 > 'x' {
			return BadCoord, BadCoord, fmt.Errorf("%w: %q", ErrBadGrid, grid)
		}
		lon += float64(s0-'a') * (2.0 / 24.0)
		lat += float64(s1-'a') * (1.0 / 24.0)
		lon += 1.0 / 24.0
		lat += 0.5 / 24.0
	} else {
		lon += 11*(2.0/24.0) + 1.0/24.0
		lat += 11*(1.0/24.0) + 0.5/24.0
	}

	return round3(lat), round3(lon), nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Bearing returns the initial great-circle bearing from point 1 to point 2
// in degrees, normalized to [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	p1 := lat1 * rad
	p2 := lat2 * rad
	dl := (lon2 - lon1) * rad

	y := math.Sin(dl) * math.Cos(p2)
	x := math.Cos(p1)*math.Sin(p2) - math.Sin(p1)*math.Cos(p2)*math.Cos(dl)
	deg := math.Atan2(y, x) / rad
	return math.Mod(deg+360, 360)
}
