package wspr

import (
	"math"
	"testing"
)

func TestGridToLatLon(t *testing.T) {
	tests := []struct {
		grid    string
		wantLat float64
		wantLon float64
	}{
		{"FN31pr", 41.729, -72.708},
		{"FN42qc", 42.104, -70.625},
		{"FN42", 42.479, -71.042},
		{"JO01", 51.479, 0.958},
		{"IO91wm", 51.521, -0.125},
		{"AA00aa", -89.979, -179.958},
		{"RR99xx", 89.979, 179.958},
		{"fn31pr", 41.729, -72.708},
		{"FN31PR", 41.729, -72.708},
	}

	for _, tt := range tests {
		t.Run(tt.grid, func(t *testing.T) {
			lat, lon, err := GridToLatLon(tt.grid)
			if err != nil {
				t.Fatalf("GridToLatLon(%q) unexpected error: %v", tt.grid, err)
			}
			if math.Abs(lat-tt.wantLat) > 0.0005 {
				t.Errorf("GridToLatLon(%q) lat = %v, want %v", tt.grid, lat, tt.wantLat)
			}
			if math.Abs(lon-tt.wantLon) > 0.0005 {
				t.Errorf("GridToLatLon(%q) lon = %v, want %v", tt.grid, lon, tt.wantLon)
			}
		})
	}
}

func TestGridToLatLon_Invalid(t *testing.T) {
	for _, grid := range []string{"", "FN", "FN3", "FN31pr2", "SA31", "F131", "FNxx", "FN31zz", "12345"} {
		t.Run(grid, func(t *testing.T) {
			lat, lon, err := GridToLatLon(grid)
			if err == nil {
				t.Fatalf("GridToLatLon(%q) expected error", grid)
			}
			if lat != BadCoord || lon != BadCoord {
				t.Errorf("GridToLatLon(%q) = (%v, %v), want sentinel coords", grid, lat, lon)
			}
		})
	}
}

// Every decoded point must fall inside the square it names, and inside the
// subsquare for 6-character grids.
func TestGridToLatLon_InsideSquare(t *testing.T) {
	grids := []string{"AA00", "FN42", "JO01", "KP20", "QF22", "RR99", "FN42qc", "IO91wm", "PM95vq", "AA00aa", "RR99xx"}
	for _, grid := range grids {
		t.Run(grid, func(t *testing.T) {
			lat, lon, err := GridToLatLon(grid)
			if err != nil {
				t.Fatalf("GridToLatLon(%q) unexpected error: %v", grid, err)
			}
			if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
				t.Fatalf("GridToLatLon(%q) = (%v, %v) outside world bounds", grid, lat, lon)
			}

			loLon := float64(grid[0]-'A')*20 - 180 + float64(grid[2]-'0')*2
			loLat := float64(grid[1]-'A')*10 - 90 + float64(grid[3]-'0')
			hiLon := loLon + 2
			hiLat := loLat + 1
			if len(grid) == 6 {
				g := grid[4] | 0x20
				h := grid[5] | 0x20
				loLon += float64(g-'a') * (2.0 / 24.0)
				loLat += float64(h-'a') * (1.0 / 24.0)
				hiLon = loLon + 2.0/24.0
				hiLat = loLat + 1.0/24.0
			}
			if lat < loLat || lat > hiLat {
				t.Errorf("GridToLatLon(%q) lat %v outside [%v, %v]", grid, lat, loLat, hiLat)
			}
			if lon < loLon || lon > hiLon {
				t.Errorf("GridToLatLon(%q) lon %v outside [%v, %v]", grid, lon, loLon, hiLon)
			}
		})
	}
}

func TestBearing(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"due north", 0, 0, 10, 0, 0},
		{"due east on equator", 0, 0, 0, 10, 90},
		{"due south", 10, 0, 0, 0, 180},
		{"due west on equator", 0, 10, 0, 0, 270},
		{"boston to london", 42.35, -71.06, 51.51, -0.13, 53.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > 0.5 {
				t.Errorf("Bearing() = %v, want %v", got, tt.want)
			}
		})
	}
}
