package wspr

import "testing"

func TestBandForFrequency(t *testing.T) {
	tests := []struct {
		name string
		hz   uint64
		want int16
	}{
		{"2200m", 137500, -1},
		{"630m", 475700, 0},
		{"160m", 1838100, 1},
		{"80m", 3570100, 3},
		{"60m", 5288700, 5},
		{"40m", 7040100, 7},
		{"30m", 10140200, 10},
		{"20m", 14097100, 14},
		{"17m", 18106100, 18},
		{"15m", 21096100, 21},
		{"12m", 24926100, 24},
		{"10m", 28126100, 28},
		{"6m", 50294500, 50},
		{"2m", 144490500, 144},
		{"70cm", 432301500, 432},
		{"23cm", 1296501500, 1296},
		{"between 40m and 30m", 9000000, BandUnknown},
		{"zero", 0, BandUnknown},
		{"above 23cm", 2400000000, BandUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BandForFrequency(tt.hz); got != tt.want {
				t.Errorf("BandForFrequency(%d) = %d, want %d", tt.hz, got, tt.want)
			}
		})
	}
}

func TestFrequencyInBand(t *testing.T) {
	tests := []struct {
		name string
		band int16
		hz   uint64
		want bool
	}{
		{"20m center", 14, 14097100, true},
		{"20m low edge with tolerance", 14, 14096800, true},
		{"20m high edge with tolerance", 14, 14097400, true},
		{"20m outside window", 14, 14095000, false},
		{"20m frequency on 40m band code", 7, 14097100, false},
		{"80m primary window", 3, 3570100, true},
		{"80m regional window", 3, 3594100, true},
		{"60m wrc allocation", 5, 5366200, true},
		{"2200m", -1, 137500, true},
		{"unknown band code", BandUnknown, 14097100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FrequencyInBand(tt.band, tt.hz); got != tt.want {
				t.Errorf("FrequencyInBand(%d, %d) = %v, want %v", tt.band, tt.hz, got, tt.want)
			}
		})
	}
}

func TestBandMetersFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    int16
		wantErr bool
	}{
		{"20", 20, false},
		{"40", 40, false},
		{"2200", 2200, false},
		{"630_eve", 630, false},
		{"80eu", 80, false},
		{"", 0, true},
		{"all", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := BandMetersFromString(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("BandMetersFromString(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("BandMetersFromString(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("BandMetersFromString(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
