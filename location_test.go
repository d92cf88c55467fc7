package turnstile

import (
	"math"
	"testing"
)

func loc(lat, lng float64) LocationInfo {
	return LocationInfo{Latitude: lat, Longitude: lng}
}

func TestDistanceKM(t *testing.T) {
	tests := []struct {
		name string
		a, b LocationInfo
		want float64
		tol  float64 // relative, or absolute km when want is 0
	}{
		{"same point", loc(40.7128, -74.0060), loc(40.7128, -74.0060), 0, 0.001},
		{"NYC to London", loc(40.7128, -74.0060), loc(51.5074, -0.1278), 5570, 0.01},
		{"London to Paris", loc(51.5074, -0.1278), loc(48.8566, 2.3522), 344, 0.02},
		{"Tokyo to Honolulu across the date line", loc(35.6762, 139.6503), loc(21.3069, -157.8583), 6199, 0.02},
		{"Quito to Lima across the equator", loc(-0.1807, -78.4678), loc(-12.0464, -77.0428), 1320, 0.02},
		{"pole to pole", loc(90, 0), loc(-90, 0), 20015, 0.01},
		{"near the pole", loc(89.9, 0), loc(89.9, 180), 22.2, 0.05},
		{"within one city", loc(40.7484, -73.9857), loc(40.7580, -73.9855), 1.07, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKM(tt.a, tt.b)

			tolerance := tt.tol
			if tt.want > 0 {
				tolerance = tt.want * tt.tol
			}
			if math.Abs(got-tt.want) > tolerance {
				t.Errorf("DistanceKM() = %.3f km, want ~%.3f km (tolerance %.3f)", got, tt.want, tolerance)
			}

			if back := DistanceKM(tt.b, tt.a); math.Abs(back-got) > 1e-9 {
				t.Errorf("DistanceKM is not symmetric: %v vs %v", got, back)
			}
		})
	}
}

func TestIsNewLocation(t *testing.T) {
	nyc := LocationInfo{City: "New York", Country: "United States", Latitude: 40.7128, Longitude: -74.0060}
	newark := LocationInfo{City: "Newark", Country: "United States", Latitude: 40.7357, Longitude: -74.1724}
	london := LocationInfo{City: "London", Country: "United Kingdom", Latitude: 51.5074, Longitude: -0.1278}

	tests := []struct {
		name       string
		prev, curr LocationInfo
		threshold  float64
		want       bool
	}{
		{"nearby city within threshold", nyc, newark, 100, false},
		{"other continent", nyc, london, 100, true},
		{"threshold below distance", nyc, newark, 5, true},
		{"same city without coordinates", LocationInfo{City: "Paris", Country: "France"}, LocationInfo{City: "Paris", Country: "France"}, 100, false},
		{"other city without coordinates", LocationInfo{City: "Paris", Country: "France"}, LocationInfo{City: "Lyon", Country: "France"}, 100, true},
		{"previous location unknown", LocationInfo{IP: "10.0.0.1"}, london, 100, false},
		{"current location unknown", london, LocationInfo{IP: "10.0.0.1"}, 100, false},
		{"coordinates on one side only", LocationInfo{City: "London", Country: "United Kingdom"}, london, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNewLocation(tt.prev, tt.curr, tt.threshold); got != tt.want {
				t.Errorf("isNewLocation() = %v, want %v", got, tt.want)
			}
		})
	}
}
