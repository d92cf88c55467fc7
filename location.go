package turnstile

import "math"

const earthRadiusKM = 6371.0

// DistanceKM returns the great-circle distance between two locations in
// kilometers.
func DistanceKM(a, b LocationInfo) float64 {
	phi1 := radians(a.Latitude)
	phi2 := radians(b.Latitude)
	dPhi := radians(b.Latitude - a.Latitude)
	dLambda := radians(b.Longitude - a.Longitude)

	h := hav(dPhi) + math.Cos(phi1)*math.Cos(phi2)*hav(dLambda)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func hav(theta float64) float64 {
	s := math.Sin(theta / 2)
	return s * s
}

func (l LocationInfo) hasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

func (l LocationInfo) hasPlace() bool {
	return l.City != "" || l.Country != ""
}

// isNewLocation reports whether curr is far from prev. When either side lacks
// coordinates the check falls back to city and country. An unknown location
// never counts as new.
func isNewLocation(prev, curr LocationInfo, thresholdKM float64) bool {
	if prev.hasCoordinates() && curr.hasCoordinates() {
		return DistanceKM(prev, curr) > thresholdKM
	}
	if !prev.hasPlace() || !curr.hasPlace() {
		return false
	}
	return prev.City != curr.City || prev.Country != curr.Country
}
