package geo

import "math"

const earthRadiusMeters = 6371000.0

// WalkingSpeedMetersPerMinute is roughly 5 km/h.
const WalkingSpeedMetersPerMinute = 83.4

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// WalkMinutes rounds up so that a non-zero walk is never free.
func WalkMinutes(meters float64) int {
	if meters <= 0 {
		return 0
	}
	return int(math.Ceil(meters / WalkingSpeedMetersPerMinute))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
