package opt

import (
	"math"

	"fleetplan/internal/model"
)

// EarthRadiusM is the sphere radius used for great-circle distances.
const EarthRadiusM = 6371000.0

// Haversine returns the great-circle distance between two points in whole
// meters, truncated toward zero.
func Haversine(a, b model.GeoPoint) int {
	if a == b {
		return 0
	}
	return int(haversineMeters(a.Lat, a.Lng, b.Lat, b.Lng))
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// BuildMatrix returns the N×N distance matrix over points. Index 0 is
// expected to be the depot.
func BuildMatrix(points []model.GeoPoint) [][]int {
	n := len(points)
	m := make([][]int, n)
	for i := range m {
		m[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := Haversine(points[i], points[j])
			m[i][j] = d
			m[j][i] = d
		}
	}
	return m
}
