package opt

import (
	"math"

	"tourplan/internal/model"
)

const earthRadiusM = 6371000.0

// HaversineMeters is the great-circle distance between a and b.
func HaversineMeters(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Centroid is the arithmetic mean of points; ok is false for an empty set.
func Centroid(points []model.GeoPoint) (c model.GeoPoint, ok bool) {
	if len(points) == 0 {
		return model.GeoPoint{}, false
	}
	for _, p := range points {
		c.Lat += p.Lat
		c.Lng += p.Lng
	}
	n := float64(len(points))
	return model.GeoPoint{Lat: c.Lat / n, Lng: c.Lng / n}, true
}

// AddToMean folds p into a running mean over n points.
func AddToMean(mean model.GeoPoint, n int, p model.GeoPoint) model.GeoPoint {
	if n <= 0 {
		return p
	}
	w := float64(n)
	return model.GeoPoint{
		Lat: (mean.Lat*w + p.Lat) / (w + 1),
		Lng: (mean.Lng*w + p.Lng) / (w + 1),
	}
}

// EstimateTravelSeconds converts a straight-line distance into a travel time
// at speedKph, with a detour factor for the road network.
func EstimateTravelSeconds(meters, speedKph float64) float64 {
	const detour = 1.3
	if speedKph <= 0 {
		return 0
	}
	return meters * detour / (speedKph * 1000 / 3600)
}
