package opt

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplan/internal/model"
)

func TestHaversineParisLondon(t *testing.T) {
	paris := model.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	london := model.GeoPoint{Lat: 51.5074, Lng: -0.1278}
	d := HaversineMeters(paris, london)
	assert.InDelta(t, 343_500, d, 2_000)
	assert.InDelta(t, d, HaversineMeters(london, paris), 1e-6)
	assert.Zero(t, HaversineMeters(paris, paris))
}

func TestCentroidAndRunningMean(t *testing.T) {
	pts := []model.GeoPoint{{Lat: 1, Lng: 1}, {Lat: 3, Lng: 5}}
	c, ok := Centroid(pts)
	require.True(t, ok)
	assert.Equal(t, model.GeoPoint{Lat: 2, Lng: 3}, c)

	next := AddToMean(c, 2, model.GeoPoint{Lat: 5, Lng: 0})
	assert.InDelta(t, 3.0, next.Lat, 1e-9)
	assert.InDelta(t, 2.0, next.Lng, 1e-9)

	assert.Equal(t, model.GeoPoint{Lat: 9, Lng: 9}, AddToMean(model.GeoPoint{}, 0, model.GeoPoint{Lat: 9, Lng: 9}))

	_, ok = Centroid(nil)
	assert.False(t, ok)
}

func TestOpenPathOrderUntanglesLine(t *testing.T) {
	// points on a line, given shuffled; the best open path from index 0 walks
	// outward in order of longitude
	points := []model.GeoPoint{
		{Lat: 48.85, Lng: 2.30},
		{Lat: 48.85, Lng: 2.34},
		{Lat: 48.85, Lng: 2.31},
		{Lat: 48.85, Lng: 2.33},
		{Lat: 48.85, Lng: 2.32},
	}
	order := OpenPathOrder(points, 20)
	assert.Equal(t, []int{0, 2, 4, 3, 1}, order)
}

func TestImproveOrder2OptKeepsFirstAndPermutation(t *testing.T) {
	points := []model.GeoPoint{
		{Lat: 0, Lng: 0}, {Lat: 0, Lng: 3}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2},
	}
	order := ImproveOrder2Opt(points, []int{0, 1, 2, 3}, 10)
	require.Equal(t, 0, order[0])
	sorted := append([]int(nil), order...)
	sort.Ints(sorted)
	assert.Equal(t, []int{0, 1, 2, 3}, sorted)
	assert.LessOrEqual(t, PathDistance(points, order), PathDistance(points, []int{0, 1, 2, 3}))
}

func TestEstimateTravelSeconds(t *testing.T) {
	// 10 km at 40 km/h with 1.3 detour = 19.5 min
	assert.InDelta(t, 1170, EstimateTravelSeconds(10_000, 40), 1e-6)
	assert.Zero(t, EstimateTravelSeconds(10_000, 0))
}
