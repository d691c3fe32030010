package dispatch

import (
	"time"

	"tourplan/internal/model"
	"tourplan/internal/opt"
)

// Candidate is one tour in the working set of a dispatch batch. It is
// mutated in place after every assignment so the next decision sees the
// updated load and centroid.
type Candidate struct {
	Index         int
	TourID        string
	StopCount     int
	TotalDuration time.Duration
	Centroid      model.GeoPoint
	HasCentroid   bool

	geoCount int
}

func newCandidate(index int, t model.Tour) Candidate {
	c := Candidate{Index: index, TourID: t.ID, StopCount: len(t.Stops)}

	var points []model.GeoPoint
	var service time.Duration
	for _, s := range t.Stops {
		service += time.Duration(s.ServiceMinutes) * time.Minute
		if s.Geocoded() {
			points = append(points, *s.Location)
		}
	}
	if t.Stats.ComputedAt != nil {
		c.TotalDuration = time.Duration(t.Stats.TotalDurationSec) * time.Second
	} else {
		c.TotalDuration = service
	}

	c.geoCount = len(points)
	if centroid, ok := opt.Centroid(points); ok {
		c.Centroid, c.HasCentroid = centroid, true
	} else if t.Depot != nil {
		c.Centroid, c.HasCentroid = *t.Depot, true
	}
	return c
}

// distanceTo is the haversine distance from p to the centroid; +Inf when
// the tour has no geography yet.
func (c *Candidate) distanceTo(p model.GeoPoint) float64 {
	if !c.HasCentroid {
		return inf
	}
	return opt.HaversineMeters(p, c.Centroid)
}

func (c *Candidate) assign(p model.GeoPoint, service time.Duration) {
	c.StopCount++
	c.TotalDuration += service
	c.Centroid = opt.AddToMean(c.Centroid, c.geoCount, p)
	c.geoCount++
	c.HasCentroid = true
}
