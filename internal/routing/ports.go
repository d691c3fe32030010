// Package routing declares the provider ports the scheduling engine depends
// on. Adapters live under internal/providers.
package routing

import (
	"context"
	"time"

	"tourplan/internal/model"
)

type Route struct {
	DistanceM   float64
	DurationSec float64
	Legs        []model.RouteLeg
}

type TripOptions struct {
	FixedFirst bool
	FreeLast   bool
}

// Router is an OSRM-like road router.
type Router interface {
	// Route returns one leg per consecutive pair of points.
	Route(ctx context.Context, points []model.GeoPoint) (Route, error)
	// OptimizeRoute returns indices into points in visiting order.
	OptimizeRoute(ctx context.Context, points []model.GeoPoint, opts TripOptions) ([]int, error)
}

type Job struct {
	Index       int
	Location    model.GeoPoint
	Service     time.Duration
	WindowStart *time.Time
	WindowEnd   *time.Time
}

type Vehicle struct {
	Start     model.GeoPoint
	StartTime time.Time
}

type Solution struct {
	// Ordered and Unassigned hold Job.Index values.
	Ordered    []int
	Unassigned []int
}

// ConstraintSolver is a VROOM-like time-window aware job sequencer.
type ConstraintSolver interface {
	Solve(ctx context.Context, jobs []Job, vehicle Vehicle) (Solution, error)
}

type TravelQuery struct {
	Origin      model.GeoPoint
	Destination model.GeoPoint
	DepartAt    time.Time
}

type TravelEstimate struct {
	DistanceM       float64 `json:"distanceM"`
	DurationSec     float64 `json:"durationSec"`
	TrafficDelaySec float64 `json:"trafficDelaySec"`
}

// TrafficProvider gives time-dependent travel times.
type TrafficProvider interface {
	TravelTime(ctx context.Context, q TravelQuery) (TravelEstimate, error)
}
