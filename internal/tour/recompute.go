package tour

import (
	"context"
	"math"
	"time"

	"tourplan/internal/model"
	"tourplan/internal/opt"
	"tourplan/internal/routing"
	"tourplan/internal/schedule"
)

// Leg sources recorded in TourStats.LegSource.
const (
	LegsRouting  = "routing"
	LegsTraffic  = "traffic"
	LegsEstimate = "estimate"
)

// Schedule is a simulated day for one stop order.
type Schedule struct {
	Start time.Time       `json:"start"`
	Stops []StopSchedule  `json:"stops"`
	Stats model.TourStats `json:"stats"`
}

type StopSchedule struct {
	StopID string `json:"stopId"`
	schedule.StopTiming
}

// RecomputeStats simulates the tour in its current order and persists the
// resulting stats and per-stop ETAs together.
func (s *Service) RecomputeStats(ctx context.Context, tourID string, useTraffic bool) (Schedule, error) {
	ctx = s.log.WithTourID(ctx, tourID)
	t, err := s.store.GetTour(ctx, tourID)
	if err != nil {
		return Schedule{}, err
	}
	sched, err := s.computeSchedule(ctx, t, useTraffic)
	if err != nil {
		return Schedule{}, err
	}
	etas := make(map[string]time.Time, len(sched.Stops))
	for _, st := range sched.Stops {
		etas[st.StopID] = st.Arrival
	}
	if err := s.store.SaveSchedule(ctx, tourID, sched.Stats, etas); err != nil {
		return Schedule{}, err
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"leg_source":   sched.Stats.LegSource,
		"distance_m":   sched.Stats.TotalDistanceM,
		"duration_sec": sched.Stats.TotalDurationSec,
	}), "tour stats recomputed")
	s.publisher.Publish(tourID, NewEvent(EventStatsUpdated, tourID, map[string]any{"stats": sched.Stats}))
	return sched, nil
}

// computeSchedule derives legs for t.Stops in their slice order and runs
// the arrival simulation. It never fails because of a provider: routing
// errors degrade to straight-line estimates.
func (s *Service) computeSchedule(ctx context.Context, t model.Tour, useTraffic bool) (Schedule, error) {
	start, err := model.TourStart(t.Date, t.StartTime, s.defaultStart, s.loc)
	if err != nil {
		return Schedule{}, err
	}
	visits := make([]schedule.Visit, len(t.Stops))
	for i, stop := range t.Stops {
		visits[i] = schedule.VisitFor(stop)
	}

	var (
		legs     []time.Duration
		distance float64
		source   string
	)
	if useTraffic && s.traffic != nil {
		legs, distance, err = s.trafficLegs(ctx, t, start, visits)
		source = LegsTraffic
		if err != nil {
			s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "traffic legs unavailable; using road routing")
		}
	}
	if legs == nil || err != nil {
		legs, distance, source = s.routeLegs(ctx, t)
	}

	plan, err := schedule.Simulate(start, visits, legs)
	if err != nil {
		return Schedule{}, err
	}
	now := s.now().UTC()
	completion := plan.Completion
	out := Schedule{
		Start: start,
		Stops: make([]StopSchedule, len(plan.Stops)),
		Stats: model.TourStats{
			TotalDistanceM:      int(math.Round(distance)),
			TotalDurationSec:    int(plan.Duration().Seconds()),
			TotalTravelSec:      int(plan.TotalTravel.Seconds()),
			TotalServiceSec:     int(plan.TotalService.Seconds()),
			TotalWaitSec:        int(plan.TotalWait.Seconds()),
			EstimatedCompletion: &completion,
			LegSource:           source,
			ComputedAt:          &now,
		},
	}
	for i, st := range plan.Stops {
		out.Stops[i] = StopSchedule{StopID: t.Stops[i].ID, StopTiming: st}
	}
	return out, nil
}

// visitedPoints returns the depot (if any) and geocoded stops in order, and
// for each stop the index of the leg arriving at it, or -1 for no leg.
func visitedPoints(t model.Tour) ([]model.GeoPoint, []int) {
	points := make([]model.GeoPoint, 0, len(t.Stops)+1)
	if t.Depot != nil {
		points = append(points, *t.Depot)
	}
	legIdx := make([]int, len(t.Stops))
	for i, stop := range t.Stops {
		legIdx[i] = -1
		if !stop.Geocoded() {
			continue
		}
		if len(points) > 0 {
			legIdx[i] = len(points) - 1
		}
		points = append(points, *stop.Location)
	}
	return points, legIdx
}

func (s *Service) routeLegs(ctx context.Context, t model.Tour) ([]time.Duration, float64, string) {
	points, legIdx := visitedPoints(t)
	var raw []model.RouteLeg
	source := LegsEstimate
	if s.router != nil && len(points) >= 2 {
		route, err := s.router.Route(ctx, points)
		switch {
		case err != nil:
			s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "routing legs unavailable; estimating")
		case len(route.Legs) != len(points)-1:
			s.log.Warn(ctx, "routing returned a mismatched leg count; estimating")
		default:
			raw, source = route.Legs, LegsRouting
		}
	}
	if raw == nil {
		raw = make([]model.RouteLeg, 0, len(points))
		for k := 1; k < len(points); k++ {
			m := opt.HaversineMeters(points[k-1], points[k])
			raw = append(raw, model.RouteLeg{DistanceM: m, DurationSec: opt.EstimateTravelSeconds(m, s.fallbackKph)})
		}
	}

	legs := make([]time.Duration, len(t.Stops))
	distance := 0.0
	for i, k := range legIdx {
		if k < 0 {
			continue
		}
		legs[i] = raw[k].Duration()
		distance += raw[k].DistanceM
	}
	return legs, distance, source
}

// trafficLegs queries one leg at a time so each departure time follows the
// schedule simulated so far.
func (s *Service) trafficLegs(ctx context.Context, t model.Tour, start time.Time, visits []schedule.Visit) ([]time.Duration, float64, error) {
	legs := make([]time.Duration, len(t.Stops))
	distance := 0.0
	current := start
	prev := t.Depot
	for i, stop := range t.Stops {
		if stop.Geocoded() && prev != nil {
			est, err := s.traffic.TravelTime(ctx, routing.TravelQuery{Origin: *prev, Destination: *stop.Location, DepartAt: current})
			if err != nil {
				return nil, 0, err
			}
			legs[i] = time.Duration(est.DurationSec * float64(time.Second))
			distance += est.DistanceM
		}
		if stop.Geocoded() {
			prev = stop.Location
		}
		current = schedule.Advance(current, legs[i], visits[i]).Departure
	}
	return legs, distance, nil
}
