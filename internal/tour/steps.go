package tour

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tourplan/internal/apperr"
	"tourplan/internal/config"
	"tourplan/internal/model"
	"tourplan/internal/opt"
	"tourplan/internal/routing"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the tagged outcome of one provider in the fallback chain.
// Order and Unassigned hold indices into the tour's stop slice.
type StepResult struct {
	Provider   string
	Status     StepStatus
	Order      []int
	Unassigned []int
	Err        error
	Elapsed    time.Duration
}

// StepReport is the client-facing summary of a StepResult.
type StepReport struct {
	Provider  string     `json:"provider"`
	Status    StepStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	ElapsedMS int64      `json:"elapsedMs"`
}

func (r StepResult) Report() StepReport {
	rep := StepReport{Provider: r.Provider, Status: r.Status, ElapsedMS: r.Elapsed.Milliseconds()}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	return rep
}

// stepInput is what every step sees. geo lists the indices of geocoded stops
// in their current order.
type stepInput struct {
	tour  model.Tour
	geo   []int
	start time.Time
	opts  Options
}

// errStepUnavailable marks a step whose provider is not configured.
var errStepUnavailable = errors.New("provider not configured")

type step struct {
	name string
	run  func(ctx context.Context, in stepInput) (order, unassigned []int, err error)
}

func (s *Service) buildChain(names []string) []step {
	chain := make([]step, 0, len(names))
	for _, name := range names {
		switch name {
		case config.StepVROOM:
			chain = append(chain, step{name: name, run: s.solverStep})
		case config.StepOSRM:
			chain = append(chain, step{name: name, run: s.routerStep})
		case config.StepLocal:
			chain = append(chain, step{name: name, run: s.localStep})
		}
	}
	return chain
}

func (s *Service) solverStep(ctx context.Context, in stepInput) ([]int, []int, error) {
	if s.solver == nil {
		return nil, nil, errStepUnavailable
	}
	jobs := make([]routing.Job, 0, len(in.geo))
	for _, i := range in.geo {
		stop := in.tour.Stops[i]
		job := routing.Job{
			Index:    i,
			Location: *stop.Location,
			Service:  time.Duration(stop.ServiceMinutes) * time.Minute,
		}
		if in.opts.RespectWindows {
			if stop.WindowStart != nil {
				ws := stop.WindowStart.On(in.start)
				job.WindowStart = &ws
			}
			if stop.WindowEnd != nil {
				we := stop.WindowEnd.On(in.start)
				job.WindowEnd = &we
			}
		}
		jobs = append(jobs, job)
	}
	vehicle := routing.Vehicle{StartTime: in.start}
	if in.tour.Depot != nil {
		vehicle.Start = *in.tour.Depot
	} else {
		vehicle.Start = *in.tour.Stops[in.geo[0]].Location
	}

	sol, err := s.solver.Solve(ctx, jobs, vehicle)
	if err != nil {
		return nil, nil, err
	}
	if err := checkPartition(in.geo, sol.Ordered, sol.Unassigned); err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeProviderRejected, err, "solver returned an inconsistent job set")
	}
	return sol.Ordered, sol.Unassigned, nil
}

func (s *Service) routerStep(ctx context.Context, in stepInput) ([]int, []int, error) {
	if s.router == nil {
		return nil, nil, errStepUnavailable
	}
	points, offset := pathPoints(in)
	idx, err := s.router.OptimizeRoute(ctx, points, routing.TripOptions{FixedFirst: true, FreeLast: true})
	if err != nil {
		return nil, nil, err
	}
	order, err := mapPathOrder(in.geo, idx, offset)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeProviderRejected, err, "router returned an inconsistent order")
	}
	return order, nil, nil
}

func (s *Service) localStep(_ context.Context, in stepInput) ([]int, []int, error) {
	points, offset := pathPoints(in)
	order, err := mapPathOrder(in.geo, opt.OpenPathOrder(points, s.localIterations), offset)
	if err != nil {
		return nil, nil, err
	}
	return order, nil, nil
}

// pathPoints lists the depot (if any) followed by geocoded stops. offset is
// 1 when the depot occupies position 0.
func pathPoints(in stepInput) ([]model.GeoPoint, int) {
	points := make([]model.GeoPoint, 0, len(in.geo)+1)
	offset := 0
	if in.tour.Depot != nil {
		points = append(points, *in.tour.Depot)
		offset = 1
	}
	for _, i := range in.geo {
		points = append(points, *in.tour.Stops[i].Location)
	}
	return points, offset
}

// mapPathOrder converts positions in pathPoints back to stop indices,
// dropping the depot.
func mapPathOrder(geo, path []int, offset int) ([]int, error) {
	order := make([]int, 0, len(geo))
	for _, p := range path {
		if offset == 1 && p == 0 {
			continue
		}
		k := p - offset
		if k < 0 || k >= len(geo) {
			return nil, fmt.Errorf("position %d out of range", p)
		}
		order = append(order, geo[k])
	}
	if err := checkPartition(geo, order, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// checkPartition verifies ordered and unassigned together cover want exactly once.
func checkPartition(want, ordered, unassigned []int) error {
	pending := make(map[int]bool, len(want))
	for _, i := range want {
		pending[i] = true
	}
	for _, list := range [][]int{ordered, unassigned} {
		for _, i := range list {
			if !pending[i] {
				return fmt.Errorf("stop index %d unexpected or repeated", i)
			}
			delete(pending, i)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d stops missing from result", len(pending))
	}
	return nil
}
