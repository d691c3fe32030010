// Package tour orchestrates stop ordering for a single tour: it runs the
// provider fallback chain, applies the chosen order and keeps the derived
// schedule (ETAs and stats) in sync.
package tour

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"tourplan/internal/apperr"
	"tourplan/internal/config"
	"tourplan/internal/logging"
	"tourplan/internal/metrics"
	"tourplan/internal/model"
	"tourplan/internal/routing"
	"tourplan/internal/store"
)

type Options struct {
	RespectWindows bool `json:"respectWindows"`
	ApplyOrder     bool `json:"applyOrder"`
}

type Result struct {
	Success      bool         `json:"success"`
	TourID       string       `json:"tourId"`
	Provider     string       `json:"provider,omitempty"`
	NewOrder     []string     `json:"newOrder,omitempty"`
	Unassignable []string     `json:"unassignable,omitempty"`
	Applied      bool         `json:"applied"`
	Message      string       `json:"message"`
	Steps        []StepReport `json:"steps"`
	Schedule     *Schedule    `json:"schedule,omitempty"`
}

// Deps are the collaborators of a Service. Router, Solver and Traffic may be
// nil when the matching provider is not configured.
type Deps struct {
	Store     store.Store
	Router    routing.Router
	Solver    routing.ConstraintSolver
	Traffic   routing.TrafficProvider
	Publisher Publisher
	Logger    *logging.Logger
}

type Service struct {
	store     store.Store
	router    routing.Router
	solver    routing.ConstraintSolver
	traffic   routing.TrafficProvider
	publisher Publisher
	log       *logging.Logger

	chain           []step
	defaultStart    model.TimeOfDay
	loc             *time.Location
	fallbackKph     float64
	localIterations int
	runTimeout      time.Duration

	group singleflight.Group
	now   func() time.Time
}

func NewService(cfg config.OptimizerConfig, loc *time.Location, deps Deps) *Service {
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		store:           deps.Store,
		router:          deps.Router,
		solver:          deps.Solver,
		traffic:         deps.Traffic,
		publisher:       deps.Publisher,
		log:             deps.Logger,
		defaultStart:    cfg.DefaultStart,
		loc:             loc,
		fallbackKph:     cfg.FallbackSpeedKph,
		localIterations: cfg.LocalIterations,
		runTimeout:      cfg.RunTimeout,
		now:             time.Now,
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.fallbackKph <= 0 {
		s.fallbackKph = 40
	}
	if s.runTimeout <= 0 {
		s.runTimeout = 2 * time.Minute
	}
	s.chain = s.buildChain(cfg.Chain)
	return s
}

// Optimize reorders a tour's stops through the fallback chain. Concurrent
// calls for the same tour and options share one run.
func (s *Service) Optimize(ctx context.Context, tourID string, opts Options) (Result, error) {
	key := fmt.Sprintf("%s|windows=%t|apply=%t", tourID, opts.RespectWindows, opts.ApplyOrder)
	// The shared run outlives any single caller; each caller only stops waiting.
	ch := s.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
		defer cancel()
		return s.optimize(runCtx, tourID, opts)
	})
	select {
	case <-ctx.Done():
		return Result{TourID: tourID}, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(Result)
		return out, res.Err
	}
}

func (s *Service) optimize(ctx context.Context, tourID string, opts Options) (Result, error) {
	ctx = s.log.WithTourID(ctx, tourID)
	mode := "preview"
	if opts.ApplyOrder {
		mode = "apply"
	}
	result := Result{TourID: tourID, Steps: []StepReport{}}

	t, err := s.store.GetTour(ctx, tourID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			err = apperr.Wrap(apperr.CodeValidation, err, "tour does not exist")
		}
		metrics.OptimizeRuns.WithLabelValues("rejected", mode).Inc()
		return result, err
	}
	if err := checkPreconditions(t); err != nil {
		metrics.OptimizeRuns.WithLabelValues("rejected", mode).Inc()
		return result, err
	}
	start, err := model.TourStart(t.Date, t.StartTime, s.defaultStart, s.loc)
	if err != nil {
		return result, apperr.Wrap(apperr.CodeValidation, err, "tour start cannot be resolved")
	}

	var geo, ungeo []int
	for i, stop := range t.Stops {
		if stop.Geocoded() {
			geo = append(geo, i)
		} else {
			ungeo = append(ungeo, i)
		}
	}
	in := stepInput{tour: t, geo: geo, start: start, opts: opts}

	chosen, steps := s.runChain(ctx, in)
	for _, st := range steps {
		result.Steps = append(result.Steps, st.Report())
	}
	if chosen == nil {
		metrics.OptimizeRuns.WithLabelValues("unavailable", mode).Inc()
		result.Message = "every optimization provider failed; order unchanged"
		s.log.Warn(ctx, result.Message)
		return result, apperr.New(apperr.CodeOptimizationUnavailable, result.Message).WithDetails(result.Steps)
	}

	ordered := make([]int, 0, len(t.Stops))
	ordered = append(ordered, chosen.Order...)
	ordered = append(ordered, chosen.Unassigned...)
	ordered = append(ordered, ungeo...)

	result.Provider = chosen.Provider
	result.NewOrder = make([]string, len(ordered))
	reordered := t
	reordered.Stops = make([]model.Stop, len(ordered))
	for pos, i := range ordered {
		result.NewOrder[pos] = t.Stops[i].ID
		reordered.Stops[pos] = t.Stops[i]
		reordered.Stops[pos].Order = pos
	}
	for _, i := range chosen.Unassigned {
		result.Unassignable = append(result.Unassignable, t.Stops[i].ID)
	}

	if !opts.ApplyOrder {
		sched, err := s.computeSchedule(ctx, reordered, false)
		if err != nil {
			return result, err
		}
		result.Success = true
		result.Schedule = &sched
		result.Message = fmt.Sprintf("preview computed by %s", chosen.Provider)
		metrics.OptimizeRuns.WithLabelValues("succeeded", mode).Inc()
		return result, nil
	}

	if err := s.store.ReorderStops(ctx, tourID, result.NewOrder); err != nil {
		metrics.OptimizeRuns.WithLabelValues("persist_failed", mode).Inc()
		s.log.Error(ctx, "persist reorder", err)
		return result, err
	}
	result.Success = true
	result.Applied = true
	result.Message = fmt.Sprintf("order applied from %s", chosen.Provider)
	metrics.OptimizeRuns.WithLabelValues("succeeded", mode).Inc()
	s.publisher.Publish(tourID, NewEvent(EventOptimized, tourID, map[string]any{
		"provider":     chosen.Provider,
		"order":        result.NewOrder,
		"unassignable": result.Unassignable,
	}))

	sched, err := s.RecomputeStats(ctx, tourID, false)
	if err != nil {
		s.log.Error(ctx, "recompute after reorder", err)
		result.Message += "; stats are stale: " + err.Error()
		return result, nil
	}
	result.Schedule = &sched
	return result, nil
}

func checkPreconditions(t model.Tour) error {
	if !t.Status.Editable() {
		return apperr.Newf(apperr.CodeValidation, "tour is %s; only draft or planned tours can be optimized", t.Status)
	}
	if len(t.Stops) < 2 {
		return apperr.Newf(apperr.CodeValidation, "tour has %d stops; at least 2 are required", len(t.Stops))
	}
	if n := t.GeocodedStops(); n < 2 {
		return apperr.Newf(apperr.CodeValidation, "tour has %d geocoded stops; at least 2 are required", n)
	}
	return nil
}

// runChain tries each step in order and stops at the first success. It
// returns nil when every step failed or was skipped.
func (s *Service) runChain(ctx context.Context, in stepInput) (*StepResult, []StepResult) {
	results := make([]StepResult, 0, len(s.chain))
	for _, st := range s.chain {
		began := time.Now()
		order, unassigned, err := st.run(ctx, in)
		res := StepResult{Provider: st.name, Order: order, Unassigned: unassigned, Err: err, Elapsed: time.Since(began)}
		switch {
		case errors.Is(err, errStepUnavailable):
			res.Status = StepSkipped
		case err != nil:
			res.Status = StepFailed
		default:
			res.Status = StepSucceeded
		}
		results = append(results, res)
		metrics.OptimizeSteps.WithLabelValues(st.name, string(res.Status)).Inc()

		stepCtx := s.log.WithFields(ctx, map[string]any{
			"step":       st.name,
			"outcome":    res.Status,
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
		switch res.Status {
		case StepSucceeded:
			s.log.Info(stepCtx, "optimization step succeeded")
			return &results[len(results)-1], results
		case StepFailed:
			s.log.Warn(s.log.WithField(stepCtx, "error", err.Error()), "optimization step failed; trying next")
		default:
			s.log.Debug(stepCtx, "optimization step skipped")
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, results
}

// ChainNames lists the configured steps in order.
func (s *Service) ChainNames() []string {
	names := make([]string, len(s.chain))
	for i, st := range s.chain {
		names[i] = st.name
	}
	return names
}
