// Package dispatch assigns pending stops to the day's open tours.
package dispatch

import (
	"context"
	"time"

	"tourplan/internal/apperr"
	"tourplan/internal/config"
	"tourplan/internal/logging"
	"tourplan/internal/metrics"
	"tourplan/internal/model"
	"tourplan/internal/schedule"
	"tourplan/internal/store"
	"tourplan/internal/tour"
)

// Failure reasons reported per stop.
const (
	ReasonNoCoordinates    = "no_coordinates"
	ReasonNoTourAvailable  = "no_tour_available"
	ReasonNoCompatibleTour = "no_compatible_tour"
	ReasonAlreadyAssigned  = "already_assigned"
	ReasonPersistence      = "persistence_failed"
	ReasonTimeout          = "timeout"
)

// Optimizer is the part of tour.Service the dispatcher drives after a batch.
type Optimizer interface {
	Optimize(ctx context.Context, tourID string, opts tour.Options) (tour.Result, error)
	RecomputeStats(ctx context.Context, tourID string, useTraffic bool) (tour.Schedule, error)
}

type Assignment struct {
	StopID         string `json:"stopId"`
	TourID         string `json:"tourId"`
	Order          int    `json:"order"`
	ServiceMinutes int    `json:"serviceMinutes"`
}

type Failure struct {
	StopID    string `json:"stopId"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message,omitempty"`
}

type TourOptimization struct {
	TourID   string `json:"tourId"`
	Success  bool   `json:"success"`
	Provider string `json:"provider,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Result struct {
	Success       bool               `json:"success"`
	Policy        string             `json:"policy"`
	Dispatched    []Assignment       `json:"dispatched"`
	Failed        []Failure          `json:"failed"`
	Optimizations []TourOptimization `json:"optimizations"`
}

type Deps struct {
	Store     store.Store
	Optimizer Optimizer
	Publisher tour.Publisher
	Logger    *logging.Logger
}

type Dispatcher struct {
	store     store.Store
	optimizer Optimizer
	publisher tour.Publisher
	log       *logging.Logger
	policy    Policy
	timeout   time.Duration
}

func New(cfg config.DispatchConfig, deps Deps) *Dispatcher {
	d := &Dispatcher{
		store:     deps.Store,
		optimizer: deps.Optimizer,
		publisher: deps.Publisher,
		log:       deps.Logger,
		policy:    NewPolicy(cfg),
		timeout:   cfg.Timeout,
	}
	if d.log == nil {
		d.log = logging.Nop()
	}
	return d
}

func (d *Dispatcher) Policy() string { return d.policy.Name() }

// Dispatch assigns the given stops, or every pending stop of date when
// stopIDs is empty.
func (d *Dispatcher) Dispatch(ctx context.Context, date string, stopIDs []string) (Result, error) {
	var (
		stops []model.Stop
		err   error
	)
	if len(stopIDs) == 0 {
		stops, err = d.store.ListPendingStops(ctx, date)
	} else {
		stops, err = d.store.GetStops(ctx, stopIDs)
	}
	if err != nil {
		return Result{}, err
	}
	return d.DispatchStops(ctx, date, stops)
}

// DispatchStops processes stops strictly in input order. A batch deadline
// stops the loop; stops not reached yet fail as retryable while earlier
// assignments stay committed.
func (d *Dispatcher) DispatchStops(ctx context.Context, date string, stops []model.Stop) (Result, error) {
	began := time.Now()
	defer func() { metrics.DispatchBatchDuration.Observe(time.Since(began).Seconds()) }()
	ctx = d.log.WithField(ctx, "dispatch_date", date)

	batchCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	res := Result{Policy: d.policy.Name(), Dispatched: []Assignment{}, Failed: []Failure{}, Optimizations: []TourOptimization{}}

	tours, err := d.store.ListTours(batchCtx, date, model.TourDraft, model.TourPlanned)
	if err != nil {
		return res, err
	}
	cands := make([]Candidate, len(tours))
	for i, t := range tours {
		cands[i] = newCandidate(i, t)
	}

	productIDs, optionIDs := schedule.CatalogIDs(stops)
	table, err := d.store.ServiceDurations(batchCtx, productIDs, optionIDs)
	if err != nil {
		return res, err
	}

	var touched []string
	seen := map[string]bool{}
	for _, stop := range stops {
		if batchCtx.Err() != nil {
			res.fail(stop.ID, ReasonTimeout, true, "dispatch deadline reached")
			continue
		}
		if stop.TourID != "" {
			res.fail(stop.ID, ReasonAlreadyAssigned, false, "stop already belongs to tour "+stop.TourID)
			continue
		}
		if len(cands) == 0 {
			res.fail(stop.ID, ReasonNoTourAvailable, false, "no draft or planned tour on "+date)
			continue
		}
		if !stop.Geocoded() {
			res.fail(stop.ID, ReasonNoCoordinates, false, "stop has no coordinates")
			continue
		}

		minutes := schedule.StopServiceMinutes(stop, table)
		idx := d.policy.Select(*stop.Location, cands)
		if idx < 0 {
			res.fail(stop.ID, ReasonNoCompatibleTour, false, "no compatible tour")
			continue
		}
		target := &cands[idx]

		assigned, err := d.store.AppendStop(batchCtx, target.TourID, stop.ID, minutes)
		if err != nil {
			if batchCtx.Err() != nil {
				res.fail(stop.ID, ReasonTimeout, true, err.Error())
			} else {
				res.fail(stop.ID, ReasonPersistence, apperr.IsRetryable(err), err.Error())
			}
			continue
		}

		target.assign(*stop.Location, time.Duration(minutes)*time.Minute)
		res.Dispatched = append(res.Dispatched, Assignment{StopID: stop.ID, TourID: target.TourID, Order: assigned.Order, ServiceMinutes: minutes})
		metrics.DispatchedStops.WithLabelValues("dispatched", "").Inc()
		if d.publisher != nil {
			d.publisher.Publish(target.TourID, tour.NewEvent(tour.EventStopAssigned, target.TourID, map[string]any{
				"stopId": stop.ID,
				"order":  assigned.Order,
			}))
		}
		if !seen[target.TourID] {
			seen[target.TourID] = true
			touched = append(touched, target.TourID)
		}
	}

	for _, f := range res.Failed {
		metrics.DispatchedStops.WithLabelValues("failed", f.Reason).Inc()
		d.log.Warn(d.log.WithFields(ctx, map[string]any{"stop_id": f.StopID, "reason": f.Reason, "retryable": f.Retryable}), "stop not dispatched")
	}

	// Reordering uses the caller's context: the batch deadline bounds the
	// assignment loop only.
	for _, tourID := range touched {
		res.Optimizations = append(res.Optimizations, d.reoptimize(ctx, tourID))
	}

	res.Success = len(res.Failed) == 0
	d.log.Info(d.log.WithFields(ctx, map[string]any{
		"dispatched": len(res.Dispatched),
		"failed":     len(res.Failed),
		"tours":      len(touched),
		"policy":     res.Policy,
	}), "dispatch batch finished")
	return res, nil
}

// reoptimize reorders a touched tour. Tours still below the optimization
// minimum only get their schedule refreshed. Failures never undo assignments.
func (d *Dispatcher) reoptimize(ctx context.Context, tourID string) TourOptimization {
	out := TourOptimization{TourID: tourID}
	if d.optimizer == nil {
		return out
	}
	r, err := d.optimizer.Optimize(ctx, tourID, tour.Options{RespectWindows: true, ApplyOrder: true})
	if apperr.Is(err, apperr.CodeValidation) {
		if _, err := d.optimizer.RecomputeStats(ctx, tourID, false); err != nil {
			out.Error = err.Error()
			return out
		}
		out.Success = true
		return out
	}
	if err != nil {
		out.Error = err.Error()
		d.log.Error(d.log.WithTourID(ctx, tourID), "post-dispatch optimization failed", err)
		return out
	}
	out.Success = r.Success
	out.Provider = r.Provider
	return out
}

func (r *Result) fail(stopID, reason string, retryable bool, msg string) {
	r.Failed = append(r.Failed, Failure{StopID: stopID, Reason: reason, Retryable: retryable, Message: msg})
}
