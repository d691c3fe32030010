package tour

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplan/internal/apperr"
	"tourplan/internal/config"
	"tourplan/internal/model"
	"tourplan/internal/routing"
	"tourplan/internal/store"
)

type fakeRouter struct {
	route    func(points []model.GeoPoint) (routing.Route, error)
	optimize func(points []model.GeoPoint, opts routing.TripOptions) ([]int, error)
}

func (f *fakeRouter) Route(_ context.Context, points []model.GeoPoint) (routing.Route, error) {
	if f.route == nil {
		return routing.Route{}, apperr.New(apperr.CodeProviderUnavailable, "route down")
	}
	return f.route(points)
}

func (f *fakeRouter) OptimizeRoute(_ context.Context, points []model.GeoPoint, opts routing.TripOptions) ([]int, error) {
	if f.optimize == nil {
		return nil, apperr.New(apperr.CodeProviderUnavailable, "trip down")
	}
	return f.optimize(points, opts)
}

type fakeSolver struct {
	solve func(jobs []routing.Job, v routing.Vehicle) (routing.Solution, error)
	calls int
}

func (f *fakeSolver) Solve(_ context.Context, jobs []routing.Job, v routing.Vehicle) (routing.Solution, error) {
	f.calls++
	return f.solve(jobs, v)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ string, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var (
	depot   = model.GeoPoint{Lat: 48.8500, Lng: 2.3500}
	tourDay = "2024-05-14"
)

func optimizerConfig(chain ...string) config.OptimizerConfig {
	return config.OptimizerConfig{
		Chain:            chain,
		DefaultStart:     model.MustTimeOfDay("08:00"),
		FallbackSpeedKph: 40,
		LocalIterations:  50,
	}
}

type fixture struct {
	svc    *Service
	mem    *store.Memory
	events *recorder
	tour   model.Tour
	stops  []model.Stop
}

// newFixture seeds a tour at 07:00 with the given stop locations (nil for an
// ungeocoded stop), each with 30 minutes of service.
func newFixture(t *testing.T, deps Deps, chain []string, locations ...*model.GeoPoint) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	start := model.MustTimeOfDay("07:00")
	d := depot
	tr, err := mem.CreateTour(ctx, model.Tour{Date: tourDay, Depot: &d, StartTime: &start})
	require.NoError(t, err)

	f := &fixture{mem: mem, events: &recorder{}}
	for _, loc := range locations {
		s, err := mem.CreateStop(ctx, model.Stop{TourID: tr.ID, Kind: model.KindDelivery, Location: loc, ServiceMinutes: 30})
		require.NoError(t, err)
		f.stops = append(f.stops, s)
	}
	deps.Store = mem
	deps.Publisher = f.events
	f.svc = NewService(optimizerConfig(chain...), time.UTC, deps)
	f.svc.now = func() time.Time { return time.Date(2024, 5, 13, 18, 0, 0, 0, time.UTC) }
	f.tour = tr
	return f
}

func (f *fixture) order(t *testing.T) []string {
	t.Helper()
	tr, err := f.mem.GetTour(context.Background(), f.tour.ID)
	require.NoError(t, err)
	ids := make([]string, len(tr.Stops))
	for i, s := range tr.Stops {
		ids[i] = s.ID
	}
	return ids
}

func (f *fixture) ids(idx ...int) []string {
	out := make([]string, len(idx))
	for i, k := range idx {
		out[i] = f.stops[k].ID
	}
	return out
}

func pt(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func straightRoute(points []model.GeoPoint) (routing.Route, error) {
	r := routing.Route{}
	for i := 1; i < len(points); i++ {
		r.Legs = append(r.Legs, model.RouteLeg{DistanceM: 1000, DurationSec: 300})
	}
	return r, nil
}

func TestOptimizeAppliesSolverOrder(t *testing.T) {
	solver := &fakeSolver{solve: func(jobs []routing.Job, v routing.Vehicle) (routing.Solution, error) {
		require.Len(t, jobs, 3)
		assert.Equal(t, depot, v.Start)
		assert.Equal(t, time.Date(2024, 5, 14, 7, 0, 0, 0, time.UTC), v.StartTime)
		return routing.Solution{Ordered: []int{3, 0}, Unassigned: []int{1}}, nil
	}}
	router := &fakeRouter{route: straightRoute}
	f := newFixture(t, Deps{Solver: solver, Router: router}, []string{"vroom", "osrm"},
		pt(48.86, 2.36), pt(48.87, 2.37), nil, pt(48.88, 2.38))

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Applied)
	assert.Equal(t, "vroom", res.Provider)
	assert.Equal(t, f.ids(3, 0, 1, 2), res.NewOrder)
	assert.Equal(t, f.ids(1), res.Unassignable)
	assert.Equal(t, f.ids(3, 0, 1, 2), f.order(t))

	tr, err := f.mem.GetTour(context.Background(), f.tour.ID)
	require.NoError(t, err)
	assert.Equal(t, LegsRouting, tr.Stats.LegSource)
	for _, s := range tr.Stops {
		assert.NotNil(t, s.ETA, "stop %s has no eta", s.ID)
	}
	assert.Equal(t, []string{EventOptimized, EventStatsUpdated}, f.events.types())
}

func TestOptimizeFallsBackWhenSolverFails(t *testing.T) {
	solver := &fakeSolver{solve: func([]routing.Job, routing.Vehicle) (routing.Solution, error) {
		return routing.Solution{}, apperr.Wrap(apperr.CodeProviderUnavailable, errors.New("connection refused"), "vroom")
	}}
	router := &fakeRouter{
		route: straightRoute,
		optimize: func(points []model.GeoPoint, opts routing.TripOptions) ([]int, error) {
			assert.Equal(t, routing.TripOptions{FixedFirst: true, FreeLast: true}, opts)
			require.Len(t, points, 4)
			assert.Equal(t, depot, points[0])
			return []int{0, 3, 1, 2}, nil
		},
	}
	f := newFixture(t, Deps{Solver: solver, Router: router}, []string{"vroom", "osrm"},
		pt(48.86, 2.36), pt(48.87, 2.37), pt(48.88, 2.38))

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "osrm", res.Provider)
	assert.Equal(t, f.ids(2, 0, 1), res.NewOrder)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, StepFailed, res.Steps[0].Status)
	assert.Equal(t, StepSucceeded, res.Steps[1].Status)
	assert.Equal(t, f.ids(2, 0, 1), f.order(t))
}

func TestOptimizeRejectsInconsistentSolverOutput(t *testing.T) {
	solver := &fakeSolver{solve: func([]routing.Job, routing.Vehicle) (routing.Solution, error) {
		return routing.Solution{Ordered: []int{0}}, nil
	}}
	router := &fakeRouter{route: straightRoute, optimize: func(points []model.GeoPoint, _ routing.TripOptions) ([]int, error) {
		return []int{0, 1, 2}, nil
	}}
	f := newFixture(t, Deps{Solver: solver, Router: router}, []string{"vroom", "osrm"}, pt(48.86, 2.36), pt(48.87, 2.37))

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)
	assert.Equal(t, "osrm", res.Provider)
	assert.Contains(t, res.Steps[0].Error, string(apperr.CodeProviderRejected))
}

func TestOptimizeUnavailableLeavesOrder(t *testing.T) {
	solver := &fakeSolver{solve: func([]routing.Job, routing.Vehicle) (routing.Solution, error) {
		return routing.Solution{}, errors.New("timeout")
	}}
	f := newFixture(t, Deps{Solver: solver, Router: &fakeRouter{}}, []string{"vroom", "osrm"},
		pt(48.86, 2.36), pt(48.87, 2.37), pt(48.88, 2.38))
	before := f.order(t)

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOptimizationUnavailable, apperr.CodeOf(err))
	assert.True(t, apperr.IsRetryable(err))
	assert.False(t, res.Success)
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, before, f.order(t))
	assert.Empty(t, f.events.types())
}

func TestOptimizeSkipsUnconfiguredSolver(t *testing.T) {
	router := &fakeRouter{route: straightRoute, optimize: func(points []model.GeoPoint, _ routing.TripOptions) ([]int, error) {
		return []int{0, 2, 1}, nil
	}}
	f := newFixture(t, Deps{Router: router}, []string{"vroom", "osrm"}, pt(48.86, 2.36), pt(48.87, 2.37))

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, res.Steps[0].Status)
	assert.Equal(t, f.ids(1, 0), res.NewOrder)
}

func TestOptimizeIsIdempotent(t *testing.T) {
	f := newFixture(t, Deps{Router: &fakeRouter{route: straightRoute}}, []string{"local"},
		pt(48.90, 2.40), pt(48.86, 2.36), pt(48.95, 2.45), pt(48.88, 2.38), nil)

	first, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)
	second, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)

	assert.Equal(t, first.NewOrder, second.NewOrder)
	assert.Equal(t, f.ids(1, 3, 0, 2, 4), first.NewOrder)
}

func TestOptimizePreviewDoesNotMutate(t *testing.T) {
	router := &fakeRouter{route: straightRoute, optimize: func(points []model.GeoPoint, _ routing.TripOptions) ([]int, error) {
		return []int{0, 2, 1}, nil
	}}
	f := newFixture(t, Deps{Router: router}, []string{"osrm"}, pt(48.86, 2.36), pt(48.87, 2.37))

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Applied)
	assert.Equal(t, f.ids(1, 0), res.NewOrder)
	require.NotNil(t, res.Schedule)
	require.Len(t, res.Schedule.Stops, 2)
	assert.Equal(t, f.stops[1].ID, res.Schedule.Stops[0].StopID)

	assert.Equal(t, f.ids(0, 1), f.order(t))
	tr, err := f.mem.GetTour(context.Background(), f.tour.ID)
	require.NoError(t, err)
	assert.Nil(t, tr.Stats.ComputedAt)
	assert.Empty(t, f.events.types())
}

func TestOptimizeSendsWindowsOnlyWhenRespected(t *testing.T) {
	var seen []routing.Job
	solver := &fakeSolver{solve: func(jobs []routing.Job, _ routing.Vehicle) (routing.Solution, error) {
		seen = jobs
		return routing.Solution{Ordered: []int{0, 1}}, nil
	}}
	f := newFixture(t, Deps{Solver: solver, Router: &fakeRouter{route: straightRoute}}, []string{"vroom"})
	ctx := context.Background()
	ws, we := model.MustTimeOfDay("09:00"), model.MustTimeOfDay("11:30")
	for _, loc := range []*model.GeoPoint{pt(48.86, 2.36), pt(48.87, 2.37)} {
		s, err := f.mem.CreateStop(ctx, model.Stop{TourID: f.tour.ID, Kind: model.KindPickup, Location: loc,
			ServiceMinutes: 20, WindowStart: &ws, WindowEnd: &we})
		require.NoError(t, err)
		f.stops = append(f.stops, s)
	}

	_, err := f.svc.Optimize(ctx, f.tour.ID, Options{RespectWindows: true})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.NotNil(t, seen[0].WindowStart)
	assert.Equal(t, time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC), *seen[0].WindowStart)
	assert.Equal(t, time.Date(2024, 5, 14, 11, 30, 0, 0, time.UTC), *seen[0].WindowEnd)
	assert.Equal(t, 20*time.Minute, seen[0].Service)

	_, err = f.svc.Optimize(ctx, f.tour.ID, Options{RespectWindows: false})
	require.NoError(t, err)
	assert.Nil(t, seen[0].WindowStart)
	assert.Nil(t, seen[0].WindowEnd)
}

func TestOptimizePreconditions(t *testing.T) {
	ctx := context.Background()
	router := &fakeRouter{route: straightRoute, optimize: func(points []model.GeoPoint, _ routing.TripOptions) ([]int, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	}}

	t.Run("missing tour", func(t *testing.T) {
		f := newFixture(t, Deps{Router: router}, []string{"osrm"})
		_, err := f.svc.Optimize(ctx, "nope", Options{ApplyOrder: true})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})
	t.Run("single stop", func(t *testing.T) {
		f := newFixture(t, Deps{Router: router}, []string{"osrm"}, pt(48.86, 2.36))
		_, err := f.svc.Optimize(ctx, f.tour.ID, Options{ApplyOrder: true})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})
	t.Run("one geocoded", func(t *testing.T) {
		f := newFixture(t, Deps{Router: router}, []string{"osrm"}, pt(48.86, 2.36), nil, nil)
		_, err := f.svc.Optimize(ctx, f.tour.ID, Options{ApplyOrder: true})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})
	t.Run("closed tour", func(t *testing.T) {
		f := newFixture(t, Deps{Router: router}, []string{"osrm"})
		tr, err := f.mem.CreateTour(ctx, model.Tour{Date: tourDay, Status: model.TourInProgress})
		require.NoError(t, err)
		_, err = f.svc.Optimize(ctx, tr.ID, Options{ApplyOrder: true})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})
}

func TestOptimizeReportsPersistenceConflict(t *testing.T) {
	router := &fakeRouter{route: straightRoute, optimize: func(points []model.GeoPoint, _ routing.TripOptions) ([]int, error) {
		return []int{0, 2, 1}, nil
	}}
	f := newFixture(t, Deps{Router: router}, []string{"osrm"}, pt(48.86, 2.36), pt(48.87, 2.37))
	f.svc.store = &failingReorder{Memory: f.mem}

	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	assert.Equal(t, apperr.CodePersistenceConflict, apperr.CodeOf(err))
	assert.False(t, res.Applied)
	assert.Equal(t, f.ids(0, 1), f.order(t))
}

type failingReorder struct {
	*store.Memory
}

func (failingReorder) ReorderStops(context.Context, string, []string) error {
	return apperr.New(apperr.CodePersistenceConflict, "commit failed")
}

type blockingSolver struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingSolver) Solve(ctx context.Context, jobs []routing.Job, _ routing.Vehicle) (routing.Solution, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	select {
	case <-ctx.Done():
		return routing.Solution{}, ctx.Err()
	case <-b.release:
	}
	sol := routing.Solution{}
	for _, j := range jobs {
		sol.Ordered = append(sol.Ordered, j.Index)
	}
	return sol, nil
}

func TestOptimizeSharedRunSurvivesCallerCancel(t *testing.T) {
	solver := &blockingSolver{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, Deps{Solver: solver, Router: &fakeRouter{route: straightRoute}}, []string{"vroom"},
		pt(48.86, 2.36), pt(48.87, 2.37))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.svc.Optimize(ctx, f.tour.ID, Options{ApplyOrder: true})
		first <- err
	}()
	<-solver.entered

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller still waiting")
	}

	time.AfterFunc(50*time.Millisecond, func() { close(solver.release) })
	res, err := f.svc.Optimize(context.Background(), f.tour.ID, Options{ApplyOrder: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "vroom", res.Provider)
	assert.Equal(t, int32(1), solver.calls.Load())
}
