package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplan/internal/apperr"
	"tourplan/internal/config"
	"tourplan/internal/model"
	"tourplan/internal/store"
	"tourplan/internal/tour"
)

const day = "2024-05-14"

type fakeOptimizer struct {
	err        error
	optimized  []string
	recomputed []string
}

func (f *fakeOptimizer) Optimize(_ context.Context, tourID string, opts tour.Options) (tour.Result, error) {
	f.optimized = append(f.optimized, tourID)
	if f.err != nil {
		return tour.Result{TourID: tourID}, f.err
	}
	return tour.Result{TourID: tourID, Success: true, Applied: opts.ApplyOrder, Provider: "osrm"}, nil
}

func (f *fakeOptimizer) RecomputeStats(_ context.Context, tourID string, _ bool) (tour.Schedule, error) {
	f.recomputed = append(f.recomputed, tourID)
	return tour.Schedule{}, nil
}

type recorder struct{ events []tour.Event }

func (r *recorder) Publish(_ string, evt tour.Event) { r.events = append(r.events, evt) }

func strictConfig() config.DispatchConfig {
	return config.DispatchConfig{Policy: config.PolicyStrict, Timeout: time.Minute}
}

func newDispatcher(mem store.Store, optimizer Optimizer, cfg config.DispatchConfig) *Dispatcher {
	return New(cfg, Deps{Store: mem, Optimizer: optimizer})
}

func createTours(t *testing.T, mem *store.Memory, depots ...*model.GeoPoint) []string {
	t.Helper()
	ids := make([]string, len(depots))
	for i, d := range depots {
		tr, err := mem.CreateTour(context.Background(), model.Tour{Date: day, Depot: d})
		require.NoError(t, err)
		ids[i] = tr.ID
	}
	return ids
}

func createPending(t *testing.T, mem *store.Memory, locations ...*model.GeoPoint) []model.Stop {
	t.Helper()
	out := make([]model.Stop, len(locations))
	for i, loc := range locations {
		s, err := mem.CreateStop(context.Background(), model.Stop{Date: day, Kind: model.KindDelivery, Location: loc})
		require.NoError(t, err)
		out[i] = s
	}
	return out
}

func pt(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func assignedTours(res Result) []string {
	out := make([]string, len(res.Dispatched))
	for i, a := range res.Dispatched {
		out[i] = a.TourID
	}
	return out
}

func TestBalanceWithoutGeographicSignal(t *testing.T) {
	mem := store.NewMemory()
	tours := createTours(t, mem, nil, nil, nil)
	var locs []*model.GeoPoint
	for i := 0; i < 10; i++ {
		locs = append(locs, pt(48.85, 2.35))
	}
	stops := createPending(t, mem, locs...)

	res, err := newDispatcher(mem, &fakeOptimizer{}, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Dispatched, 10)

	counts := map[string]int{}
	for _, a := range res.Dispatched {
		counts[a.TourID]++
	}
	minLoad, maxLoad := 10, 0
	for _, id := range tours {
		minLoad = min(minLoad, counts[id])
		maxLoad = max(maxLoad, counts[id])
	}
	assert.LessOrEqual(t, maxLoad-minLoad, 1)

	want := []string{tours[0], tours[1], tours[2], tours[0], tours[1], tours[2], tours[0], tours[1], tours[2], tours[0]}
	assert.Equal(t, want, assignedTours(res))
}

func TestProximityBreaksLoadTie(t *testing.T) {
	mem := store.NewMemory()
	paris, lyon := pt(48.85, 2.35), pt(45.76, 4.83)
	tours := createTours(t, mem, paris, lyon)
	stops := createPending(t, mem, pt(45.75, 4.85), pt(48.86, 2.34))

	res, err := newDispatcher(mem, &fakeOptimizer{}, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	assert.Equal(t, []string{tours[1], tours[0]}, assignedTours(res))
}

func TestLoadOutranksProximity(t *testing.T) {
	mem := store.NewMemory()
	paris, lyon := pt(48.85, 2.35), pt(45.76, 4.83)
	tours := createTours(t, mem, paris, lyon)
	stops := createPending(t, mem, pt(48.86, 2.34), pt(48.87, 2.33))

	res, err := newDispatcher(mem, &fakeOptimizer{}, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	assert.Equal(t, []string{tours[0], tours[1]}, assignedTours(res))
}

func TestNoToursFailsEveryStop(t *testing.T) {
	mem := store.NewMemory()
	stops := createPending(t, mem, pt(48.85, 2.35), nil, pt(48.86, 2.36))
	_, err := mem.CreateTour(context.Background(), model.Tour{Date: day, Status: model.TourCompleted})
	require.NoError(t, err)

	res, err := newDispatcher(mem, &fakeOptimizer{}, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Dispatched)
	require.Len(t, res.Failed, 3)
	for _, f := range res.Failed {
		assert.Equal(t, ReasonNoTourAvailable, f.Reason, "stop %s", f.StopID)
	}
}

func TestUngeocodedStopFailsAndBatchContinues(t *testing.T) {
	mem := store.NewMemory()
	tours := createTours(t, mem, pt(48.85, 2.35))
	stops := createPending(t, mem, nil, pt(48.86, 2.36))

	opt := &fakeOptimizer{}
	res, err := newDispatcher(mem, opt, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, Failure{StopID: stops[0].ID, Reason: ReasonNoCoordinates, Message: "stop has no coordinates"}, res.Failed[0])
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, tours[0], res.Dispatched[0].TourID)
	assert.Equal(t, tours, opt.optimized)
}

func TestServiceDurationComesFromCatalog(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.UpsertProduct(ctx, model.Product{ID: "wardrobe", InstallMinutes: 20, UninstallMinutes: 15}))
	require.NoError(t, mem.UpsertOption(ctx, model.Option{ID: "third-floor", ExtraMinutes: 10}))
	tours := createTours(t, mem, nil)
	s, err := mem.CreateStop(ctx, model.Stop{Date: day, Kind: model.KindDelivery, Location: pt(48.85, 2.35),
		Products: []model.ProductLine{{ProductID: "wardrobe", Quantity: 2}}, OptionIDs: []string{"third-floor"}})
	require.NoError(t, err)

	res, err := newDispatcher(mem, &fakeOptimizer{}, strictConfig()).Dispatch(ctx, day, nil)
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, 50, res.Dispatched[0].ServiceMinutes)

	tr, err := mem.GetTour(ctx, tours[0])
	require.NoError(t, err)
	require.Len(t, tr.Stops, 1)
	assert.Equal(t, s.ID, tr.Stops[0].ID)
	assert.Equal(t, 50, tr.Stops[0].ServiceMinutes)
}

func TestDispatchByIDsSkipsAssignedStops(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	tours := createTours(t, mem, nil)
	stops := createPending(t, mem, pt(48.85, 2.35))
	inTour, err := mem.CreateStop(ctx, model.Stop{TourID: tours[0], Kind: model.KindPickup, Location: pt(48.9, 2.4)})
	require.NoError(t, err)

	res, err := newDispatcher(mem, &fakeOptimizer{}, strictConfig()).Dispatch(ctx, day, []string{stops[0].ID, inTour.ID})
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, ReasonAlreadyAssigned, res.Failed[0].Reason)

	_, err = newDispatcher(mem, &fakeOptimizer{}, strictConfig()).Dispatch(ctx, day, []string{"missing"})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

// cancelAfter cancels the batch once n stops were appended.
type cancelAfter struct {
	*store.Memory
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) AppendStop(ctx context.Context, tourID, stopID string, minutes int) (model.Stop, error) {
	s, err := c.Memory.AppendStop(ctx, tourID, stopID, minutes)
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return s, err
}

func TestDeadlineFailsRemainderAsRetryable(t *testing.T) {
	mem := store.NewMemory()
	createTours(t, mem, nil, nil)
	stops := createPending(t, mem, pt(48.85, 2.35), pt(48.86, 2.36), pt(48.87, 2.37), pt(48.88, 2.38))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := newDispatcher(&cancelAfter{Memory: mem, n: 2, cancel: cancel}, &fakeOptimizer{}, strictConfig()).DispatchStops(ctx, day, stops)
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 2)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, ReasonTimeout, f.Reason)
		assert.True(t, f.Retryable)
	}

	pending, err := mem.ListPendingStops(context.Background(), day)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestOptimizationFailureKeepsAssignments(t *testing.T) {
	mem := store.NewMemory()
	tours := createTours(t, mem, pt(48.85, 2.35))
	stops := createPending(t, mem, pt(48.86, 2.36), pt(48.87, 2.37))
	opt := &fakeOptimizer{err: apperr.New(apperr.CodeOptimizationUnavailable, "chain exhausted")}

	res, err := newDispatcher(mem, opt, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Optimizations, 1)
	assert.False(t, res.Optimizations[0].Success)
	assert.Contains(t, res.Optimizations[0].Error, "chain exhausted")

	tr, err := mem.GetTour(context.Background(), tours[0])
	require.NoError(t, err)
	assert.Len(t, tr.Stops, 2)
}

func TestSmallTourIsRecomputedInstead(t *testing.T) {
	mem := store.NewMemory()
	tours := createTours(t, mem, nil)
	stops := createPending(t, mem, pt(48.86, 2.36))
	opt := &fakeOptimizer{err: apperr.New(apperr.CodeValidation, "too few stops")}

	res, err := newDispatcher(mem, opt, strictConfig()).DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	assert.Equal(t, tours, opt.recomputed)
	require.Len(t, res.Optimizations, 1)
	assert.True(t, res.Optimizations[0].Success)
}

func TestDispatchPublishesAssignments(t *testing.T) {
	mem := store.NewMemory()
	tours := createTours(t, mem, nil)
	stops := createPending(t, mem, pt(48.86, 2.36))
	events := &recorder{}

	d := New(strictConfig(), Deps{Store: mem, Optimizer: &fakeOptimizer{}, Publisher: events})
	_, err := d.DispatchStops(context.Background(), day, stops)
	require.NoError(t, err)
	require.Len(t, events.events, 1)
	assert.Equal(t, tour.EventStopAssigned, events.events[0].Type)
	assert.Equal(t, tours[0], events.events[0].TourID)
	assert.Equal(t, stops[0].ID, events.events[0].Data["stopId"])
}
