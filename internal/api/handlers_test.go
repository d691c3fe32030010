package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplan/internal/config"
	"tourplan/internal/dispatch"
	"tourplan/internal/model"
	"tourplan/internal/store"
	"tourplan/internal/tour"
)

type testEnv struct {
	mem     *store.Memory
	broker  *Broker
	handler http.Handler
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.App.Env = config.AppEnvDev
	cfg.HTTP.RequestTimeout = 5 * time.Second
	cfg.Optimizer = config.OptimizerConfig{
		Chain:            []string{config.StepLocal},
		DefaultStart:     model.MustTimeOfDay("08:00"),
		FallbackSpeedKph: 40,
		LocalIterations:  50,
	}
	cfg.Dispatch = config.DispatchConfig{Policy: config.PolicyStrict, Timeout: time.Minute}
	if tweak != nil {
		tweak(cfg)
	}

	mem := store.NewMemory()
	broker := NewBroker()
	svc := tour.NewService(cfg.Optimizer, time.UTC, tour.Deps{Store: mem, Publisher: broker})
	disp := dispatch.New(cfg.Dispatch, dispatch.Deps{Store: mem, Optimizer: svc, Publisher: broker})
	srv := NewServer(cfg, Deps{Store: mem, Tours: svc, Dispatcher: disp, Broker: broker})
	t.Cleanup(func() { _ = srv.Close() })
	return &testEnv{mem: mem, broker: broker, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) createTour(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/tours", map[string]any{
		"date":      "2024-05-14",
		"name":      "north",
		"depot":     map[string]float64{"lat": 48.85, "lng": 2.35},
		"startTime": "07:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.Tour](t, rec).ID
}

func (e *testEnv) createStop(t *testing.T, tourID string, lat float64) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/stops", map[string]any{
		"tourId":   tourID,
		"date":     "2024-05-14",
		"kind":     "delivery",
		"location": map[string]float64{"lat": lat, "lng": 2.35},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.Stop](t, rec).ID
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = e.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true,"checks":{"store":"ok"}}`, rec.Body.String())
}

func TestUnknownRouteIsProblem(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "NOT_FOUND", decode[Problem](t, rec).Code)
}

func TestCreateTourValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/v1/tours", map[string]any{"date": "14/05/2024"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decode[Problem](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", p.Code)
	assert.False(t, p.Retryable)
	assert.Contains(t, p.Details, "createTourRequest.date")

	rec = e.do(t, http.MethodPost, "/v1/tours", `{"date":"2024-05-14","driver":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/tours", map[string]any{"date": "2024-05-14", "depot": map[string]float64{"lat": 91, "lng": 0}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateStopValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	cases := map[string]map[string]any{
		"missing kind":       {"date": "2024-05-14"},
		"unknown kind":       {"date": "2024-05-14", "kind": "teleport"},
		"pending needs date": {"kind": "pickup"},
		"window reversed":    {"date": "2024-05-14", "kind": "pickup", "windowStart": "10:00", "windowEnd": "09:00"},
		"bad quantity":       {"date": "2024-05-14", "kind": "pickup", "products": []map[string]any{{"productId": "p", "quantity": 0}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/stops", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateStopUsesCatalogDurations(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodPut, "/v1/products/bed", map[string]any{"name": "Bed", "installMinutes": 20, "uninstallMinutes": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPut, "/v1/options/stairs", map[string]any{"name": "Stairs", "extraMinutes": 15})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/v1/stops", map[string]any{
		"date":      "2024-05-14",
		"kind":      "delivery_and_pickup",
		"products":  []map[string]any{{"productId": "bed", "quantity": 2}},
		"optionIds": []string{"stairs", "unknown"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stop := decode[model.Stop](t, rec)
	assert.Equal(t, 75, stop.ServiceMinutes)
	assert.Equal(t, model.StopPending, stop.Status)
}

func TestTourLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	tourID := e.createTour(t)
	far := e.createStop(t, tourID, 48.95)
	near := e.createStop(t, tourID, 48.86)
	mid := e.createStop(t, tourID, 48.90)

	rec := e.do(t, http.MethodGet, "/v1/tours/"+tourID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.Tour](t, rec)
	require.Len(t, got.Stops, 3)
	assert.Equal(t, []string{far, near, mid}, []string{got.Stops[0].ID, got.Stops[1].ID, got.Stops[2].ID})

	// preview leaves the stored order alone
	rec = e.do(t, http.MethodPost, "/v1/tours/"+tourID+"/optimize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[tour.Result](t, rec)
	assert.True(t, preview.Success)
	assert.False(t, preview.Applied)
	assert.Equal(t, config.StepLocal, preview.Provider)
	assert.Equal(t, []string{near, mid, far}, preview.NewOrder)
	require.NotNil(t, preview.Schedule)

	stored, err := e.mem.GetTour(t.Context(), tourID)
	require.NoError(t, err)
	assert.Equal(t, far, stored.Stops[0].ID)

	events := e.broker.Subscribe(tourID)
	defer e.broker.Unsubscribe(tourID, events)

	rec = e.do(t, http.MethodPost, "/v1/tours/"+tourID+"/optimize", map[string]any{"applyOrder": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decode[tour.Result](t, rec)
	assert.True(t, applied.Applied)

	rec = e.do(t, http.MethodGet, "/v1/tours/"+tourID, nil)
	got = decode[model.Tour](t, rec)
	assert.Equal(t, []string{near, mid, far}, []string{got.Stops[0].ID, got.Stops[1].ID, got.Stops[2].ID})
	assert.Equal(t, 0, got.Stops[0].Order)
	require.NotNil(t, got.Stats.ComputedAt)
	assert.Greater(t, got.Stats.TotalDistanceM, 0)
	require.NotNil(t, got.Stops[0].ETA)

	assert.Equal(t, tour.EventOptimized, (<-events).Type)
	assert.Equal(t, tour.EventStatsUpdated, (<-events).Type)

	rec = e.do(t, http.MethodDelete, "/v1/stops/"+mid, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	got = decode[model.Tour](t, e.do(t, http.MethodGet, "/v1/tours/"+tourID, nil))
	require.Len(t, got.Stops, 2)
	assert.Equal(t, 1, got.Stops[1].Order)

	rec = e.do(t, http.MethodDelete, "/v1/tours/"+tourID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, "/v1/tours/"+tourID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecomputeEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	tourID := e.createTour(t)
	e.createStop(t, tourID, 48.86)

	rec := e.do(t, http.MethodPost, "/v1/tours/"+tourID+"/recompute", map[string]any{"useTraffic": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sched := decode[tour.Schedule](t, rec)
	require.Len(t, sched.Stops, 1)
	assert.Equal(t, tour.LegsEstimate, sched.Stats.LegSource)
	assert.Equal(t, 900, sched.Stats.TotalServiceSec)

	rec = e.do(t, http.MethodGet, "/v1/tours/"+tourID, nil)
	assert.Contains(t, rec.Body.String(), `"punctuality":"on_time"`)
}

func TestOptimizeErrors(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/v1/tours/missing/optimize", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tourID := e.createTour(t)
	e.createStop(t, tourID, 48.86)
	rec = e.do(t, http.MethodPost, "/v1/tours/"+tourID+"/optimize", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[Problem](t, rec).Detail, "at least 2")

	rec = e.do(t, http.MethodPost, "/v1/tours/missing/recompute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	first := e.createTour(t)
	second := e.createTour(t)
	for _, lat := range []float64{48.86, 48.87, 48.88} {
		e.createStop(t, "", lat)
	}
	rec := e.do(t, http.MethodPost, "/v1/stops", map[string]any{"date": "2024-05-14", "kind": "pickup"})
	require.Equal(t, http.StatusCreated, rec.Code)
	ungeocoded := decode[model.Stop](t, rec).ID

	rec = e.do(t, http.MethodPost, "/v1/dispatch", map[string]any{"date": "2024-05-14"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[dispatch.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, config.PolicyStrict, res.Policy)
	require.Len(t, res.Dispatched, 3)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, ungeocoded, res.Failed[0].StopID)
	assert.Equal(t, dispatch.ReasonNoCoordinates, res.Failed[0].Reason)

	counts := map[string]int{}
	for _, a := range res.Dispatched {
		counts[a.TourID]++
	}
	assert.ElementsMatch(t, []int{1, 2}, []int{counts[first], counts[second]}, "loads stay within one stop")
	require.Len(t, res.Optimizations, 2)

	rec = e.do(t, http.MethodPost, "/v1/dispatch", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTours(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.createTour(t)
	b := e.createTour(t)

	rec := e.do(t, http.MethodGet, "/v1/tours?date=2024-05-14&status=draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Items []model.Tour `json:"items"`
	}](t, rec)
	require.Len(t, body.Items, 2)
	assert.Equal(t, a, body.Items[0].ID)
	assert.Equal(t, b, body.Items[1].ID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/tours", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/tours?date=2024-05-14&status=lost", nil).Code)
}

func TestTravelTimeWithoutProvider(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/v1/travel-time", map[string]any{
		"origin":      map[string]float64{"lat": 48.85, "lng": 2.35},
		"destination": map[string]float64{"lat": 48.86, "lng": 2.36},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	p := decode[Problem](t, rec)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", p.Code)
	assert.True(t, p.Retryable)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.HTTP.RateLimitPerMin = 2 })
	for i := 0; i < 2; i++ {
		e.createTour(t)
	}
	rec := e.do(t, http.MethodPost, "/v1/tours", map[string]any{"date": "2024-05-14"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	// probes are not limited
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestDebugInfo(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/debug/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "strict", body.Config["dispatchPolicy"])
	assert.Equal(t, []any{"local"}, body.Config["optimizerChain"])
}

func TestServerSentEvents(t *testing.T) {
	e := newTestEnv(t, nil)
	tourID := e.createTour(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/tours/missing/events/stream", nil).Code)

	resp, err := http.Get(ts.URL + "/v1/tours/" + tourID + "/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: heartbeat\n", line)
	_, _ = reader.ReadString('\n') // data
	_, _ = reader.ReadString('\n') // blank

	evt := tour.NewEvent(tour.EventStatsUpdated, tourID, map[string]any{"totalDistanceM": 10})
	e.broker.Publish(tourID, evt)

	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}
	assert.Equal(t, "id: "+evt.ID, lines[0])
	assert.Equal(t, "event: tour.stats_updated", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: {"))
}

func TestWebSocketStream(t *testing.T) {
	e := newTestEnv(t, nil)
	tourID := e.createTour(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/ws", nil).Code)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?tourId=" + tourID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	e.broker.Publish(tourID, tour.NewEvent(tour.EventStopAssigned, tourID, map[string]any{"stopId": "s1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got tour.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, tour.EventStopAssigned, got.Type)
	assert.Equal(t, tourID, got.TourID)
	assert.Equal(t, "s1", got.Data["stopId"])
}
