package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "route", "status"},
	)

	// ProviderRequests counts outbound provider calls by outcome
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_requests_total", Help: "Outbound routing provider requests by provider and outcome."},
		[]string{"provider", "outcome"},
	)
	// ProviderLatency tracks provider round trips including retries
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "provider_request_duration_seconds", Help: "Provider request duration in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20}},
		[]string{"provider"},
	)

	// OptimizeSteps counts fallback chain steps by provider and result
	OptimizeSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tour_optimize_steps_total", Help: "Optimization chain steps by provider and result."},
		[]string{"provider", "result"},
	)
	// OptimizeRuns counts optimize calls by final outcome
	OptimizeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tour_optimize_runs_total", Help: "Optimize calls by outcome and mode."},
		[]string{"outcome", "mode"},
	)

	// DispatchedStops counts dispatch outcomes per stop
	DispatchedStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_stops_total", Help: "Dispatched stops by result and reason."},
		[]string{"result", "reason"},
	)
	// DispatchBatchDuration tracks full batch durations
	DispatchBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatch_batch_duration_seconds", Help: "Dispatch batch duration in seconds.", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}},
	)
)

// RegisterDefault registers collectors to the service registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(ProviderRequests)
		Registry.MustRegister(ProviderLatency)
		Registry.MustRegister(OptimizeSteps)
		Registry.MustRegister(OptimizeRuns)
		Registry.MustRegister(DispatchedStops)
		Registry.MustRegister(DispatchBatchDuration)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
