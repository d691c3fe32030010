// Package api exposes the planning engine over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"
	"go.uber.org/multierr"

	"tourplan/internal/apperr"
	"tourplan/internal/config"
	"tourplan/internal/dispatch"
	"tourplan/internal/logging"
	"tourplan/internal/metrics"
	"tourplan/internal/routing"
	"tourplan/internal/store"
	"tourplan/internal/tour"
)

// Deps are the collaborators a Server routes requests to. Traffic may be
// nil when no traffic provider is configured.
type Deps struct {
	Store      store.Store
	Tours      *tour.Service
	Dispatcher *dispatch.Dispatcher
	Traffic    routing.TrafficProvider
	Broker     EventBroker
	Logger     *logging.Logger
}

type Server struct {
	cfg        *config.Config
	store      store.Store
	tours      *tour.Service
	dispatcher *dispatch.Dispatcher
	traffic    routing.TrafficProvider
	broker     EventBroker
	log        *logging.Logger

	heartbeat time.Duration
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		tours:      deps.Tours,
		dispatcher: deps.Dispatcher,
		traffic:    deps.Traffic,
		broker:     deps.Broker,
		log:        deps.Logger,
		heartbeat:  15 * time.Second,
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.broker == nil {
		s.broker = NewBroker()
	}
	return s
}

// Router builds the HTTP handler. Streams and dispatch run outside the
// request timeout; dispatch is bounded by its own batch deadline.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(s.secureHeaders())

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/debug/info", s.debugInfo)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tours/{id}/events/stream", s.streamEvents)
		r.Get("/ws", s.streamWS)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit())
			r.Post("/dispatch", s.dispatch)

			r.Group(func(r chi.Router) {
				if s.cfg.HTTP.RequestTimeout > 0 {
					r.Use(middleware.Timeout(s.cfg.HTTP.RequestTimeout))
				}
				r.Post("/tours", s.createTour)
				r.Get("/tours", s.listTours)
				r.Get("/tours/{id}", s.getTour)
				r.Delete("/tours/{id}", s.deleteTour)
				r.Post("/tours/{id}/optimize", s.optimizeTour)
				r.Post("/tours/{id}/recompute", s.recomputeTour)

				r.Post("/stops", s.createStop)
				r.Delete("/stops/{id}", s.deleteStop)

				r.Put("/products/{id}", s.upsertProduct)
				r.Put("/options/{id}", s.upsertOption)

				r.Post("/travel-time", s.travelTime)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, apperr.CodeNotFound, "no route for "+r.Method+" "+r.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"type":"about:blank","title":"Method Not Allowed","status":405,"code":"METHOD_NOT_ALLOWED","retryable":false}`))
	})
	return r
}

// Close releases the broker and the store.
func (s *Server) Close() error {
	return multierr.Combine(s.broker.Close(), s.store.Close())
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := s.log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		r = r.WithContext(ctx)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		labels := []string{r.Method, route, strconv.Itoa(status)}
		metrics.HTTPRequests.WithLabelValues(labels...).Inc()
		metrics.HTTPDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())

		s.log.Info(s.log.WithFields(ctx, map[string]any{
			"method":      r.Method,
			"route":       route,
			"path":        r.URL.Path,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": elapsed.Milliseconds(),
			"remote_ip":   r.RemoteAddr,
		}), "http request")
	})
}

func (s *Server) secureHeaders() func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "same-origin",
		SSLRedirect:        s.cfg.App.IsProd(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})
	return sm.Handler
}

func (s *Server) rateLimit() func(http.Handler) http.Handler {
	limit := s.cfg.HTTP.RateLimitPerMin
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"type":"about:blank","title":"Too Many Requests","status":429,"code":"RATE_LIMITED","retryable":true}`))
		}),
	)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{"store": "ok"}
	ok := true
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ok = false
	}
	if p, isPinger := s.broker.(pinger); isPinger {
		checks["broker"] = "ok"
		if err := p.Ping(ctx); err != nil {
			checks["broker"] = err.Error()
			ok = false
		}
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ok, "checks": checks})
}
