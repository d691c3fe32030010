package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tourplan/internal/api"
	"tourplan/internal/buildinfo"
	"tourplan/internal/config"
	"tourplan/internal/dispatch"
	"tourplan/internal/logging"
	"tourplan/internal/metrics"
	"tourplan/internal/providers/httpx"
	"tourplan/internal/providers/osrm"
	"tourplan/internal/providers/tomtom"
	"tourplan/internal/providers/vroom"
	"tourplan/internal/routing"
	"tourplan/internal/store"
	"tourplan/internal/tour"
	"tourplan/internal/webhooks"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Options{ServiceName: "tourplan"}).Error(context.Background(), "load config", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		ServiceName: "tourplan",
		Level:       logging.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx := logger.WithFields(context.Background(), map[string]any{"version": buildinfo.Version, "env": cfg.App.Env})

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "service stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	metrics.RegisterDefault()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var broker api.EventBroker = api.NewBroker()
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn(logger.WithField(ctx, "error", err.Error()), "redis broker unavailable; using in-process events")
		} else {
			broker = rb
		}
	}

	var publisher tour.Publisher = broker
	if cfg.Webhook.Enabled() {
		fwd := webhooks.NewForwarder(cfg.Webhook, broker, logger)
		fwd.Start()
		defer fwd.Stop()
		publisher = fwd
	}

	router := osrm.New(cfg.OSRM.BaseURL, cfg.OSRM.Profile,
		httpx.WithTimeout(cfg.OSRM.Timeout),
		httpx.WithRateLimit(cfg.OSRM.RPS, 1),
	)
	deps := tour.Deps{Store: st, Router: router, Publisher: publisher, Logger: logger}
	if cfg.VROOM.Enabled() {
		deps.Solver = vroom.New(cfg.VROOM.BaseURL, httpx.WithTimeout(cfg.VROOM.Timeout))
	}
	var traffic routing.TrafficProvider
	if cfg.TomTom.Enabled() {
		tt, err := tomtom.New(cfg.TomTom.BaseURL, cfg.TomTom.APIKey,
			httpx.WithTimeout(cfg.TomTom.Timeout),
			httpx.WithRateLimit(cfg.TomTom.RPS, cfg.TomTom.Burst),
		)
		if err != nil {
			return err
		}
		traffic = tt
		deps.Traffic = tt
	}

	tours := tour.NewService(cfg.Optimizer, cfg.Location(), deps)
	dispatcher := dispatch.New(cfg.Dispatch, dispatch.Deps{Store: st, Optimizer: tours, Publisher: publisher, Logger: logger})
	server := api.NewServer(cfg, api.Deps{
		Store:      st,
		Tours:      tours,
		Dispatcher: dispatcher,
		Traffic:    traffic,
		Broker:     broker,
		Logger:     logger,
	})
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error(ctx, "close resources", err)
		}
	}()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.App.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(logger.WithFields(ctx, map[string]any{
			"addr":     srv.Addr,
			"chain":    strings.Join(tours.ChainNames(), ","),
			"policy":   dispatcher.Policy(),
			"traffic":  traffic != nil,
			"timezone": cfg.Location().String(),
			"webhook":  cfg.Webhook.Enabled(),
		}), "api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	if strings.TrimSpace(cfg.DB.URL) == "" {
		logger.Warn(ctx, "no database configured; using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DB.URL, cfg.DB.MaxOpenConn)
	if err != nil {
		return nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := store.Migrate(ctx, pg.DB()); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	return pg, nil
}
