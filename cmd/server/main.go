package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/bypass"
	"github.com/nshruti113/admission-guard/internal/config"
	"github.com/nshruti113/admission-guard/internal/detection"
	"github.com/nshruti113/admission-guard/internal/logging"
	"github.com/nshruti113/admission-guard/internal/metrics"
	"github.com/nshruti113/admission-guard/internal/monitoring"
	"github.com/nshruti113/admission-guard/internal/ratelimit"
	"github.com/nshruti113/admission-guard/internal/reputation"
	"github.com/nshruti113/admission-guard/internal/server"
	"github.com/nshruti113/admission-guard/internal/storage"
	"github.com/nshruti113/admission-guard/internal/threatintel"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting admission guard")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server stopped with error")
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewRedisStore(ctx, cfg.StorageConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	sources, err := threatintel.BuildSources(cfg.ThreatIntel, logger)
	if err != nil {
		return err
	}
	intel := threatintel.NewAggregator(cfg.ThreatIntel, logger, sources...)

	m := metrics.New()
	scorer := reputation.NewScorer(store, intel, cfg.Reputation, logger)
	detector := detection.NewDetector(store, cfg.Detection, logger)
	tokens := bypass.NewManager(store, cfg.Bypass, logger)

	hub := server.NewHub(logger)
	notifiers := append(monitoring.BuildNotifiers(cfg.Alerting, store, logger), hub)
	alerter := monitoring.NewAlerter(cfg.Alerting, notifiers, m, logger)
	alerter.AddObserver(hub)
	alerter.AddObserver(m)

	limiter, err := ratelimit.NewLimiter(store, ratelimit.Deps{
		Bypass:     tokens,
		Detector:   detector,
		Reputation: scorer,
		Monitor:    alerter,
		Metrics:    m,
	}, cfg.LimiterConfig(), logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Services{
		Limiter:    limiter,
		Detector:   detector,
		Reputation: scorer,
		Bypass:     tokens,
		Alerter:    alerter,
		Metrics:    m,
		Hub:        hub,
		Store:      store,
	}, server.Options{
		Mode:           cfg.Server.Mode,
		AdminKey:       cfg.Server.AdminKey,
		TrustedProxies: cfg.Server.TrustedProxies,
		Abuse:          cfg.Abuse,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Server.AdminKey == "" {
		logger.Warn("No admin key configured, admin API is disabled")
	}

	alerter.Start(ctx)
	defer alerter.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
