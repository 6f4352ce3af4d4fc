package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/poller"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]httpapi.Check{}

	var reg registry.Registry
	if cfg.RedisAddr != "" {
		rr, err := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		if err != nil {
			return err
		}
		defer rr.Close()
		reg = rr
		checks["redis"] = rr.Ping
		logger.Info("driver registry on redis", "addr", cfg.RedisAddr)
	} else {
		reg = registry.NewIndex()
		logger.Warn("REDIS_ADDR not set, driver registry is in memory")
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		store = ps
		checks["postgres"] = ps.Ping
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRideTopic)
		defer kp.Close()
		pub = kp
	}

	gate := otp.NewGate(store, cfg.OTPMaxAttempts)
	lifecycle := &ride.Lifecycle{Store: store, Registry: reg, Codes: gate, Events: pub, Logger: logger}
	srv := httpapi.NewServer(httpapi.Options{
		Matcher:      &matcher.Service{Registry: reg, Store: store, Codes: gate, Fares: cfg.Fares, Events: pub, Logger: logger},
		Lifecycle:    lifecycle,
		Sync:         &poller.Synchronizer{Store: store, Registry: reg, Logger: logger},
		Registry:     reg,
		JWTSecret:    []byte(cfg.JWTSecret),
		PollInterval: cfg.PollInterval,
		Checks:       checks,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	expirer := &ride.Expirer{Lifecycle: lifecycle, Timeout: cfg.PendingTimeout, Interval: cfg.ExpirySweepInterval}
	go expirer.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
