// Command consumer follows the ride event stream. It keeps lifecycle metrics
// and repeats the owned driver release for every ride that reached a
// terminal status, which repairs releases the API could not complete.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

var (
	eventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_ride_events_consumed_total",
		Help: "Ride events consumed, by target status",
	}, []string{"to"})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_events_invalid_total",
		Help: "Ride events that could not be decoded",
	})
	releasesRepaired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_releases_repaired_total",
		Help: "Driver claims the consumer released because the API had not",
	})
	releaseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_release_errors_total",
		Help: "Driver releases that failed after all retries",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, releasesRepaired, releaseErrors)
}

// Releaser is the registry subset the consumer needs.
type Releaser interface {
	Release(ctx context.Context, driverID, rideID string) (bool, error)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("dispatch-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var rel Releaser
	var ready func(context.Context) error
	if cfg.RedisAddr != "" {
		rr, err := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer rr.Close()
		rel, ready = rr, rr.Ping
	} else {
		logger.Warn("REDIS_ADDR not set, release repair disabled")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if ready != nil {
				if err := ready(r.Context()); err != nil {
					http.Error(w, "redis not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaRideTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaRideTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Error("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		ev, err := events.Decode(m)
		if err != nil {
			eventsInvalid.Inc()
			logger.Warn("invalid ride event", "offset", m.Offset, "error", err)
			continue
		}
		handleEvent(ctx, rel, ev, logger)
	}
}

func handleEvent(ctx context.Context, rel Releaser, ev models.RideEvent, logger *slog.Logger) {
	eventsConsumed.WithLabelValues(string(ev.To)).Inc()
	if !ev.To.Terminal() || rel == nil || ev.DriverID == "" {
		return
	}
	released, err := releaseWithRetry(ctx, rel, ev.DriverID, ev.RideID, 3, 200*time.Millisecond)
	if err != nil {
		releaseErrors.Inc()
		logger.Error("release driver", "ride_id", ev.RideID, "driver_id", ev.DriverID, "error", err)
		return
	}
	if released {
		releasesRepaired.Inc()
		logger.Warn("repaired driver release", "ride_id", ev.RideID, "driver_id", ev.DriverID, "to", ev.To)
	}
}

// releaseWithRetry repeats the owned release with exponential backoff. A
// claim already gone, or held by a newer ride, reports false without error.
func releaseWithRetry(ctx context.Context, rel Releaser, driverID, rideID string, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		released, err := rel.Release(ctx, driverID, rideID)
		if err == nil {
			return released, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, lastErr
}
