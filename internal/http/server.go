package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/poller"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

// Check reports whether one backing dependency is reachable.
type Check func(ctx context.Context) error

type Options struct {
	Matcher   *matcher.Service
	Lifecycle *ride.Lifecycle
	Sync      *poller.Synchronizer
	Registry  registry.Registry
	JWTSecret []byte
	// PollInterval is advertised to clients in the X-Poll-Interval header.
	PollInterval time.Duration
	Checks       map[string]Check
	Logger       *slog.Logger
}

type Server struct {
	matcher      *matcher.Service
	lifecycle    *ride.Lifecycle
	sync         *poller.Synchronizer
	registry     registry.Registry
	secret       []byte
	pollInterval time.Duration
	checks       map[string]Check
	logger       *slog.Logger
	mux          *mux.Router
}

func NewServer(o Options) *Server {
	s := &Server{
		matcher:      o.Matcher,
		lifecycle:    o.Lifecycle,
		sync:         o.Sync,
		registry:     o.Registry,
		secret:       o.JWTSecret,
		pollInterval: o.PollInterval,
		checks:       o.Checks,
		logger:       o.Logger,
		mux:          mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = poller.DefaultInterval
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/internal/drivers/{driver_id}", s.handleRosterUpsert).Methods("PUT")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods("GET")
	api.HandleFunc("/rides/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/drivers/me/online", s.handleDuty(true)).Methods("POST")
	api.HandleFunc("/drivers/me/offline", s.handleDuty(false)).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
