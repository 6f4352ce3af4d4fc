package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type CodeIssuer interface {
	Issue(ctx context.Context) (string, error)
}

type Service struct {
	Registry registry.Registry
	Store    storage.TripStore
	Codes    CodeIssuer
	Fares    fare.Table
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Validate rejects malformed requests before any state is touched.
func Validate(req models.RideRequest) error {
	switch {
	case strings.TrimSpace(req.RequesterID) == "":
		return apperr.Validation("requester id is required")
	case strings.TrimSpace(req.Route.Origin) == "":
		return apperr.Validation("origin is required")
	case strings.TrimSpace(req.Route.Destination) == "":
		return apperr.Validation("destination is required")
	case math.IsNaN(req.Route.Distance) || math.IsInf(req.Route.Distance, 0) || req.Route.Distance < 0:
		return apperr.Validation("distance must be a non-negative number")
	case !req.Class.Valid():
		return apperr.Validation("unknown vehicle class %q", req.Class)
	case !req.Payment.Valid():
		return apperr.Validation("unknown payment method %q", req.Payment)
	}
	return nil
}

// CreateRide claims one eligible driver and stores a pending ride bound to
// it. If the ride cannot be stored the claim is released again, so a failed
// request never leaves a driver claimed.
func (s *Service) CreateRide(ctx context.Context, req models.RideRequest) (models.RideSummary, error) {
	start := time.Now()
	summary, err := s.createRide(ctx, req)
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.MatchFailuresTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return models.RideSummary{}, err
	}
	observability.RidesCreatedTotal.WithLabelValues(string(req.Class)).Inc()
	return summary, nil
}

func (s *Service) createRide(ctx context.Context, req models.RideRequest) (models.RideSummary, error) {
	if err := Validate(req); err != nil {
		return models.RideSummary{}, err
	}
	amount, err := s.Fares.Compute(req.Route.Distance, req.Class)
	if err != nil {
		return models.RideSummary{}, apperr.Validation("%v", err)
	}
	if _, ok, err := s.Store.ActiveForRequester(ctx, req.RequesterID); err != nil {
		return models.RideSummary{}, err
	} else if ok {
		return models.RideSummary{}, apperr.Conflict("requester already has an active ride")
	}
	code, err := s.Codes.Issue(ctx)
	if err != nil {
		return models.RideSummary{}, err
	}

	rideID := s.newID()
	driver, err := s.Registry.ClaimAvailable(ctx, req.Class, rideID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNoDriverAvailable) {
			s.rollbackUnobservedClaim(ctx, rideID, err)
		}
		return models.RideSummary{}, err
	}

	now := s.now()
	r := models.Ride{
		ID:          rideID,
		RequesterID: req.RequesterID,
		Requester:   req.Requester,
		DriverID:    driver.ID,
		Route:       req.Route,
		Class:       req.Class,
		Payment:     req.Payment,
		Fare:        amount,
		Status:      models.StatusPending,
		Code:        code,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.Create(ctx, r); err != nil {
		s.rollbackClaim(ctx, driver.ID, rideID, err)
		return models.RideSummary{}, err
	}

	s.logger().Info("ride created",
		"ride_id", rideID, "requester_id", req.RequesterID, "driver_id", driver.ID,
		"vehicle_class", req.Class, "fare", amount)
	s.publish(ctx, models.RideEvent{
		Type: models.EventRideCreated, RideID: rideID, RequesterID: req.RequesterID,
		DriverID: driver.ID, To: models.StatusPending, At: now,
	})

	return models.RideSummary{
		RideID:    rideID,
		Status:    models.StatusPending,
		Fare:      amount,
		Code:      code,
		Driver:    models.SummarizeDriver(driver),
		CreatedAt: now,
	}, nil
}

func (s *Service) rollbackClaim(ctx context.Context, driverID, rideID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	released, err := s.Registry.Release(ctx, driverID, rideID)
	if err != nil || !released {
		observability.ReleaseFailuresTotal.Inc()
		s.logger().Error("claim rollback failed",
			"ride_id", rideID, "driver_id", driverID, "cause", cause, "error", err, "released", released)
		return
	}
	level := slog.LevelWarn
	var ae *apperr.Error
	if !errors.As(cause, &ae) || ae.Kind == apperr.KindInternal {
		level = slog.LevelError
	}
	s.logger().Log(ctx, level, "ride not stored, claim rolled back", "ride_id", rideID, "driver_id", driverID, "error", cause)
}

// rollbackUnobservedClaim releases a claim the registry may have taken for
// rideID even though the claim call itself reported an error.
func (s *Service) rollbackUnobservedClaim(ctx context.Context, rideID string, cause error) {
	released, err := s.Registry.ReleaseRide(context.WithoutCancel(ctx), rideID)
	if err != nil {
		observability.ReleaseFailuresTotal.Inc()
		s.logger().Error("claim rollback failed", "ride_id", rideID, "cause", cause, "error", err)
		return
	}
	if released {
		s.logger().Warn("claim rolled back after failed claim reply", "ride_id", rideID, "error", cause)
	}
}

func (s *Service) publish(ctx context.Context, ev models.RideEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		observability.EventPublishErrorsTotal.Inc()
		s.logger().Warn("publish ride event", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}
