// Package ride owns the ride lifecycle: the transition table, the
// conditional status updates applied against it and the expiry of rides no
// driver accepted in time.
package ride

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type CodeValidator interface {
	Validate(ctx context.Context, rideID, submitted string) error
}

type Lifecycle struct {
	Store    storage.TripStore
	Registry registry.Registry
	Codes    CodeValidator
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Lifecycle) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Transition moves a ride to target on behalf of caller. The change is
// applied only if the ride is still in the status it was read in; a
// concurrent or repeated request sees ErrInvalidTransition.
func (l *Lifecycle) Transition(ctx context.Context, caller models.Identity, rideID string, target models.Status, code string) (models.Ride, error) {
	r, err := l.transition(ctx, caller, rideID, target, code)
	if err != nil {
		observability.TransitionRejectionsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
	}
	return r, err
}

func (l *Lifecycle) transition(ctx context.Context, caller models.Identity, rideID string, target models.Status, code string) (models.Ride, error) {
	if !target.Valid() {
		return models.Ride{}, apperr.Validation("unknown status %q", target)
	}
	r, err := l.Store.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if !boundTo(r, caller) {
		return models.Ride{}, apperr.Auth("caller is not part of ride %s", rideID)
	}
	if r.Status.Terminal() {
		return models.Ride{}, apperr.InvalidTransition("ride is already %s", r.Status)
	}
	rule, ok := Lookup(r.Status, target)
	if !ok {
		return models.Ride{}, apperr.InvalidTransition("cannot move ride from %s to %s", r.Status, target)
	}
	if !rule.Permits(caller.Role) {
		return models.Ride{}, apperr.Auth("%s may not move ride to %s", caller.Role, target)
	}
	if rule.NeedsCode {
		if err := l.Codes.Validate(ctx, r.ID, code); err != nil {
			return models.Ride{}, err
		}
	}
	var reason models.CancelReason
	if target == models.StatusCancelled {
		reason = models.CancelByRequester
		if caller.Role == models.RoleDriver {
			reason = models.CancelByDriver
		}
	}
	return l.apply(ctx, r, target, reason)
}

func boundTo(r models.Ride, caller models.Identity) bool {
	switch caller.Role {
	case models.RoleRequester:
		return r.RequesterID == caller.ID
	case models.RoleDriver:
		return r.DriverID == caller.ID
	}
	return false
}

// apply commits r.Status -> target and, for terminal targets, releases the
// driver before returning.
func (l *Lifecycle) apply(ctx context.Context, r models.Ride, target models.Status, reason models.CancelReason) (models.Ride, error) {
	updated, err := l.Store.CompareAndSetStatus(ctx, r.ID, r.Status, target, reason, l.now())
	if err != nil {
		return models.Ride{}, err
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status), string(target)).Inc()
	log := l.logger().With("ride_id", r.ID, "driver_id", r.DriverID, "from", r.Status, "to", target)
	if reason != "" {
		log = log.With("reason", reason)
	}
	log.Info("ride transitioned")

	if target.Terminal() {
		l.release(ctx, updated)
	}
	if l.Events != nil {
		ev := models.RideEvent{
			Type: models.EventRideTransitioned, RideID: r.ID, RequesterID: r.RequesterID, DriverID: r.DriverID,
			From: r.Status, To: target, Reason: reason, At: updated.UpdatedAt,
		}
		if err := l.Events.Publish(ctx, ev); err != nil {
			observability.EventPublishErrorsTotal.Inc()
			log.Warn("publish ride event", "error", err)
		}
	}
	return updated, nil
}

// release frees the driver bound to a ride that just became terminal. The
// ride change is already committed, so a failure here is logged and left to
// the event consumer, which repeats the owned release.
func (l *Lifecycle) release(ctx context.Context, r models.Ride) {
	released, err := l.Registry.Release(context.WithoutCancel(ctx), r.DriverID, r.ID)
	if err != nil {
		observability.ReleaseFailuresTotal.Inc()
		l.logger().Error("release driver", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
		return
	}
	if !released {
		l.logger().Warn("driver claim already released", "ride_id", r.ID, "driver_id", r.DriverID)
	}
}
