// Package poller answers "what is my active ride" for both parties and runs
// the client-side loop that asks it on a fixed interval.
package poller

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

const DefaultHistoryLimit = 50

// Synchronizer reads straight from the store on every call. It keeps no
// cache, so a poll always reflects the last committed transition.
type Synchronizer struct {
	Store    storage.TripStore
	Registry registry.Registry
	Logger   *slog.Logger
}

// ActiveRide returns the caller's non-terminal ride, or nil when there is none.
func (s *Synchronizer) ActiveRide(ctx context.Context, who models.Identity) (*models.RideView, error) {
	var (
		r   models.Ride
		ok  bool
		err error
	)
	switch who.Role {
	case models.RoleRequester:
		r, ok, err = s.Store.ActiveForRequester(ctx, who.ID)
	case models.RoleDriver:
		r, ok, err = s.Store.ActiveForDriver(ctx, who.ID)
	default:
		return nil, apperr.Auth("unknown role %q", who.Role)
	}
	if err != nil || !ok {
		return nil, err
	}
	v := s.ViewOf(ctx, who, r)
	return &v, nil
}

// ViewOf renders r for who, attaching the driver profile for requesters.
func (s *Synchronizer) ViewOf(ctx context.Context, who models.Identity, r models.Ride) models.RideView {
	var driver *models.DriverSummary
	if who.Role == models.RoleRequester {
		driver = s.driverSummary(ctx, r.DriverID)
	}
	return r.ViewFor(who.Role, driver)
}

// driverSummary degrades to an id-only summary when the registry is unavailable.
func (s *Synchronizer) driverSummary(ctx context.Context, driverID string) *models.DriverSummary {
	d, err := s.Registry.Get(ctx, driverID)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("load driver profile", "driver_id", driverID, "error", err)
		}
		return &models.DriverSummary{ID: driverID}
	}
	sum := models.SummarizeDriver(d)
	return &sum
}

// History lists the caller's rides, newest first.
func (s *Synchronizer) History(ctx context.Context, who models.Identity, limit int) ([]models.HistoryEntry, error) {
	if !who.Role.Valid() {
		return nil, apperr.Auth("unknown role %q", who.Role)
	}
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	rides, err := s.Store.History(ctx, who.Role, who.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryEntry, 0, len(rides))
	for _, r := range rides {
		out = append(out, r.History())
	}
	return out, nil
}
