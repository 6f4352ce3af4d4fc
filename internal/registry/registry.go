package registry

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Registry tracks which drivers are online and unclaimed. A claim is owned
// by the ride that took it; only that ride can release it.
type Registry interface {
	Upsert(ctx context.Context, d models.Driver) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	// ClaimAvailable atomically picks one online, unclaimed driver of class and
	// marks it claimed by rideID. Among eligible drivers the one waiting longest
	// since becoming available wins.
	ClaimAvailable(ctx context.Context, class models.VehicleClass, rideID string) (models.Driver, error)
	// Release clears the claim if it is still held by rideID and reports
	// whether anything changed.
	Release(ctx context.Context, driverID, rideID string) (bool, error)
	// ReleaseRide releases whichever driver rideID holds, if any. It undoes a
	// claim whose outcome the caller could not observe.
	ReleaseRide(ctx context.Context, rideID string) (bool, error)
	Get(ctx context.Context, driverID string) (models.Driver, error)
}

type entry struct {
	d models.Driver
	// seq orders eligible drivers by when they last became available.
	seq uint64
}

// Index is the in-process Registry.
type Index struct {
	mu      sync.Mutex
	drivers map[string]*entry
	seq     uint64
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]*entry), now: time.Now}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[d.ID]
	if !ok {
		g.drivers[d.ID] = &entry{d: models.Driver{ID: d.ID, Class: d.Class, Profile: d.Profile, Updated: g.now()}}
		return nil
	}
	e.d.Class = d.Class
	e.d.Profile = d.Profile
	e.d.Updated = g.now()
	return nil
}

func (g *Index) SetOnline(ctx context.Context, driverID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return apperr.NotFound("driver %s not registered", driverID)
	}
	if online && !e.d.Online && !e.d.Claimed() {
		g.seq++
		e.seq = g.seq
	}
	e.d.Online = online
	e.d.Updated = g.now()
	return nil
}

func (g *Index) ClaimAvailable(ctx context.Context, class models.VehicleClass, rideID string) (models.Driver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *entry
	for _, e := range g.drivers {
		if e.d.Class != class || !e.d.Online || e.d.Claimed() {
			continue
		}
		if best == nil || e.seq < best.seq || (e.seq == best.seq && e.d.ID < best.d.ID) {
			best = e
		}
	}
	if best == nil {
		return models.Driver{}, apperr.ErrNoDriverAvailable
	}
	best.d.ClaimedBy = rideID
	best.d.Updated = g.now()
	return best.d, nil
}

func (g *Index) Release(ctx context.Context, driverID, rideID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok || e.d.ClaimedBy != rideID || rideID == "" {
		return false, nil
	}
	e.d.ClaimedBy = ""
	e.d.Updated = g.now()
	g.seq++
	e.seq = g.seq
	return true, nil
}

func (g *Index) ReleaseRide(ctx context.Context, rideID string) (bool, error) {
	g.mu.Lock()
	var driverID string
	for id, e := range g.drivers {
		if rideID != "" && e.d.ClaimedBy == rideID {
			driverID = id
			break
		}
	}
	g.mu.Unlock()
	if driverID == "" {
		return false, nil
	}
	return g.Release(ctx, driverID, rideID)
}

func (g *Index) Get(ctx context.Context, driverID string) (models.Driver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, apperr.NotFound("driver %s not registered", driverID)
	}
	return e.d, nil
}
