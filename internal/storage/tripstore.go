package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// TripStore defines persistence operations for rides. Implementations must
// enforce at most one non-terminal ride per requester and per driver on
// Create, and apply status changes only when the stored status still
// matches the expected one.
type TripStore interface {
	Create(ctx context.Context, r models.Ride) error
	Get(ctx context.Context, id string) (models.Ride, error)
	ActiveForRequester(ctx context.Context, requesterID string) (models.Ride, bool, error)
	ActiveForDriver(ctx context.Context, driverID string) (models.Ride, bool, error)
	// CompareAndSetStatus moves the ride from -> to. It fails with
	// ErrInvalidTransition when the stored status is no longer from.
	CompareAndSetStatus(ctx context.Context, id string, from, to models.Status, reason models.CancelReason, at time.Time) (models.Ride, error)
	// ReserveCodeAttempt increments the ride's code attempts if fewer than
	// max were made and returns the stored code; otherwise ErrCodeLocked.
	ReserveCodeAttempt(ctx context.Context, id string, max int) (string, error)
	ActiveCodeExists(ctx context.Context, code string) (bool, error)
	// PendingBefore lists pending rides created before cutoff, oldest first.
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Ride, error)
	// History lists rides the identity took part in, newest first.
	History(ctx context.Context, role models.Role, id string, limit int) ([]models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	// active indexes the non-terminal ride per requester and per driver.
	activeRequester map[string]string
	activeDriver    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:           make(map[string]*models.Ride),
		activeRequester: make(map[string]string),
		activeDriver:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return apperr.Conflict("ride %s already exists", r.ID)
	}
	if _, ok := m.activeRequester[r.RequesterID]; ok {
		return apperr.Conflict("requester already has an active ride")
	}
	if _, ok := m.activeDriver[r.DriverID]; ok {
		return apperr.Conflict("driver already has an active ride")
	}
	cp := r
	m.rides[r.ID] = &cp
	if !r.Status.Terminal() {
		m.activeRequester[r.RequesterID] = r.ID
		m.activeDriver[r.DriverID] = r.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, apperr.NotFound("ride %s not found", id)
	}
	return *r, nil
}

func (m *MemoryStore) ActiveForRequester(ctx context.Context, requesterID string) (models.Ride, bool, error) {
	return m.active(m.activeRequester, requesterID)
}

func (m *MemoryStore) ActiveForDriver(ctx context.Context, driverID string) (models.Ride, bool, error) {
	return m.active(m.activeDriver, driverID)
}

func (m *MemoryStore) active(idx map[string]string, key string) (models.Ride, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := idx[key]
	if !ok {
		return models.Ride{}, false, nil
	}
	return *m.rides[id], true, nil
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, from, to models.Status, reason models.CancelReason, at time.Time) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, apperr.NotFound("ride %s not found", id)
	}
	if r.Status != from {
		return models.Ride{}, apperr.InvalidTransition("ride is %s, not %s", r.Status, from)
	}
	r.Status = to
	r.UpdatedAt = at
	if to == models.StatusCancelled {
		r.CancelReason = reason
	}
	if to.Terminal() {
		delete(m.activeRequester, r.RequesterID)
		delete(m.activeDriver, r.DriverID)
	}
	return *r, nil
}

func (m *MemoryStore) ReserveCodeAttempt(ctx context.Context, id string, max int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return "", apperr.NotFound("ride %s not found", id)
	}
	if r.CodeAttempts >= max {
		return "", apperr.ErrCodeLocked
	}
	r.CodeAttempts++
	return r.Code, nil
}

func (m *MemoryStore) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.activeRequester {
		if m.rides[id].Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	var out []models.Ride
	for _, id := range m.activeRequester {
		r := m.rides[id]
		if r.Status == models.StatusPending && r.CreatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, role models.Role, id string, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	var out []models.Ride
	for _, r := range m.rides {
		if (role == models.RoleRequester && r.RequesterID == id) || (role == models.RoleDriver && r.DriverID == id) {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
