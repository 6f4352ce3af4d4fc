package ride

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	requester = models.Identity{ID: "u1", Role: models.RoleRequester}
	driver    = models.Identity{ID: "d1", Role: models.RoleDriver}
	t0        = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	lc    *Lifecycle
	store *storage.MemoryStore
	reg   *registry.Index
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), reg: registry.NewIndex(), now: t0}
	f.lc = &Lifecycle{
		Store:    f.store,
		Registry: f.reg,
		Codes:    otp.NewGate(f.store, 3),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return f.now },
	}
	return f
}

// seed stores a ride for u1/d1 in status and claims d1 for it.
func (f *fixture) seed(t *testing.T, id string, status models.Status) models.Ride {
	t.Helper()
	ctx := context.Background()
	_ = f.reg.Upsert(ctx, models.Driver{ID: "d1", Class: models.VehicleBike})
	_ = f.reg.SetOnline(ctx, "d1", true)
	if _, err := f.reg.ClaimAvailable(ctx, models.VehicleBike, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	r := models.Ride{
		ID: id, RequesterID: "u1", DriverID: "d1", Class: models.VehicleBike, Payment: models.PaymentCOD,
		Route: models.Route{Origin: "A", Destination: "B", Distance: 5}, Fare: 50,
		Status: status, Code: "2468", CreatedAt: f.now, UpdatedAt: f.now,
	}
	if err := f.store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func (f *fixture) claimedBy(t *testing.T) string {
	t.Helper()
	d, err := f.reg.Get(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	return d.ClaimedBy
}

func TestTransitionTableIsExhaustive(t *testing.T) {
	all := []models.Status{models.StatusPending, models.StatusAccepted, models.StatusOngoing, models.StatusCompleted, models.StatusCancelled}
	allowed := map[[2]models.Status]bool{
		{models.StatusPending, models.StatusAccepted}:   true,
		{models.StatusPending, models.StatusCancelled}:  true,
		{models.StatusAccepted, models.StatusOngoing}:   true,
		{models.StatusAccepted, models.StatusCancelled}: true,
		{models.StatusOngoing, models.StatusCompleted}:  true,
		{models.StatusOngoing, models.StatusCancelled}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			f := newFixture(t)
			f.seed(t, "r1", from)
			_, err := f.lc.Transition(context.Background(), driver, "r1", to, "2468")
			if allowed[[2]models.Status{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: expected success, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected invalid transition, got %v", from, to, err)
			}
			r, _ := f.store.Get(context.Background(), "r1")
			if r.Status != from {
				t.Errorf("%s -> %s: status changed to %s", from, to, r.Status)
			}
		}
	}
}

func TestDriverCancelsPendingRide(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusPending)
	r, err := f.lc.Transition(context.Background(), driver, "r1", models.StatusCancelled, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != models.StatusCancelled || r.CancelReason != models.CancelByDriver {
		t.Fatalf("unexpected ride %+v", r)
	}
	if f.claimedBy(t) != "" {
		t.Fatalf("driver must be released")
	}
	if _, err := f.reg.ClaimAvailable(context.Background(), models.VehicleBike, "r2"); err != nil {
		t.Fatalf("driver should be claimable again: %v", err)
	}
}

func TestWrongCodeKeepsAccepted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusPending)
	ctx := context.Background()
	if _, err := f.lc.Transition(ctx, driver, "r1", models.StatusAccepted, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.lc.Transition(ctx, driver, "r1", models.StatusOngoing, "1111"); !errors.Is(err, apperr.ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	r, _ := f.store.Get(ctx, "r1")
	if r.Status != models.StatusAccepted || r.Code != "2468" {
		t.Fatalf("ride must stay accepted with its code, got %+v", r)
	}
}

func TestCodeLockout(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusAccepted)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.lc.Transition(ctx, driver, "r1", models.StatusOngoing, "0000"); !errors.Is(err, apperr.ErrInvalidCode) {
			t.Fatalf("attempt %d: expected invalid code, got %v", i, err)
		}
	}
	if _, err := f.lc.Transition(ctx, driver, "r1", models.StatusOngoing, "2468"); !errors.Is(err, apperr.ErrCodeLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}
	if _, err := f.lc.Transition(ctx, requester, "r1", models.StatusCancelled, ""); err != nil {
		t.Fatalf("requester must still be able to cancel: %v", err)
	}
}

func TestHappyPathReleasesOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusPending)
	ctx := context.Background()
	steps := []struct {
		to   models.Status
		code string
	}{
		{models.StatusAccepted, ""},
		{models.StatusOngoing, "2468"},
		{models.StatusCompleted, ""},
	}
	for _, s := range steps {
		f.now = f.now.Add(time.Minute)
		r, err := f.lc.Transition(ctx, driver, "r1", s.to, s.code)
		if err != nil {
			t.Fatalf("-> %s: %v", s.to, err)
		}
		if r.Status != s.to || !r.UpdatedAt.Equal(f.now) || r.Fare != 50 {
			t.Fatalf("unexpected ride %+v", r)
		}
		if s.to != models.StatusCompleted && f.claimedBy(t) != "r1" {
			t.Fatalf("driver must stay claimed while %s", s.to)
		}
	}
	if f.claimedBy(t) != "" {
		t.Fatalf("driver must be released on completion")
	}
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusPending)
	ctx := context.Background()
	stranger := models.Identity{ID: "d9", Role: models.RoleDriver}
	if _, err := f.lc.Transition(ctx, stranger, "r1", models.StatusAccepted, ""); !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("unbound driver: expected auth error, got %v", err)
	}
	if _, err := f.lc.Transition(ctx, requester, "r1", models.StatusAccepted, ""); !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("requester accept: expected auth error, got %v", err)
	}
	if _, err := f.lc.Transition(ctx, driver, "missing", models.StatusAccepted, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.lc.Transition(ctx, driver, "r1", models.Status("matched"), ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDuplicateTransitionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusPending)
	ctx := context.Background()
	if _, err := f.lc.Transition(ctx, driver, "r1", models.StatusAccepted, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.lc.Transition(ctx, driver, "r1", models.StatusAccepted, ""); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("retry must be rejected, got %v", err)
	}
}

func TestConcurrentCancelAndAccept(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.seed(t, "r1", models.StatusPending)
		ctx := context.Background()
		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.lc.Transition(ctx, driver, "r1", models.StatusAccepted, "")
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.lc.Transition(ctx, requester, "r1", models.StatusCancelled, "")
		}()
		wg.Wait()

		r, _ := f.store.Get(ctx, "r1")
		switch {
		case acceptErr == nil && cancelErr == nil:
			// accept committed first; cancel then applied from accepted
			if r.Status != models.StatusCancelled {
				t.Fatalf("expected cancelled, got %s", r.Status)
			}
		case acceptErr == nil:
			if !errors.Is(cancelErr, apperr.ErrInvalidTransition) || r.Status != models.StatusAccepted {
				t.Fatalf("unexpected outcome cancel=%v status=%s", cancelErr, r.Status)
			}
		case cancelErr == nil:
			if !errors.Is(acceptErr, apperr.ErrInvalidTransition) || r.Status != models.StatusCancelled {
				t.Fatalf("unexpected outcome accept=%v status=%s", acceptErr, r.Status)
			}
		default:
			t.Fatalf("both failed: accept=%v cancel=%v", acceptErr, cancelErr)
		}
		if r.Status == models.StatusCancelled && f.claimedBy(t) != "" {
			t.Fatalf("cancelled ride left driver claimed")
		}
	}
}

func TestExpirerCancelsStalePending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusPending)
	e := &Expirer{Lifecycle: f.lc, Timeout: 2 * time.Minute, Interval: time.Second}
	ctx := context.Background()

	if n, err := e.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("fresh ride must not expire, n=%d err=%v", n, err)
	}
	f.now = f.now.Add(3 * time.Minute)
	n, err := e.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expiry, n=%d err=%v", n, err)
	}
	r, _ := f.store.Get(ctx, "r1")
	if r.Status != models.StatusCancelled || r.CancelReason != models.CancelExpired {
		t.Fatalf("unexpected ride %+v", r)
	}
	if f.claimedBy(t) != "" {
		t.Fatalf("expired ride must release driver")
	}
}

func TestExpirerSkipsAcceptedRides(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", models.StatusAccepted)
	f.now = f.now.Add(time.Hour)
	e := &Expirer{Lifecycle: f.lc, Timeout: time.Minute, Interval: time.Second}
	if n, err := e.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("accepted rides never expire, n=%d err=%v", n, err)
	}
}
