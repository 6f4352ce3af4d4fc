package ride

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const expireBatch = 100

// Expirer cancels pending rides that no driver accepted within Timeout.
type Expirer struct {
	Lifecycle *Lifecycle
	Timeout   time.Duration
	Interval  time.Duration
}

// Run sweeps every Interval until ctx is done.
func (e *Expirer) Run(ctx context.Context) {
	t := time.NewTicker(e.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.Lifecycle.logger().Error("expire pending rides", "error", err)
			}
		}
	}
}

// Sweep cancels every pending ride older than Timeout and returns how many it
// cancelled. Rides accepted in the meantime lose the conditional update and
// are skipped.
func (e *Expirer) Sweep(ctx context.Context) (int, error) {
	cutoff := e.Lifecycle.now().Add(-e.Timeout)
	expired := 0
	for {
		rides, err := e.Lifecycle.Store.PendingBefore(ctx, cutoff, expireBatch)
		if err != nil {
			return expired, err
		}
		progressed := false
		for _, r := range rides {
			_, err := e.Lifecycle.apply(ctx, r, models.StatusCancelled, models.CancelExpired)
			switch {
			case err == nil:
				expired++
				progressed = true
				observability.RidesExpiredTotal.Inc()
			case errors.Is(err, apperr.ErrInvalidTransition):
				progressed = true
			default:
				return expired, err
			}
		}
		if len(rides) < expireBatch || !progressed {
			return expired, nil
		}
	}
}
