package poller

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultInterval = 3 * time.Second

// FetchFunc returns the current active ride view, nil meaning none.
type FetchFunc func(ctx context.Context) (*models.RideView, error)

// Watch polls fetch immediately and then every interval, handing each
// result to onView. It returns nil once a ride has been seen and a later
// poll reports no active ride, or ctx.Err() when the caller cancels.
// Fetch errors are passed to onError and polling continues.
func Watch(ctx context.Context, interval time.Duration, fetch FetchFunc, onView func(*models.RideView), onError func(error)) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	seen := false
	for {
		v, err := fetch(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if onError != nil {
				onError(err)
			}
		default:
			onView(v)
			if v != nil {
				seen = true
			} else if seen {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
