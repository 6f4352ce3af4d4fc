// Package events publishes committed ride changes for downstream consumers.
// Publishing is best effort: a failed publish never rolls back a ride change.
package events

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.RideEvent) error { return nil }
