// Package otp issues and checks the one-time code a requester shares with the
// driver to start the trip.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/example/ride-dispatch/internal/apperr"
)

const (
	CodeLength         = 4
	DefaultMaxAttempts = 5
	maxDraws           = 16
)

// Store is the slice of the ride store the gate needs.
type Store interface {
	ActiveCodeExists(ctx context.Context, code string) (bool, error)
	// ReserveCodeAttempt counts one attempt against the ride and returns its
	// code, or fails with ErrCodeLocked once max attempts are spent. The
	// check and the increment are a single step.
	ReserveCodeAttempt(ctx context.Context, rideID string, max int) (string, error)
}

type Gate struct {
	Store       Store
	MaxAttempts int
	// Draw returns a number in [0, 10^CodeLength). Tests replace it.
	Draw func() (int64, error)
}

func NewGate(store Store, maxAttempts int) *Gate {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Gate{Store: store, MaxAttempts: maxAttempts, Draw: cryptoDraw}
}

func cryptoDraw() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// Issue returns a fresh code not held by any non-terminal ride. After
// maxDraws collisions the last draw is returned anyway.
func (g *Gate) Issue(ctx context.Context) (string, error) {
	var code string
	for i := 0; i < maxDraws; i++ {
		n, err := g.Draw()
		if err != nil {
			return "", apperr.Internal(err, "draw code")
		}
		code = fmt.Sprintf("%0*d", CodeLength, n)
		taken, err := g.Store.ActiveCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return code, nil
}

// Validate checks submitted against the ride's stored code. Every attempt is
// reserved before the comparison, so concurrent guesses can never exceed
// MaxAttempts; once they are spent every further attempt fails with
// ErrCodeLocked, even with the right code.
func (g *Gate) Validate(ctx context.Context, rideID, submitted string) error {
	code, err := g.Store.ReserveCodeAttempt(ctx, rideID, g.MaxAttempts)
	if err != nil {
		return err
	}
	if len(submitted) == CodeLength && subtle.ConstantTimeCompare([]byte(submitted), []byte(code)) == 1 {
		return nil
	}
	return apperr.ErrInvalidCode
}
