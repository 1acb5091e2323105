// Package retry waits for startup dependencies such as the catalog database.
// Request handling never retries.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/logging"
)

// Policy controls the backoff between attempts.
type Policy struct {
	Attempts    int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultPolicy waits roughly a minute in total.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:    15,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     5 * time.Second,
	}
}

// Do calls fn until it succeeds, the attempts are used up or ctx ends. The
// wait doubles after every failure up to MaxWait.
func Do[T any](ctx context.Context, p Policy, what string, fn func() (T, error)) (T, error) {
	var zero T
	wait := p.InitialWait
	var lastErr error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == p.Attempts {
			break
		}

		logging.Info("waiting for "+what,
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", what, p.Attempts, lastErr)
}
