// Package resilience provides retry primitives for the live session.
//
// The central type is [Reconnector], an exponential-backoff retry loop used
// to establish the provider connection over flaky networks. It is
// deliberately small: the session manager already guarantees that a failed
// connect leaves no half-acquired resources behind, so retrying is just a
// matter of calling Connect again after a delay.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted is returned by [Reconnector.Execute] when every attempt
// failed. The last attempt's error is wrapped alongside it.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ReconnectConfig holds tuning knobs for a [Reconnector].
type ReconnectConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of attempts, including the first.
	// Default: 5.
	MaxAttempts int

	// InitialDelay is the wait after the first failure. Default: 500ms.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth. Default: 15s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure. Default: 2.
	Multiplier float64
}

// Reconnector retries an operation with exponential backoff.
// It is safe for concurrent use; each Execute call tracks its own state.
type Reconnector struct {
	name         string
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// NewReconnector creates a Reconnector, applying defaults for zero fields.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	if cfg.Name == "" {
		cfg.Name = "reconnector"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 15 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Reconnector{
		name:         cfg.Name,
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
	}
}

// Execute calls fn until it succeeds, the attempt budget runs out, or ctx is
// cancelled. Context cancellation is returned as-is and never retried.
func (r *Reconnector) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.initialDelay
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry",
					"name", r.name,
					"attempt", attempt,
				)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt == r.maxAttempts {
			break
		}

		slog.Warn("operation failed, backing off",
			"name", r.name,
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"delay", delay,
			"err", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * r.multiplier)
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", r.name, ErrRetriesExhausted, r.maxAttempts, lastErr)
}
