// Package connwatch waits for an external dependency to become
// reachable at startup, probing with exponential backoff.
//
// The tool server is the usual case: a subprocess that takes a moment to
// import its libraries, or an HTTP server started alongside stepwise.
// httpkit's transport retry covers sub-second dial errors; connwatch
// covers the seconds a service needs to come up.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 15s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxAttempts is the total number of probes, including the first
	// (default: 1, i.e. no retry).
	MaxAttempts int

	// ProbeTimeout limits each individual probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 1s, 2s, 4s, 8s, 15s (capped) delays with
// a single attempt. Callers raise MaxAttempts to enable retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  1,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// ErrUnreachable is returned by Await when every attempt failed. The
// last probe error is wrapped alongside it.
var ErrUnreachable = errors.New("service unreachable")

// Await probes until the service answers, the attempts run out, or ctx
// is cancelled. It returns the number of probes made. Cancellation is
// returned as ctx's error.
func Await(ctx context.Context, name string, probe ProbeFunc, cfg BackoffConfig, logger *slog.Logger) (int, error) {
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := probeOnce(ctx, probe, cfg.ProbeTimeout)
		if err == nil {
			if attempt > 1 {
				logger.Info("service connected", "service", name, "after_attempts", attempt)
			}
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt >= cfg.MaxAttempts {
			return attempt, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrUnreachable, name, attempt, err)
		}

		logger.Debug("startup probe failed, retrying",
			"service", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return attempt, ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func probeOnce(ctx context.Context, probe ProbeFunc, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
