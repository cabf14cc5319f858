package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gonkalabs/gonka-guard/internal/guarderr"
)

// ErrCircuitOpen is returned without calling the service while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit open")

// RetryConfig bounds the retry loop around one logical call.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryConfig returns 3 tries starting at 200ms, capped at 2s per wait
// and 15s overall.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      15 * time.Second,
	}
}

// Guard combines a retry policy with a breaker for a named service.
// One Guard is shared by every request that talks to that service.
type Guard struct {
	service string
	retry   RetryConfig
	breaker *Breaker
}

// NewGuard returns a Guard for service. A nil breaker disables breaking.
func NewGuard(service string, retry RetryConfig, breaker *Breaker) *Guard {
	if retry.MaxTries == 0 {
		retry.MaxTries = 1
	}
	return &Guard{service: service, retry: retry, breaker: breaker}
}

// Service returns the name used in errors and logs.
func (g *Guard) Service() string { return g.service }

// Breaker returns the guard's breaker, or nil.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Permanent marks err as not worth retrying (e.g. a 4xx from the sidecar).
func Permanent(err error) error { return backoff.Permanent(err) }

// Call runs op under g. Errors come back wrapped as guarderr.ExternalError so
// callers can match guarderr.ErrExternalService.
func Call[T any](ctx context.Context, g *Guard, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.breaker != nil && !g.breaker.Allow() {
		return zero, guarderr.External(g.service, ErrCircuitOpen)
	}

	eb := backoff.NewExponentialBackOff()
	if g.retry.InitialInterval > 0 {
		eb.InitialInterval = g.retry.InitialInterval
	}
	if g.retry.MaxInterval > 0 {
		eb.MaxInterval = g.retry.MaxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(g.retry.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("resilience: call failed, retrying", "service", g.service, "wait", wait, "err", err)
		}),
	}
	if g.retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(g.retry.MaxElapsed))
	}

	res, err := backoff.Retry(ctx, func() (T, error) { return op(ctx) }, opts...)
	if err != nil {
		if g.breaker != nil {
			if ctx.Err() != nil {
				g.breaker.Release()
			} else {
				g.breaker.RecordFailure()
			}
		}
		return zero, guarderr.External(g.service, err)
	}
	if g.breaker != nil {
		g.breaker.RecordSuccess()
	}
	return res, nil
}
