// Package admission implements the fixed-window rate limiter that gates
// anonymous requests.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Store keeps per-key window counters. Implementations must make Increment
// atomic per key.
type Store interface {
	// Increment counts one hit against key. A missing or expired window is
	// replaced by a fresh one ending at now+window before counting, so the
	// first hit of a window returns count 1.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
	// Purge drops windows that expired before now and reports how many.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Controller applies a limit of admissions per window to caller keys.
type Controller struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the controller's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the controller's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) { c.log = log.With().Str("component", "admission").Logger() }
}

// NewController creates a Controller allowing limit admissions per window.
func NewController(store Store, limit int, window time.Duration, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit returns the number of admissions allowed per window.
func (c *Controller) Limit() int { return c.limit }

// Admit records a request from key and decides whether it may proceed.
func (c *Controller) Admit(ctx context.Context, key string) (Decision, error) {
	now := c.now()
	count, resetAt, err := c.store.Increment(ctx, key, c.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("increment admission counter: %w", err)
	}

	resetIn := resetAt.Sub(now)
	if resetIn < 0 {
		resetIn = 0
	}
	if count > c.limit {
		return Decision{Allowed: false, Remaining: 0, ResetIn: resetIn}, nil
	}
	return Decision{Allowed: true, Remaining: c.limit - count, ResetIn: resetIn}, nil
}

// RunJanitor purges expired windows every interval until ctx is done.
// Admission does not depend on it having run.
func (c *Controller) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.Purge(ctx, c.now())
			if err != nil {
				c.log.Warn().Err(err).Msg("purge expired admission windows")
				continue
			}
			if n > 0 {
				c.log.Debug().Int("purged", n).Msg("purged expired admission windows")
			}
		}
	}
}
