// Package quota computes a registered owner's daily ingestion allowance.
//
// The day is the UTC calendar day containing the evaluation instant. Usage is
// counted from the metadata store's creation timestamps, so concurrent
// ingestions near the limit can both pass the check.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Counter counts an owner's records created at or after since. With
// completedOnly set only records in the completed state are counted.
type Counter interface {
	CountSince(ctx context.Context, ownerID string, since time.Time, completedOnly bool) (int, error)
}

// Usage is an owner's consumption against the daily limit.
type Usage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Exhausted reports whether no ingestions remain.
func (u Usage) Exhausted() bool { return u.Remaining <= 0 }

// Ledger evaluates daily quota for owners.
type Ledger struct {
	counter     Counter
	limit       int
	countFailed bool
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// CountFailed controls whether records that did not complete consume quota.
// Defaults to true.
func CountFailed(v bool) Option {
	return func(l *Ledger) { l.countFailed = v }
}

// NewLedger creates a Ledger with the given daily limit.
func NewLedger(counter Counter, limit int, opts ...Option) *Ledger {
	l := &Ledger{
		counter:     counter,
		limit:       limit,
		countFailed: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the daily limit.
func (l *Ledger) Limit() int { return l.limit }

// ConsumedToday returns how many ingestions ownerID has used today.
func (l *Ledger) ConsumedToday(ctx context.Context, ownerID string) (int, error) {
	n, err := l.counter.CountSince(ctx, ownerID, StartOfDay(l.now()), !l.countFailed)
	if err != nil {
		return 0, fmt.Errorf("count today's ingestions: %w", err)
	}
	return n, nil
}

// Remaining returns max(0, limit - consumed today).
func (l *Ledger) Remaining(ctx context.Context, ownerID string) (int, error) {
	u, err := l.Usage(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return u.Remaining, nil
}

// Usage returns the full usage block for ownerID.
func (l *Ledger) Usage(ctx context.Context, ownerID string) (Usage, error) {
	used, err := l.ConsumedToday(ctx, ownerID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Used: used, Limit: l.limit, Remaining: max(0, l.limit-used)}, nil
}

// StartOfDay returns UTC midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
