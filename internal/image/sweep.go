package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flipbg/service/internal/metrics"
	"github.com/flipbg/service/internal/storage"
)

// Sweep reasons.
const (
	ReasonOrphan      = "orphan"
	ReasonDemoExpired = "demo_expired"
)

// SweepCandidate is a blob selected for removal.
type SweepCandidate struct {
	Key    string    `json:"key"`
	Reason string    `json:"reason"`
	Age    string    `json:"age"`
	Seen   time.Time `json:"last_modified"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	DryRun     bool             `json:"dry_run"`
	Scanned    int              `json:"scanned"`
	Candidates []SweepCandidate `json:"candidates"`
	Deleted    int              `json:"deleted"`
	Failed     []string         `json:"failed,omitempty"`
}

// Sweeper removes blobs the request path left behind: registered blobs with
// no metadata record and anonymous results past their retention.
type Sweeper struct {
	repo          Repository
	store         storage.Storage
	orphanGrace   time.Duration
	demoRetention time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithOrphanGrace sets the minimum age of a registered blob before it may be
// treated as an orphan. It must exceed the longest ingestion.
func WithOrphanGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.orphanGrace = d }
}

// WithDemoRetention sets how long anonymous results are kept. Zero keeps
// them forever.
func WithDemoRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.demoRetention = d }
}

// WithSweepClock overrides the sweeper's time source.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepLogger sets the sweeper's logger.
func WithSweepLogger(log zerolog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log.With().Str("component", "sweeper").Logger() }
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo Repository, store storage.Storage, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:        repo,
		store:       store,
		orphanGrace: time.Hour,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one sweep. With dryRun set candidates are reported but not
// deleted.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (*SweepReport, error) {
	now := s.now()
	report := &SweepReport{DryRun: dryRun, Candidates: []SweepCandidate{}}

	users, err := s.store.List(ctx, storage.UsersPrefix)
	if err != nil {
		return nil, fmt.Errorf("list registered blobs: %w", err)
	}
	report.Scanned += len(users)

	known := make(map[string]bool)
	for _, obj := range users {
		age := now.Sub(obj.LastModified)
		if age < s.orphanGrace {
			continue
		}
		k, ok := storage.ParseUserKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("skipping blob outside the key layout")
			continue
		}
		recordKey := k.Owner + "/" + k.ID
		exists, seen := known[recordKey]
		if !seen {
			exists, err = s.repo.Exists(ctx, k.ID, k.Owner)
			if err != nil {
				return nil, fmt.Errorf("check record for %s: %w", obj.Key, err)
			}
			known[recordKey] = exists
		}
		if !exists {
			report.Candidates = append(report.Candidates, candidate(obj, ReasonOrphan, age))
		}
	}

	if s.demoRetention > 0 {
		demos, err := s.store.List(ctx, storage.DemoPrefix)
		if err != nil {
			return nil, fmt.Errorf("list demo blobs: %w", err)
		}
		report.Scanned += len(demos)
		for _, obj := range demos {
			if age := now.Sub(obj.LastModified); age >= s.demoRetention {
				report.Candidates = append(report.Candidates, candidate(obj, ReasonDemoExpired, age))
			}
		}
	}

	if dryRun {
		return report, nil
	}

	for _, c := range report.Candidates {
		if err := s.store.Delete(ctx, c.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Error().Err(err).Str("key", c.Key).Msg("sweep delete failed")
			report.Failed = append(report.Failed, c.Key)
			continue
		}
		metrics.SweepDeletedTotal.WithLabelValues(c.Reason).Inc()
		report.Deleted++
	}

	s.log.Info().
		Int("scanned", report.Scanned).
		Int("candidates", len(report.Candidates)).
		Int("deleted", report.Deleted).
		Int("failed", len(report.Failed)).
		Msg("sweep finished")
	return report, nil
}

// RunEvery sweeps every interval until ctx is done.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
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
			if _, err := s.Run(ctx, false); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func candidate(obj storage.ObjectInfo, reason string, age time.Duration) SweepCandidate {
	return SweepCandidate{
		Key:    obj.Key,
		Reason: reason,
		Age:    age.Truncate(time.Second).String(),
		Seen:   obj.LastModified,
	}
}
