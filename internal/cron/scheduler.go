// Package cron runs the history retention job on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@daily" or "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Purger deletes stored runs older than a cutoff.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Store    Purger
	Logger   *slog.Logger
	Schedule string // defaults to "@every 1h"
	// Retention is how long runs are kept. Zero or negative disables purging.
	Retention time.Duration
}

// Scheduler purges old runs each time its schedule fires, and once on start.
type Scheduler struct {
	store     Purger
	logger    *slog.Logger
	schedule  cronlib.Schedule
	spec      string
	retention time.Duration
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every 1h"
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		spec:      spec,
		retention: cfg.Retention,
		now:       time.Now,
	}, nil
}

// Start runs the loop in a background goroutine until ctx is done or Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.spec, "retention", s.retention)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.PurgeOnce(ctx)
	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce deletes runs older than the retention window and returns how
// many were removed.
func (s *Scheduler) PurgeOnce(ctx context.Context) int64 {
	if s.retention <= 0 || s.store == nil {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: purge failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("retention: purged runs", "count", n, "cutoff", cutoff)
	}
	return n
}

// NextRunTime parses expr and returns the first activation after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
