package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	RunOnStart   bool
}

// Scheduler fires ticks on a fixed cadence. Each tick is dispatched on its own
// goroutine so a slow tick never delays the timer; the tick function decides
// what to do about overlap.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. It waits
// for in-flight ticks before returning.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	dispatch := func(bucket time.Time) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tick(ctx, bucket); err != nil {
				s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
			}
		}()
	}

	if !wait(ctx, s.opts.StartupDelay) {
		return ctx.Err()
	}

	if s.opts.RunOnStart {
		now := time.Now().UTC()
		s.logger.Info().Time("bucket", now).Msg("executing initial tick")
		dispatch(now)
	}

	next := s.nextTick(time.Now().UTC())
	for {
		now := time.Now().UTC()
		if missed := s.missedBuckets(next, now); missed > 0 {
			s.logger.Warn().Int("missed", missed).Time("expected", next).Msg("scheduler fell behind; skipping to next bucket")
			next = s.nextTick(now)
		}

		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if !wait(ctx, next.Sub(now)) {
			return ctx.Err()
		}

		bucket := s.bucketStart(next)
		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
		dispatch(bucket)

		next = next.Add(s.opts.Interval)
	}
}

// wait sleeps for d and reports false when ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// missedBuckets counts whole intervals that passed since next was due.
func (s *Scheduler) missedBuckets(next, now time.Time) int {
	if !now.After(next) {
		return 0
	}
	return int(now.Sub(next)/s.opts.Interval) + 1
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
