// Package scheduler drives periodic scan runs aligned to candle
// boundaries, with an offset so the just-closed bar is already
// queryable upstream when the run starts.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunFunc executes one scheduled scan. boundary is the candle boundary
// that triggered the run.
type RunFunc func(ctx context.Context, boundary time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is the candle timeframe the runs align to.
	Interval time.Duration
	// Offset delays each run past the boundary so the exchange has
	// published the closed bar.
	Offset time.Duration
	// RunImmediately fires one run at startup before aligning.
	RunImmediately bool
}

// Scheduler fires a scan shortly after every candle close.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler. Interval must be positive.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking run after each candle boundary until ctx is
// cancelled. A failed run is logged and the schedule continues.
func (s *Scheduler) Run(ctx context.Context, run RunFunc) error {
	if s.opts.RunImmediately {
		s.execute(ctx, run, time.Now().UTC().Truncate(s.opts.Interval))
	}

	next := s.nextBoundary(time.Now().UTC())
	for {
		fireAt := next.Add(s.opts.Offset)
		delay := time.Until(fireAt)
		if delay < 0 {
			next = s.nextBoundary(time.Now().UTC())
			continue
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("boundary", next).Msg("waiting for next candle close")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.execute(ctx, run, next)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, run RunFunc, boundary time.Time) {
	s.logger.Info().Time("boundary", boundary).Msg("starting scheduled scan")
	if err := run(ctx, boundary); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Time("boundary", boundary).Msg("scheduled scan failed")
	}
}

// nextBoundary returns the first candle boundary strictly after now.
func (s *Scheduler) nextBoundary(now time.Time) time.Time {
	boundary := now.Truncate(s.opts.Interval)
	if !boundary.After(now) {
		boundary = boundary.Add(s.opts.Interval)
	}
	return boundary
}
