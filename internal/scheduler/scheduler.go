package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name      string
	Interval  time.Duration
	Immediate bool
}

// Scheduler drives a periodic job from an injectable clock.
type Scheduler struct {
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance. A nil clock uses wall time.
func New(opts Options, clock clockwork.Clock, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{
		opts:   opts,
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Interval returns the configured period.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking tick once per interval until ctx is cancelled. A tick
// that overruns the interval delays the next one; ticks never overlap.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.Immediate {
		s.execute(ctx, tick, s.clock.Now())
	}

	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case at := <-ticker.Chan():
			s.execute(ctx, tick, at)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Debug().Time("at", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
	}
}
