// Package runner drives a function on a ticker whose period may change
// between cycles.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Runner calls a cycle function immediately and then on every tick.
type Runner struct {
	logger        zerolog.Logger
	interval      func() time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce sets the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithIntervalFunc makes the period dynamic. It is consulted after every cycle
// and the ticker is rebuilt when the value changes.
func WithIntervalFunc(interval func() time.Duration) Option {
	return func(r *Runner) {
		r.interval = interval
	}
}

// New constructs a Runner with the given logger and fixed interval.
func New(logger zerolog.Logger, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:        logger,
		interval:      func() time.Duration { return interval },
		tickerFactory: NewTimeTicker,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.runOnce == nil {
		return errors.New("runner has no cycle function")
	}
	period := r.interval()
	if period <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial run cycle failed")
	}

	ticker := r.tickerFactory(period)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("run cycle failed")
			}
			if next := r.interval(); next > 0 && next != period {
				r.logger.Debug().Dur("from", period).Dur("to", next).Msg("interval changed")
				ticker.Stop()
				period = next
				ticker = r.tickerFactory(period)
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r.runOnce == nil {
		return errors.New("runner has no cycle function")
	}
	return r.runOnce(ctx)
}
