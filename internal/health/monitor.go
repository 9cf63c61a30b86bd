package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/cutover/internal/events"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/runner"
	"github.com/nholik/cutover/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Recorder receives monitor cycle metrics.
type Recorder interface {
	IncAlerts(severity string)
	ObserveHealthCycle(duration time.Duration, at time.Time)
}

// FlagSource provides the current snapshot.
type FlagSource interface {
	Current() *flags.Set
}

// Monitor reads telemetry on a phase-dependent tick and publishes alerts.
type Monitor struct {
	provider   telemetry.Provider
	flags      FlagSource
	thresholds PhaseThresholds
	alerts     *events.Bus[Alert]
	logger     zerolog.Logger
	recorder   Recorder
	now        func() time.Time
	runOpts    []runner.Option
	onCycle    []func(Result)

	mu        sync.Mutex
	evaluator *Evaluator
	latest    *Result
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithRecorder sets where cycle metrics go.
func WithRecorder(rec Recorder) Option {
	return func(m *Monitor) {
		m.recorder = rec
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithRunnerOptions passes options to the underlying ticker loop.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(m *Monitor) {
		m.runOpts = append(m.runOpts, opts...)
	}
}

// WithCycleHook registers a callback run after every cycle.
func WithCycleHook(fn func(Result)) Option {
	return func(m *Monitor) {
		m.onCycle = append(m.onCycle, fn)
	}
}

// NewMonitor constructs a Monitor. Alerts are published on bus.
func NewMonitor(logger zerolog.Logger, provider telemetry.Provider, source FlagSource, thresholds PhaseThresholds, bus *events.Bus[Alert], opts ...Option) *Monitor {
	m := &Monitor{
		provider:   provider,
		flags:      source,
		thresholds: thresholds,
		alerts:     bus,
		logger:     logger.With().Str("component", "health").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		evaluator:  NewEvaluator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run evaluates on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	opts := append([]runner.Option{
		runner.WithRunOnce(func(ctx context.Context) error {
			_, err := m.Check(ctx)
			return err
		}),
		runner.WithIntervalFunc(func() time.Duration {
			return m.thresholds.For(m.flags.Current().Phase).Interval
		}),
	}, m.runOpts...)
	return runner.New(m.logger, 0, opts...).Run(ctx)
}

// Latest returns the result of the most recent cycle.
func (m *Monitor) Latest() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Result{}, false
	}
	return *m.latest, true
}

// Check runs one evaluation cycle.
func (m *Monitor) Check(ctx context.Context) (Result, error) {
	start := time.Now()
	set := m.flags.Current()
	t := m.thresholds.For(set.Phase)

	snapshot, err := m.Sample(ctx, set, t.Window)
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	result, fresh := m.evaluator.Evaluate(snapshot, t)
	m.latest = &result
	m.mu.Unlock()

	m.log(result)
	if Active(set.Phase) {
		for _, b := range fresh {
			m.publish(ctx, b, snapshot)
		}
	}

	if m.recorder != nil {
		m.recorder.ObserveHealthCycle(time.Since(start), snapshot.Timestamp)
	}
	for _, fn := range m.onCycle {
		fn(result)
	}
	return result, nil
}

// Sample reads every metric concurrently over window.
func (m *Monitor) Sample(ctx context.Context, set *flags.Set, window time.Duration) (Snapshot, error) {
	values := make([]float64, len(telemetry.Metrics))
	errs := make([]error, len(telemetry.Metrics))

	g, gctx := errgroup.WithContext(ctx)
	for i, metric := range telemetry.Metrics {
		g.Go(func() error {
			values[i], errs[i] = m.provider.Read(gctx, metric, window)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{Timestamp: m.now(), Phase: set.Phase, Window: window}
	for i, metric := range telemetry.Metrics {
		if errs[i] != nil {
			if errors.Is(errs[i], telemetry.ErrNotConfigured) {
				s.Skipped = append(s.Skipped, metric)
				continue
			}
			// Without shadow traffic there is nothing to compare.
			if metric == telemetry.ShadowMismatchRate && !set.Enabled(flags.ShadowMode) {
				s.Skipped = append(s.Skipped, metric)
				continue
			}
			m.logger.Debug().Err(errs[i]).Str("metric", string(metric)).Msg("metric unavailable")
			s.Missing = append(s.Missing, metric)
			continue
		}
		v := values[i]
		switch metric {
		case telemetry.ErrorRate:
			s.ErrorRate = v
		case telemetry.LatencyP50:
			s.LatencyP50 = seconds(v)
		case telemetry.LatencyP99:
			s.LatencyP99 = seconds(v)
		case telemetry.CPUPct:
			s.CPUPct = v
		case telemetry.MemPct:
			s.MemPct = v
		case telemetry.ShadowMismatchRate:
			s.ShadowMismatchRate = v
		}
	}
	return s, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (m *Monitor) publish(ctx context.Context, b Breach, s Snapshot) {
	alert := Alert{
		ID:       uuid.NewString(),
		Severity: b.Severity,
		Reason:   b.Reason,
		Snapshot: s,
		At:       m.now(),
	}
	if m.recorder != nil {
		m.recorder.IncAlerts(string(b.Severity))
	}
	event := m.logger.Warn()
	if b.Severity == SeverityCritical {
		event = m.logger.Error()
	}
	event.Str("severity", string(b.Severity)).Str("phase", s.Phase.String()).Str("reason", b.Reason).Msg("health alert")
	if m.alerts != nil {
		m.alerts.Publish(ctx, alert)
	}
}

func (m *Monitor) log(r Result) {
	event := m.logger.Debug()
	if r.Status == StatusDegraded {
		event = m.logger.Warn().Interface("missing", r.Snapshot.Missing)
	}
	event.Str("status", string(r.Status)).
		Str("phase", r.Snapshot.Phase.String()).
		Str("snapshot", r.Snapshot.String()).
		Msg("health evaluated")
}
