package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/events"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/runner"
	"github.com/nholik/cutover/internal/telemetry"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu     sync.Mutex
	values map[telemetry.Metric]float64
	errs   map[telemetry.Metric]error
}

func (p *fakeProvider) Read(ctx context.Context, metric telemetry.Metric, window time.Duration) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[metric]; ok {
		return 0, err
	}
	return p.values[metric], nil
}

func (p *fakeProvider) set(metric telemetry.Metric, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[metric] = v
}

func newProvider() *fakeProvider {
	return &fakeProvider{
		values: map[telemetry.Metric]float64{
			telemetry.ErrorRate:  0.0001,
			telemetry.LatencyP50: 0.005,
			telemetry.LatencyP99: 0.02,
			telemetry.CPUPct:     30,
			telemetry.MemPct:     40,
		},
		errs: map[telemetry.Metric]error{
			telemetry.ShadowMismatchRate: telemetry.ErrNoData,
		},
	}
}

type staticFlags struct{ set *flags.Set }

func (s staticFlags) Current() *flags.Set { return s.set }

func inPhase(p phase.Phase) staticFlags {
	set := flags.Initial()
	set.Phase = p
	return staticFlags{set: set}
}

type countingRecorder struct {
	mu     sync.Mutex
	alerts map[string]int
	cycles int
}

func (r *countingRecorder) IncAlerts(severity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alerts == nil {
		r.alerts = map[string]int{}
	}
	r.alerts[severity]++
}

func (r *countingRecorder) ObserveHealthCycle(time.Duration, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
}

func TestCheckPublishesCriticalAlert(t *testing.T) {
	provider := newProvider()
	provider.set(telemetry.ErrorRate, 0.05)
	bus := events.NewBus[Alert]()
	alerts, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	rec := &countingRecorder{}

	m := NewMonitor(zerolog.Nop(), provider, inPhase(phase.Canary), DefaultPhaseThresholds(), bus, WithRecorder(rec))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Check(ctx); err != nil {
			t.Fatalf("check: %v", err)
		}
	}

	select {
	case alert := <-alerts:
		if alert.Severity != SeverityCritical || alert.Snapshot.ErrorRate != 0.05 {
			t.Fatalf("unexpected alert %+v", alert)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an alert")
	}
	if rec.alerts["critical"] != 1 || rec.cycles != 2 {
		t.Fatalf("unexpected recorder state %+v", rec)
	}
	latest, ok := m.Latest()
	if !ok || latest.Status != StatusBreached {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestOngoingCriticalBreachIsRepublished(t *testing.T) {
	provider := newProvider()
	provider.set(telemetry.ErrorRate, 0.05)
	rec := &countingRecorder{}
	clock := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	m := NewMonitor(zerolog.Nop(), provider, inPhase(phase.Canary), DefaultPhaseThresholds(), events.NewBus[Alert](),
		WithRecorder(rec),
		WithClock(func() time.Time { return clock }),
	)

	for i := 0; i < 4; i++ {
		if _, err := m.Check(context.Background()); err != nil {
			t.Fatalf("check: %v", err)
		}
		clock = clock.Add(40 * time.Second)
	}
	// raised on the second cycle, again on the fourth once a minute has passed
	if rec.alerts["critical"] != 2 {
		t.Fatalf("expected the breach raised twice, got %+v", rec.alerts)
	}
}

func TestCheckInInactivePhaseDoesNotAlert(t *testing.T) {
	provider := newProvider()
	provider.set(telemetry.ErrorRate, 0.5)
	bus := events.NewBus[Alert]()
	alerts, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	m := NewMonitor(zerolog.Nop(), provider, inPhase(phase.RolledBack), DefaultPhaseThresholds(), bus)
	for i := 0; i < 3; i++ {
		if _, err := m.Check(context.Background()); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	select {
	case alert := <-alerts:
		t.Fatalf("unexpected alert %+v", alert)
	default:
	}
}

func TestSampleClassifiesUnavailableMetrics(t *testing.T) {
	provider := newProvider()
	provider.errs[telemetry.CPUPct] = telemetry.ErrNotConfigured
	provider.errs[telemetry.LatencyP99] = errors.New("connection refused")

	m := NewMonitor(zerolog.Nop(), provider, inPhase(phase.Canary), DefaultPhaseThresholds(), nil)
	result, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	s := result.Snapshot
	if len(s.Missing) != 1 || s.Missing[0] != telemetry.LatencyP99 {
		t.Fatalf("expected p99 missing, got %v", s.Missing)
	}
	if len(s.Skipped) != 2 {
		t.Fatalf("expected cpu and shadow skipped, got %v", s.Skipped)
	}
	if result.Status != StatusDegraded {
		t.Fatalf("missing metric should degrade, got %s", result.Status)
	}
	if s.LatencyP50 != 5*time.Millisecond {
		t.Fatalf("p50 = %s", s.LatencyP50)
	}
}

func TestRunUsesPhaseInterval(t *testing.T) {
	provider := newProvider()
	var mu sync.Mutex
	var periods []time.Duration
	cycles := make(chan Result, 4)

	m := NewMonitor(zerolog.Nop(), provider, inPhase(phase.Full), DefaultPhaseThresholds(), nil,
		WithCycleHook(func(r Result) { cycles <- r }),
		WithRunnerOptions(runner.WithTickerFactory(func(d time.Duration) runner.Ticker {
			mu.Lock()
			periods = append(periods, d)
			mu.Unlock()
			return runner.NewTimeTicker(time.Hour)
		})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-cycles:
	case <-time.After(time.Second):
		t.Fatalf("expected immediate cycle")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(periods) != 1 || periods[0] != 10*time.Second {
		t.Fatalf("unexpected periods %v", periods)
	}
}
