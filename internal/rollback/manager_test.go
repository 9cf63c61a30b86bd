package rollback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/audit"
	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/notify"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/state"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ptr[T any](v T) *T { return &v }

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.messages {
		out = append(out, m.Title)
	}
	return out
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) IncRollbacks(trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[trigger]++
}

// storeAt returns a flag store already advanced to p with pct percent on the new backend.
func storeAt(t *testing.T, p phase.Phase, pct int) *flags.Store {
	t.Helper()
	store := flags.NewStore(zerolog.Nop(), nil)
	if p == phase.None {
		return store
	}
	_, err := store.Propose(context.Background(), flags.Proposal{
		Actor:    flags.ActorOrchestrator,
		Phase:    ptr(p),
		Split:    ptr(flags.NewPercent(pct)),
		Override: true,
	})
	if err != nil {
		t.Fatalf("advance to %s: %v", p, err)
	}
	return store
}

type fixture struct {
	store    *flags.Store
	journal  *audit.Journal
	notifier *recordingNotifier
	recorder *countingRecorder
	ledger   *state.FileStore
	manager  *Manager
}

func newFixture(t *testing.T, store *flags.Store, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		store:    store,
		journal:  audit.NewJournal(dir, zerolog.Nop()),
		notifier: &recordingNotifier{},
		recorder: &countingRecorder{},
		ledger:   state.NewFileStore(dir+"/state.json", zerolog.Nop()),
	}
	base := []Option{
		WithJournal(f.journal),
		WithNotifier(f.notifier),
		WithRecorder(f.recorder),
		WithLedger(f.ledger),
	}
	f.manager = NewManager(zerolog.Nop(), store, append(base, opts...)...)
	return f
}

func criticalAlert(reason string) health.Alert {
	return health.Alert{
		ID:       "a-1",
		Severity: health.SeverityCritical,
		Reason:   reason,
		Snapshot: health.Snapshot{Phase: phase.Canary, ErrorRate: 0.03},
	}
}

func TestCriticalAlertRollsBackWithinLatencyBound(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.Canary, 10))
	ctx := context.Background()

	start := time.Now()
	res, err := f.manager.OnAlert(ctx, criticalAlert("error rate 0.03 > 0.001"))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("OnAlert: %v", err)
	}
	if !res.Executed() {
		t.Fatalf("expected rollback, got %+v", res)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("rollback took %s", elapsed)
	}

	cur := f.store.Current()
	if cur.Phase != phase.RolledBack || cur.Split != flags.AllOld || cur.RollingBack {
		t.Fatalf("unexpected final snapshot %+v", cur)
	}
	history := f.store.History()
	last := history[len(history)-1]
	if !last.RollingBack || last.Split != flags.AllOld || last.Phase != phase.Canary {
		t.Fatalf("split should reach all-old before the phase changes, got %+v", last)
	}

	events, err := f.journal.Rollbacks(ctx)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one audit record, got %v %v", events, err)
	}
	ev := events[0]
	if ev.Trigger != audit.TriggerAutomatic || ev.FromPhase != phase.Canary || ev.ToPhase != phase.RolledBack || ev.Snapshot == nil {
		t.Fatalf("unexpected audit record %+v", ev)
	}
	if titles := f.notifier.titles(); len(titles) != 1 || titles[0] != "Automatic rollback" {
		t.Fatalf("unexpected notifications %v", titles)
	}
	if f.recorder.counts["automatic"] != 1 {
		t.Fatalf("expected rollback metric, got %v", f.recorder.counts)
	}
	ledger, _ := f.manager.Ledger(ctx)
	if ledger.Attempts != 1 || ledger.LastAt.IsZero() {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
}

func TestWarningAlertOnlyNotifies(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.Canary, 10))
	alert := criticalAlert("p50 slow")
	alert.Severity = health.SeverityWarning

	res, err := f.manager.OnAlert(context.Background(), alert)
	if err != nil || res.Executed() {
		t.Fatalf("warning must not roll back: %+v %v", res, err)
	}
	if f.store.Current().Phase != phase.Canary {
		t.Fatalf("phase changed on warning")
	}
	if titles := f.notifier.titles(); len(titles) != 1 {
		t.Fatalf("expected warning to be forwarded, got %v", titles)
	}
}

func TestAutoRollbackSwitch(t *testing.T) {
	store := storeAt(t, phase.Canary, 10)
	if _, err := store.Propose(context.Background(), flags.Proposal{
		Actor:    flags.ActorOperator,
		SubFlags: map[string]flags.Flag{flags.AutoRollback: {Enabled: false, Percentage: 100}},
	}); err != nil {
		t.Fatalf("disable auto rollback: %v", err)
	}
	f := newFixture(t, store)

	res, err := f.manager.OnAlert(context.Background(), criticalAlert("boom"))
	if err != nil || res.Executed() || !strings.Contains(res.Skipped, "disabled") {
		t.Fatalf("expected suppression, got %+v %v", res, err)
	}
	if store.Current().Phase != phase.Canary {
		t.Fatalf("suppressed rollback changed the phase")
	}

	res, err = f.manager.ManualRollback(context.Background(), Request{TargetPhase: phase.RolledBack})
	if err != nil || !res.Executed() {
		t.Fatalf("manual rollback must still work: %+v %v", res, err)
	}
}

func TestAttemptLimitEscalates(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.RampUp, 50), WithConfig(Config{Mode: ModeImmediate, MaxAttempts: 2, Cooldown: time.Minute}))
	ctx := context.Background()
	if err := f.ledger.Update(ctx, func(st *state.State) error {
		st.Rollback.Attempts = 2
		return nil
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	res, err := f.manager.OnAlert(ctx, criticalAlert("boom"))
	if err != nil || !strings.Contains(res.Skipped, "manual intervention") {
		t.Fatalf("expected escalation, got %+v %v", res, err)
	}
	if titles := f.notifier.titles(); len(titles) != 1 || titles[0] != "Automatic rollback suppressed" {
		t.Fatalf("unexpected notifications %v", titles)
	}

	f.manager.cfg.Mode = ModeEmergency
	res, err = f.manager.OnAlert(ctx, criticalAlert("boom"))
	if err != nil || !res.Executed() {
		t.Fatalf("emergency mode ignores the limit: %+v %v", res, err)
	}
}

func seedEntities(t *testing.T, store entity.Store, n int) {
	t.Helper()
	var batch []entity.Entity
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		batch = append(batch, entity.Entity{ID: id, Key: id, SourceRepr: []byte(id)})
	}
	if err := store.Seed(context.Background(), batch...); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRollbackPastStateMigrationRestoresCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storeAt(t, phase.StateMigration, 10)
	entities := entity.NewMemoryStore()
	seedEntities(t, entities, 3)

	checkpoints := checkpoint.NewFileStore(t.TempDir(), zerolog.Nop())
	req, err := checkpoint.Capture(ctx, "before-batch", "test", store.Current(), entities)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	cp, err := checkpoints.Create(ctx, req)
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	claimed, err := entities.Claim(ctx, "w1", 2, time.Minute)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := entities.Complete(ctx, claimed[0].ID, "w1", []byte("x")); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f := newFixture(t, store, WithCheckpoints(checkpoints, entities))
	res, err := f.manager.OnAlert(ctx, criticalAlert("boom"))
	if err != nil {
		t.Fatalf("OnAlert: %v", err)
	}
	if res.Event.CheckpointUsed != cp.Name {
		t.Fatalf("expected checkpoint %s, got %q", cp.Name, res.Event.CheckpointUsed)
	}
	counts, err := entities.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[entity.StatusPending] != 3 || counts[entity.StatusDone] != 0 {
		t.Fatalf("entities not restored: %v", counts)
	}
	again, err := checkpoints.Get(ctx, cp.Name)
	if err != nil || again.Checksum != cp.Checksum {
		t.Fatalf("restore must not modify the checkpoint: %v", err)
	}
}

func TestManualRollbackWithoutCheckpointNeedsForce(t *testing.T) {
	store := storeAt(t, phase.StateMigration, 10)
	checkpoints := checkpoint.NewFileStore(t.TempDir(), zerolog.Nop())
	f := newFixture(t, store, WithCheckpoints(checkpoints, entity.NewMemoryStore()))
	ctx := context.Background()

	_, err := f.manager.ManualRollback(ctx, Request{TargetPhase: phase.RolledBack})
	if !errors.Is(err, ErrNoCheckpoint) || !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error naming the missing checkpoint, got %v", err)
	}
	if store.Current().Phase != phase.StateMigration {
		t.Fatalf("refused rollback must not change flags")
	}

	res, err := f.manager.ManualRollback(ctx, Request{TargetPhase: phase.RolledBack, Force: true})
	if err != nil || !res.Executed() {
		t.Fatalf("forced rollback: %+v %v", res, err)
	}
}

func TestManualRollbackRejectsForwardTarget(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.RampUp, 50))
	_, err := f.manager.ManualRollback(context.Background(), Request{TargetPhase: phase.Canary})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func immediateAfter(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestGradualRollbackStepsDown(t *testing.T) {
	store := storeAt(t, phase.RampUp, 40)
	f := newFixture(t, store,
		WithConfig(Config{Mode: ModeGradual, GradualSteps: 4, GradualDuration: 4 * time.Second}),
		WithClock(nil, immediateAfter),
	)

	res, err := f.manager.OnAlert(context.Background(), criticalAlert("boom"))
	if err != nil || !res.Executed() {
		t.Fatalf("OnAlert: %+v %v", res, err)
	}

	var ramp []int
	for _, set := range store.History() {
		if set.RollingBack {
			ramp = append(ramp, set.Split.New)
		}
	}
	want := []int{30, 20, 10, 0}
	if len(ramp) != len(want) {
		t.Fatalf("expected ramp %v, got %v", want, ramp)
	}
	for i := range want {
		if ramp[i] != want[i] {
			t.Fatalf("expected ramp %v, got %v", want, ramp)
		}
	}
	if store.Current().Phase != phase.RolledBack {
		t.Fatalf("expected rolled back")
	}
}

func TestGradualRollbackAcceleratesOnCriticalAlert(t *testing.T) {
	store := storeAt(t, phase.RampUp, 40)
	never := make(chan time.Time)
	f := newFixture(t, store,
		WithConfig(Config{Mode: ModeGradual, GradualSteps: 4, GradualDuration: time.Hour}),
		WithClock(nil, func(time.Duration) <-chan time.Time { return never }),
	)

	done := make(chan Result, 1)
	go func() {
		res, err := f.manager.ManualRollback(context.Background(), Request{TargetPhase: phase.RolledBack, Mode: ModeGradual})
		if err != nil {
			t.Errorf("manual rollback: %v", err)
		}
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !store.Current().RollingBack {
		if time.Now().After(deadline) {
			t.Fatalf("rollback never started")
		}
		time.Sleep(time.Millisecond)
	}

	res, err := f.manager.OnAlert(context.Background(), criticalAlert("worse"))
	if err != nil || !res.Coalesced {
		t.Fatalf("expected coalesced alert, got %+v %v", res, err)
	}

	select {
	case res := <-done:
		if !res.Executed() {
			t.Fatalf("manual rollback should have executed: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("gradual rollback did not accelerate")
	}
	if cur := store.Current(); cur.Phase != phase.RolledBack || cur.Split != flags.AllOld {
		t.Fatalf("unexpected final snapshot %+v", cur)
	}
}

func TestConcurrentAlertsRollBackOnce(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.Canary, 20))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	executed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.manager.OnAlert(ctx, criticalAlert("boom"))
			if err != nil {
				t.Errorf("OnAlert: %v", err)
				return
			}
			if res.Executed() {
				mu.Lock()
				executed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if executed != 1 {
		t.Fatalf("expected exactly one rollback, got %d", executed)
	}
	events, _ := f.journal.Rollbacks(ctx)
	if len(events) != 1 {
		t.Fatalf("expected one audit record, got %d", len(events))
	}
}

func TestResetHonorsCooldown(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, storeAt(t, phase.Canary, 10),
		WithConfig(Config{Mode: ModeImmediate, Cooldown: 10 * time.Minute, MaxAttempts: 3}),
		WithClock(clock, nil),
	)
	ctx := context.Background()

	if _, err := f.manager.OnAlert(ctx, criticalAlert("boom")); err != nil {
		t.Fatalf("OnAlert: %v", err)
	}

	_, err := f.manager.ManualRollback(ctx, Request{TargetPhase: phase.None})
	if !faults.Is(err, faults.KindValidation) || !strings.Contains(err.Error(), "cooldown") {
		t.Fatalf("expected cooldown refusal, got %v", err)
	}

	now = now.Add(11 * time.Minute)
	res, err := f.manager.ManualRollback(ctx, Request{TargetPhase: phase.None})
	if err != nil || res.Event.ToPhase != phase.None {
		t.Fatalf("reset after cooldown: %+v %v", res, err)
	}
	if f.store.Current().Phase != phase.None {
		t.Fatalf("expected phase none")
	}
	ledger, _ := f.manager.Ledger(ctx)
	if ledger.Attempts != 1 {
		t.Fatalf("unforced reset keeps the attempt count, got %d", ledger.Attempts)
	}
}

func TestForcedResetClearsAttempts(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.Canary, 10))
	ctx := context.Background()
	if _, err := f.manager.OnAlert(ctx, criticalAlert("boom")); err != nil {
		t.Fatalf("OnAlert: %v", err)
	}
	if _, err := f.manager.ManualRollback(ctx, Request{TargetPhase: phase.None, Force: true}); err != nil {
		t.Fatalf("forced reset: %v", err)
	}
	ledger, _ := f.manager.Ledger(ctx)
	if ledger.Attempts != 0 {
		t.Fatalf("expected attempts cleared, got %d", ledger.Attempts)
	}
}

func TestRunConsumesAlerts(t *testing.T) {
	f := newFixture(t, storeAt(t, phase.Canary, 10))
	bus := make(chan health.Alert, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx, bus) }()

	bus <- criticalAlert("boom")
	deadline := time.Now().Add(2 * time.Second)
	for f.store.Current().Phase != phase.RolledBack {
		if time.Now().After(deadline) {
			t.Fatalf("alert was not acted on")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeImmediate, "Gradual": ModeGradual, " emergency ": ModeEmergency}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseMode("slow"); err == nil {
		t.Fatalf("expected error")
	}
}
