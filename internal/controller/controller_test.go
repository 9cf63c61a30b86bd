package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/audit"
	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/config"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/notify"
	"github.com/nholik/cutover/internal/orchestrator"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/rollback"
	"github.com/nholik/cutover/internal/state"
	"github.com/nholik/cutover/internal/telemetry"
	"github.com/rs/zerolog"
)

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

type staticProvider map[telemetry.Metric]float64

func (p staticProvider) Read(_ context.Context, metric telemetry.Metric, _ time.Duration) (float64, error) {
	v, ok := p[metric]
	if !ok {
		return 0, telemetry.ErrNotConfigured
	}
	return v, nil
}

func healthy() staticProvider {
	return staticProvider{
		telemetry.ErrorRate:  0.001,
		telemetry.LatencyP50: 0.02,
		telemetry.LatencyP99: 0.1,
	}
}

func ok(name string) backend.Func {
	return func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{Status: http.StatusOK, Body: []byte(name)}, nil
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir:        t.TempDir(),
		LogLevel:       "info",
		BackendTimeout: time.Second,
		ShadowTimeout:  500 * time.Millisecond,
		ListenAddr:     "127.0.0.1:0",
	}
}

// seedState persists set as the snapshot a previous process left behind.
func seedState(t *testing.T, cfg config.Config, set *flags.Set) {
	t.Helper()
	if err := state.NewFileStore(cfg.StatePath(), zerolog.Nop()).Save(context.Background(), state.State{Flags: set}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func canary(version uint64) *flags.Set {
	set := flags.Initial()
	set.Version = version
	set.Phase = phase.Canary
	set.Split = flags.NewPercent(5)
	set.UpdatedBy = flags.ActorOrchestrator
	return set
}

func open(t *testing.T, cfg config.Config, opts ...Option) (*Controller, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	base := []Option{
		WithProvider(healthy()),
		WithBackends(ok(backend.Old), ok(backend.New)),
		WithNotifier(n),
	}
	c, err := Open(context.Background(), zerolog.Nop(), cfg, config.DefaultPlan(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, n
}

func seedEntities(t *testing.T, store entity.Store, ids ...string) {
	t.Helper()
	var es []entity.Entity
	for _, id := range ids {
		es = append(es, entity.Entity{ID: id, Key: id, SourceRepr: []byte(`{"id":"` + id + `"}`)})
	}
	if err := store.Seed(context.Background(), es...); err != nil {
		t.Fatalf("seed entities: %v", err)
	}
}

func TestOpenLoadsPersistedFlags(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, _ := open(t, cfg)
	if _, err := first.DisableFeature(ctx, flags.AutoRollback); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, _ := open(t, cfg)
	set := second.Flags()
	if set.Version != 2 || set.Enabled(flags.AutoRollback) {
		t.Fatalf("expected persisted version 2 with auto_rollback off, got v%d %+v", set.Version, set.SubFlags)
	}
	if len(second.flags.History()) != 1 {
		t.Fatalf("expected history to be restored, got %d entries", len(second.flags.History()))
	}
}

func TestRefreshAdoptsNewerSnapshot(t *testing.T) {
	cfg := testConfig(t)
	c, _ := open(t, cfg)

	seedState(t, cfg, canary(7))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := c.Flags(); got.Version != 7 || got.Phase != phase.Canary {
		t.Fatalf("expected adopted canary v7, got %s v%d", got.Phase, got.Version)
	}
}

func TestFeatureValidation(t *testing.T) {
	c, _ := open(t, testConfig(t))
	ctx := context.Background()

	if _, err := c.EnableFeature(ctx, "no_such_flag", 0); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error for unknown flag, got %v", err)
	}
	if _, err := c.EnableFeature(ctx, flags.ShadowMode, 150); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error for percentage, got %v", err)
	}

	set, err := c.EnableFeature(ctx, flags.ShadowMode, 25)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if f, _ := set.Flag(flags.ShadowMode); !f.Enabled || f.Percentage != 25 {
		t.Fatalf("unexpected flag %+v", f)
	}
	if set.UpdatedBy != flags.ActorOperator {
		t.Fatalf("expected operator actor, got %s", set.UpdatedBy)
	}

	again, err := c.EnableFeature(ctx, flags.ShadowMode, 0)
	if err != nil {
		t.Fatalf("enable again: %v", err)
	}
	if again.Version != set.Version {
		t.Fatalf("unchanged flag should not publish, got v%d after v%d", again.Version, set.Version)
	}
}

func TestCheckpointAndRestore(t *testing.T) {
	cfg := testConfig(t)
	store := entity.NewMemoryStore()
	seedEntities(t, store, "a", "b")
	c, _ := open(t, cfg, WithEntityStore(store))
	ctx := context.Background()

	cp, err := c.Checkpoint(ctx, "before-migration", "operator checkpoint")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.EntityCount != 2 {
		t.Fatalf("expected 2 entities captured, got %d", cp.EntityCount)
	}
	if _, err := c.Checkpoint(ctx, "before-migration", "again"); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected duplicate name rejected, got %v", err)
	}
	if _, err := c.Checkpoint(ctx, "../escape", ""); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected invalid name rejected, got %v", err)
	}

	seedEntities(t, store, "c")
	if _, err := c.RestoreCheckpoint(ctx, "before-migration", false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	counts, _ := store.Counts(ctx)
	if counts.Total() != 2 {
		t.Fatalf("expected arena restored to 2 entities, got %d", counts.Total())
	}
	if _, err := c.RestoreCheckpoint(ctx, "missing", false); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected unknown checkpoint rejected, got %v", err)
	}

	list, err := c.Checkpoints(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one checkpoint, got %d (%v)", len(list), err)
	}
}

func TestRestoreDuringMigrationNeedsForce(t *testing.T) {
	cfg := testConfig(t)
	seedState(t, cfg, canary(3))
	store := entity.NewMemoryStore()
	c, _ := open(t, cfg, WithEntityStore(store))
	ctx := context.Background()

	if _, err := c.Checkpoint(ctx, "cp", ""); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := c.RestoreCheckpoint(ctx, "cp", false); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error in canary, got %v", err)
	}
	if _, err := c.RestoreCheckpoint(ctx, "cp", true); err != nil {
		t.Fatalf("forced restore: %v", err)
	}
}

func TestEntityOperationsNeedDatabase(t *testing.T) {
	c, _ := open(t, testConfig(t))
	ctx := context.Background()

	if _, err := c.Checkpoint(ctx, "cp", ""); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected checkpoint to need entities, got %v", err)
	}
	if _, err := c.Requeue(ctx); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected requeue to need entities, got %v", err)
	}
	if _, err := c.Verify(ctx); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected verify to need entities, got %v", err)
	}
}

func TestRequeueFailedEntities(t *testing.T) {
	store := entity.NewMemoryStore()
	seedEntities(t, store, "a")
	c, _ := open(t, testConfig(t), WithEntityStore(store))
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "w", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Fail(ctx, "a", "w", errors.New("boom"), 1); err != nil {
		t.Fatalf("fail: %v", err)
	}
	n, err := c.Requeue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one requeued entity, got %d (%v)", n, err)
	}
	e, _ := store.Get(ctx, "a")
	if e.Status != entity.StatusPending {
		t.Fatalf("expected pending, got %s", e.Status)
	}
}

func TestVerifyReportsExpiredLeases(t *testing.T) {
	store := entity.NewMemoryStore()
	seedEntities(t, store, "a", "b")
	c, _ := open(t, testConfig(t), WithEntityStore(store))
	ctx := context.Background()

	report, err := c.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() || report.Counts[entity.StatusPending] != 2 {
		t.Fatalf("expected clean report, got %+v", report)
	}

	if _, err := store.Claim(ctx, "w", 1, time.Nanosecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(time.Millisecond)
	report, err = c.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() || report.Violations[0].Entity != "a" {
		t.Fatalf("expected expired lease violation on a, got %+v", report.Violations)
	}
}

func TestExportRoundTripsThroughValidateImport(t *testing.T) {
	cfg := testConfig(t)
	store := entity.NewMemoryStore()
	seedEntities(t, store, "a")
	c, _ := open(t, cfg, WithEntityStore(store))
	ctx := context.Background()

	if _, err := c.EnableFeature(ctx, flags.ShadowMode, 50); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := c.Checkpoint(ctx, "cp-1", ""); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	ex, err := c.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if ex.Flags.Version != 2 || len(ex.Checkpoints) != 1 || ex.Entities[entity.StatusPending] != 1 {
		t.Fatalf("unexpected export %+v", ex)
	}

	data, err := json.Marshal(ex)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ValidateImport(data); err != nil {
		t.Fatalf("expected valid import, got %v", err)
	}

	cases := map[string]string{
		"unknown field": strings.Replace(string(data), `"exported_at"`, `"surprise":1,"exported_at"`, 1),
		"bad split":     strings.Replace(string(data), `"split":{"old":100,"new":0}`, `"split":{"old":100,"new":20}`, 1),
		"no flags":      `{"checkpoints":[],"rollbacks":[],"incidents":[]}`,
		"not json":      `{`,
	}
	for name, body := range cases {
		if _, err := ValidateImport([]byte(body)); !faults.Is(err, faults.KindValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestManualRollbackFromCanary(t *testing.T) {
	cfg := testConfig(t)
	seedState(t, cfg, canary(3))
	c, n := open(t, cfg)
	ctx := context.Background()

	res, err := c.Rollback(ctx, rollback.Request{TargetPhase: phase.RolledBack, Reason: "operator"})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !res.Executed() {
		t.Fatalf("expected executed rollback, got %+v", res)
	}
	if got := c.Flags(); got.Phase != phase.RolledBack || got.Split != flags.AllOld {
		t.Fatalf("expected rolled back all-old, got %s %s", got.Phase, got.Split)
	}

	status, err := c.Status(ctx, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Rollbacks) != 1 || status.Rollback.LastAt.IsZero() {
		t.Fatalf("expected rollback recorded, got %+v", status)
	}
	if status.Routing == nil {
		t.Fatal("expected routing stats in detailed status")
	}
	if titles := n.titles(); len(titles) == 0 || titles[len(titles)-1] != "Manual rollback" {
		t.Fatalf("expected rollback notification, got %v", titles)
	}

	reopened, _ := open(t, cfg)
	if reopened.Flags().Phase != phase.RolledBack {
		t.Fatalf("rollback was not persisted, got %s", reopened.Flags().Phase)
	}
}

func TestRestoreAfterRemoteRollback(t *testing.T) {
	cfg := testConfig(t)
	store := entity.NewMemoryStore()
	seedEntities(t, store, "a")
	c, n := open(t, cfg, WithEntityStore(store))
	ctx := context.Background()

	if _, err := c.Checkpoint(ctx, "cp", ""); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	seedEntities(t, store, "b", "c")

	journal := audit.NewJournal(cfg.DataDir, zerolog.Nop())
	if _, err := journal.RecordRollback(ctx, audit.RollbackEvent{Trigger: audit.TriggerAutomatic, Mode: string(rollback.ModeEmergency)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := c.restoreAfterRollback(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if counts, _ := store.Counts(ctx); counts.Total() != 3 {
		t.Fatalf("emergency rollback must leave restore to the operator, got %d entities", counts.Total())
	}

	if _, err := journal.RecordRollback(ctx, audit.RollbackEvent{Trigger: audit.TriggerAutomatic, Mode: string(rollback.ModeImmediate)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := c.restoreAfterRollback(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if counts, _ := store.Counts(ctx); counts.Total() != 1 {
		t.Fatalf("expected checkpoint restored, got %d entities", counts.Total())
	}
	if titles := n.titles(); len(titles) != 1 || titles[0] != "Checkpoint restored" {
		t.Fatalf("unexpected notifications %v", titles)
	}
}

func TestPrecheckRejectsUnknownComponent(t *testing.T) {
	c, _ := open(t, testConfig(t))
	if _, err := c.Precheck(context.Background(), false, "database"); !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAdvanceFullFromNoneIsRejected(t *testing.T) {
	c, _ := open(t, testConfig(t))
	_, err := c.Advance(context.Background(), phase.Full, orchestrator.Params{})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if faults.ExitCode(err) != faults.ExitValidation {
		t.Fatalf("expected exit code %d, got %d", faults.ExitValidation, faults.ExitCode(err))
	}
}

func TestServeNeedsBackends(t *testing.T) {
	cfg := testConfig(t)
	c, err := Open(context.Background(), zerolog.Nop(), cfg, config.DefaultPlan(), WithProvider(healthy()), WithNotifier(&recordingNotifier{}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.Serve(context.Background()); !faults.Is(err, faults.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	c, _ := open(t, cfg, Serving())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.monitor.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	st, err := state.NewFileStore(cfg.StatePath(), zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.LastHealth == nil {
		t.Fatal("expected serving process to persist the health snapshot")
	}
	if !c.tracker.Ready() {
		t.Fatal("expected tracker to record the monitor cycle")
	}
}

func TestBuildNotifier(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{name: "none", cfg: config.Config{}, want: "*notify.NoopNotifier"},
		{name: "slack", cfg: config.Config{SlackWebhookURL: "https://hooks.slack.com/services/x"}, want: "*notify.SlackNotifier"},
		{name: "both", cfg: config.Config{SlackWebhookURL: "https://hooks.slack.com/services/x", WebhookURL: "https://example.com/hook"}, want: "*notify.MultiNotifier"},
		{name: "dry run", cfg: config.Config{WebhookURL: "https://example.com/hook", NotifyDryRun: true}, want: "*notify.DryRunNotifier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := buildNotifier(zerolog.Nop(), tc.cfg)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if got := fmt.Sprintf("%T", n); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSnapshotProvider(t *testing.T) {
	cfg := testConfig(t)
	fs := state.NewFileStore(cfg.StatePath(), zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newSnapshotProvider(fs, 20*time.Second, func() time.Time { return now })
	ctx := context.Background()

	if _, err := p.Read(ctx, telemetry.ErrorRate, time.Minute); !errors.Is(err, telemetry.ErrNoData) {
		t.Fatalf("expected no data before any snapshot, got %v", err)
	}

	snap := &health.Snapshot{
		Timestamp:  now.Add(-5 * time.Second),
		ErrorRate:  0.02,
		LatencyP99: 250 * time.Millisecond,
		Skipped:    []telemetry.Metric{telemetry.CPUPct},
		Missing:    []telemetry.Metric{telemetry.MemPct},
	}
	if err := fs.Save(ctx, state.State{Flags: flags.Initial(), LastHealth: snap}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if v, err := p.Read(ctx, telemetry.ErrorRate, time.Minute); err != nil || v != 0.02 {
		t.Fatalf("expected error rate 0.02, got %v (%v)", v, err)
	}
	if v, err := p.Read(ctx, telemetry.LatencyP99, time.Minute); err != nil || v != 0.25 {
		t.Fatalf("expected p99 0.25s, got %v (%v)", v, err)
	}
	if _, err := p.Read(ctx, telemetry.CPUPct, time.Minute); !errors.Is(err, telemetry.ErrNotConfigured) {
		t.Fatalf("expected skipped metric to stay skipped, got %v", err)
	}
	if _, err := p.Read(ctx, telemetry.MemPct, time.Minute); !errors.Is(err, telemetry.ErrNoData) {
		t.Fatalf("expected missing metric to stay missing, got %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := p.Read(ctx, telemetry.ErrorRate, time.Minute); !errors.Is(err, telemetry.ErrNoData) {
		t.Fatalf("expected stale snapshot to read as no data, got %v", err)
	}
}
