// Package orchestrator sequences the migration through its phases, checking
// each phase's exit criteria and handing control to rollback when they fail.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/events"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/migrate"
	"github.com/nholik/cutover/internal/notify"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/rollback"
	"github.com/rs/zerolog"
)

var (
	// ErrAdvanceInProgress is returned when another Advance holds the lock.
	ErrAdvanceInProgress = errors.New("another advance is in progress")
	// ErrRolledBack is the cancellation cause when a rollback preempts an advance.
	ErrRolledBack = errors.New("migration was rolled back")
	// ErrAdvancePaused is returned when health stayed degraded until the advance timed out.
	ErrAdvancePaused = errors.New("advance paused on degraded health")
	// ErrNothingToDo is returned when the target is already reached.
	ErrNothingToDo = errors.New("target already reached")
)

// FlagStore is the flag store as the orchestrator uses it.
type FlagStore interface {
	Current() *flags.Set
	Propose(ctx context.Context, p flags.Proposal) (*flags.Set, error)
	History() []*flags.Set
}

// Health reports the live health of the migration.
type Health interface {
	Latest() (health.Result, bool)
	Check(ctx context.Context) (health.Result, error)
}

// Rollbacker is the rollback manager as the orchestrator uses it.
type Rollbacker interface {
	OnAlert(ctx context.Context, alert health.Alert) (rollback.Result, error)
	InProgress() bool
	CooldownRemaining(ctx context.Context) (time.Duration, error)
	ResetAttempts(ctx context.Context) error
}

// Migrator runs state migration batches.
type Migrator interface {
	MigrateBatch(ctx context.Context, batchSize int) (migrate.BatchResult, error)
}

// Persister makes a flag snapshot durable.
type Persister interface {
	SaveFlags(ctx context.Context, set *flags.Set, history []*flags.Set) error
}

// Config tunes phase sequencing.
type Config struct {
	CanaryStages []Stage `yaml:"canary_stages"`
	RampUpStages []Stage `yaml:"ramp_up_stages"`
	// StallTimeout is how long state migration may go without progress before rolling back.
	StallTimeout time.Duration `yaml:"stall_timeout"`
	BatchSize    int           `yaml:"batch_size"`
	// PollInterval paces health re-checks while paused and batch polling while entities are leased elsewhere.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PrecheckTimeout bounds each precondition probe.
	PrecheckTimeout time.Duration `yaml:"precheck_timeout"`
}

// DefaultConfig returns the staged defaults.
func DefaultConfig() Config {
	return Config{
		CanaryStages:    DefaultCanaryStages(),
		RampUpStages:    DefaultRampUpStages(),
		StallTimeout:    10 * time.Minute,
		BatchSize:       50,
		PollInterval:    5 * time.Second,
		PrecheckTimeout: 10 * time.Second,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if err := validateStages("canary", c.CanaryStages); err != nil {
		return err
	}
	if err := validateStages("ramp-up", c.RampUpStages); err != nil {
		return err
	}
	if c.StallTimeout <= 0 || c.PollInterval <= 0 || c.PrecheckTimeout <= 0 {
		return errors.New("stall timeout, poll interval and precheck timeout must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	return nil
}

// Params are the operator inputs to Advance.
type Params struct {
	// Percentage caps the traffic sent to the new backend in Canary and RampUp,
	// and sets the shadowed fraction in Shadow. Zero runs every configured stage.
	Percentage int
	// Override permits skipping phases and advancing with Failed entities.
	Override bool
	// DryRun validates and plans without changing anything.
	DryRun bool
	// Timeout bounds the whole advance. Zero means no limit.
	Timeout time.Duration
	Reason  string
}

// StageReport records one completed stage.
type StageReport struct {
	Stage    Stage            `json:"stage"`
	Started  time.Time        `json:"started"`
	Passed   time.Time        `json:"passed"`
	Snapshot *health.Snapshot `json:"snapshot,omitempty"`
}

// Report describes what Advance did, or would do on a dry run.
type Report struct {
	From        phase.Phase   `json:"from"`
	To          phase.Phase   `json:"to"`
	DryRun      bool          `json:"dry_run"`
	Plan        []Stage       `json:"plan,omitempty"`
	Stages      []StageReport `json:"stages,omitempty"`
	Checkpoints []string      `json:"checkpoints,omitempty"`
	Batches     int           `json:"batches,omitempty"`
	Migrated    int           `json:"migrated,omitempty"`
	Failed      int           `json:"failed,omitempty"`
	Version     uint64        `json:"version"`
	Duration    time.Duration `json:"duration"`
}

// Orchestrator drives phase transitions. Only one Advance runs at a time.
type Orchestrator struct {
	logger      zerolog.Logger
	cfg         Config
	flags       FlagStore
	health      Health
	rollback    Rollbacker
	migrator    Migrator
	checkpoints checkpoint.Store
	entities    entity.Store
	backends    map[string]backend.Backend
	phases      *events.Bus[events.PhaseChange]
	persister   Persister
	notifier    notify.Notifier
	now         func() time.Time
	after       func(time.Duration) <-chan time.Time

	advancing sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithBackends sets the backends probed by preconditions.
func WithBackends(oldBackend, newBackend backend.Backend) Option {
	return func(o *Orchestrator) {
		o.backends = map[string]backend.Backend{backend.Old: oldBackend, backend.New: newBackend}
	}
}

// WithCheckpoints sets where phase checkpoints are taken and what they capture.
func WithCheckpoints(store checkpoint.Store, entities entity.Store) Option {
	return func(o *Orchestrator) {
		o.checkpoints = store
		o.entities = entities
	}
}

// WithMigrator sets the state migration engine.
func WithMigrator(m Migrator) Option {
	return func(o *Orchestrator) {
		o.migrator = m
	}
}

// WithPhaseEvents lets a rollback published on bus preempt an advance.
func WithPhaseEvents(bus *events.Bus[events.PhaseChange]) Option {
	return func(o *Orchestrator) {
		o.phases = bus
	}
}

// WithPersister commits each completed phase.
func WithPersister(p Persister) Option {
	return func(o *Orchestrator) {
		o.persister = p
	}
}

// WithNotifier announces phase progress.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithClock overrides time for soak and polling waits.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if after != nil {
			o.after = after
		}
	}
}

// New constructs an Orchestrator.
func New(logger zerolog.Logger, store FlagStore, h Health, rb Rollbacker, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		cfg:      DefaultConfig(),
		flags:    store,
		health:   h,
		rollback: rb,
		now:      func() time.Time { return time.Now().UTC() },
		after:    time.After,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, faults.Config("orchestrator config", err)
	}
	return o, nil
}

// Advance moves the migration to target. It returns a validation error when
// the move is illegal or a precondition fails, and a rollback error when the
// migration was rolled back while advancing.
func (o *Orchestrator) Advance(ctx context.Context, target phase.Phase, p Params) (Report, error) {
	if !o.advancing.TryLock() {
		return Report{}, faults.Validation("advance", ErrAdvanceInProgress)
	}
	defer o.advancing.Unlock()

	started := o.now()
	cur := o.flags.Current()
	report := Report{From: cur.Phase, To: target, DryRun: p.DryRun, Version: cur.Version}
	log := o.logger.With().Str("from", cur.Phase.String()).Str("to", target.String()).Logger()

	if err := o.validate(cur, target, p); err != nil {
		return report, err
	}
	if stages := o.cfg.stagesFor(target); stages != nil {
		report.Plan = planStages(stages, currentNew(cur, target), p.Percentage)
		if cur.Phase == target && len(report.Plan) == 0 {
			return report, faults.Validationf("advance", "%v: %s is already at %d%%", ErrNothingToDo, target, cur.Split.New)
		}
	}
	if err := o.preconditions(ctx, cur, target, p); err != nil {
		return report, err
	}
	if p.DryRun {
		log.Info().Int("stages", len(report.Plan)).Msg("dry run: advance validated")
		return report, nil
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	ctx, stop := o.watchRollback(ctx)
	defer stop()

	log.Warn().Int("percentage", p.Percentage).Bool("override", p.Override).Msg("advancing migration")
	err := o.run(ctx, cur, target, p, &report)
	report.Duration = o.now().Sub(started)
	report.Version = o.flags.Current().Version
	if err != nil {
		err = o.classify(ctx, err)
		log.Error().Err(err).Msg("advance halted")
		return report, err
	}

	if err := o.commit(ctx, target); err != nil {
		return report, err
	}
	log.Warn().Str("split", o.flags.Current().Split.String()).Dur("duration", report.Duration).Msg("phase committed")
	o.notify(ctx, notify.Message{
		Title:    "Migration phase committed",
		Text:     fmt.Sprintf("Migration advanced from %s to %s.", report.From, target),
		Severity: health.SeverityInfo,
		Phase:    target,
		Fields: []notify.Field{
			{Name: "Split", Value: o.flags.Current().Split.String()},
			{Name: "Duration", Value: report.Duration.Truncate(time.Second).String()},
		},
	})
	return report, nil
}

func (o *Orchestrator) validate(cur *flags.Set, target phase.Phase, p Params) error {
	switch target {
	case phase.RolledBack:
		return faults.Validationf("advance", "%v: use rollback to reach %s", flags.ErrIllegalTransition, target)
	case phase.None:
		return faults.Validationf("advance", "%v: use rollback --to-phase none to reset", flags.ErrIllegalTransition)
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return faults.Validationf("advance", "%v: percentage %d out of range", flags.ErrInvalidSplit, p.Percentage)
	}
	if err := phase.CheckTransition(cur.Phase, target, p.Override); err != nil {
		return faults.Validation("advance", err)
	}
	// Shadow may be re-proposed with a new fraction and an interrupted state
	// migration may be resumed.
	if target == cur.Phase && o.cfg.stagesFor(target) == nil && target != phase.Shadow && target != phase.StateMigration {
		return faults.Validationf("advance", "%v: already in %s", ErrNothingToDo, target)
	}
	return nil
}

// currentNew is the percentage the target phase starts from.
func currentNew(cur *flags.Set, target phase.Phase) int {
	if cur.Phase == target || cur.Phase.AtOrPast(phase.Canary) {
		return cur.Split.New
	}
	return 0
}

func (o *Orchestrator) run(ctx context.Context, cur *flags.Set, target phase.Phase, p Params, report *Report) error {
	if target == phase.StateMigration || target == phase.Full {
		name, err := o.checkpoint(ctx, cur, fmt.Sprintf("before advancing from %s to %s", cur.Phase, target))
		if err != nil {
			return err
		}
		if name != "" {
			report.Checkpoints = append(report.Checkpoints, name)
		}
	}

	switch target {
	case phase.Shadow:
		pct := p.Percentage
		if pct == 0 {
			pct = 100
		}
		old := flags.AllOld
		_, err := o.propose(ctx, cur, flags.Proposal{
			Phase:    &target,
			Split:    &old,
			SubFlags: map[string]flags.Flag{flags.ShadowMode: {Enabled: true, Percentage: pct}},
			Override: p.Override,
			Reason:   reasonOr(p.Reason, "shadow traffic"),
		})
		return err
	case phase.Canary, phase.RampUp:
		return o.runStages(ctx, cur, target, p, report)
	case phase.StateMigration:
		next, err := o.propose(ctx, cur, flags.Proposal{
			Phase:    &target,
			SubFlags: map[string]flags.Flag{flags.StateMigration: {Enabled: true, Percentage: 100}, flags.ShadowMode: {Enabled: false, Percentage: 100}},
			Override: p.Override,
			Reason:   reasonOr(p.Reason, "migrating state"),
		})
		if err != nil {
			return err
		}
		return o.migrateState(ctx, next, report)
	case phase.Full, phase.Decommissioned:
		all := flags.NewPercent(100)
		if _, err := o.propose(ctx, cur, flags.Proposal{
			Phase:    &target,
			Split:    &all,
			SubFlags: map[string]flags.Flag{flags.StateMigration: {Enabled: false, Percentage: 100}, flags.ShadowMode: {Enabled: false, Percentage: 100}},
			Override: p.Override,
			Reason:   reasonOr(p.Reason, "all traffic on new backend"),
		}); err != nil {
			return err
		}
		if target == phase.Decommissioned {
			if err := o.rollback.ResetAttempts(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("failed to reset rollback attempts")
			}
		}
		return nil
	}
	return faults.Validationf("advance", "%v: cannot advance to %s", flags.ErrIllegalTransition, target)
}

func (o *Orchestrator) runStages(ctx context.Context, cur *flags.Set, target phase.Phase, p Params, report *Report) error {
	set := cur
	for i, stage := range report.Plan {
		split := flags.NewPercent(stage.Percentage)
		proposal := flags.Proposal{
			Split:  &split,
			Reason: reasonOr(p.Reason, fmt.Sprintf("%s stage %d of %d", target, i+1, len(report.Plan))),
		}
		if set.Phase != target {
			proposal.Phase = &target
			proposal.Override = p.Override
			proposal.SubFlags = map[string]flags.Flag{
				flags.ShadowMode:     {Enabled: false, Percentage: 100},
				flags.StateMigration: {Enabled: false, Percentage: 100},
			}
		}
		next, err := o.propose(ctx, set, proposal)
		if err != nil {
			return err
		}
		set = next

		sr, err := o.soak(ctx, stage)
		if err != nil {
			return err
		}
		report.Stages = append(report.Stages, sr)
		o.logger.Info().Str("phase", target.String()).Str("stage", stage.String()).Msg("stage passed")
	}
	return nil
}

// soak waits out the stage and then checks its exit criteria, waiting while
// health is degraded.
func (o *Orchestrator) soak(ctx context.Context, stage Stage) (StageReport, error) {
	sr := StageReport{Stage: stage, Started: o.now()}
	if err := o.wait(ctx, stage.Soak); err != nil {
		return sr, err
	}
	for {
		if err := o.stillOurs(); err != nil {
			return sr, err
		}
		res, ok := o.health.Latest()
		switch {
		case ok && res.Status != health.StatusDegraded && !res.Snapshot.Timestamp.Before(sr.Started):
			if reason := stageFailure(stage, res); reason != "" {
				return sr, o.escalate(ctx, reason, &res.Snapshot)
			}
			snap := res.Snapshot
			sr.Snapshot = &snap
			sr.Passed = o.now()
			return sr, nil
		default:
			o.logger.Info().Str("stage", stage.String()).Msg("health degraded or stale, advance paused")
		}
		if err := o.wait(ctx, o.cfg.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return sr, faults.HealthCheck("advance", ErrAdvancePaused)
			}
			return sr, err
		}
	}
}

func stageFailure(stage Stage, res health.Result) string {
	if res.Critical() {
		return fmt.Sprintf("stage %d%%: %s", stage.Percentage, res.Breaches[0].Reason)
	}
	return stage.check(res.Snapshot)
}

func (o *Orchestrator) migrateState(ctx context.Context, set *flags.Set, report *Report) error {
	if o.migrator == nil {
		o.logger.Warn().Msg("no state migration engine configured, phase holds traffic only")
		return nil
	}
	lastProgress := o.now()
	for {
		if err := o.stillOurs(); err != nil {
			return err
		}
		res, err := o.migrator.MigrateBatch(ctx, o.cfg.BatchSize)
		if err != nil {
			return err
		}
		report.Batches++
		report.Migrated += res.Done
		report.Failed += res.Failed
		if res.Checkpoint != "" {
			report.Checkpoints = append(report.Checkpoints, res.Checkpoint)
		}
		if res.Remaining == 0 {
			if res.Counts[entity.StatusFailed] > 0 {
				o.logger.Warn().Int("failed", res.Counts[entity.StatusFailed]).Msg("state migration finished with failed entities")
				o.notify(ctx, notify.Message{
					Title:    "State migration needs attention",
					Text:     fmt.Sprintf("%d entities failed to migrate. Requeue them before ramping up.", res.Counts[entity.StatusFailed]),
					Severity: health.SeverityWarning,
					Phase:    set.Phase,
				})
			}
			return nil
		}
		if res.Progress() {
			lastProgress = o.now()
			continue
		}
		if stalled := o.now().Sub(lastProgress); stalled > o.cfg.StallTimeout {
			return o.escalate(ctx, fmt.Sprintf("state migration stalled for %s with %d entities remaining", stalled.Truncate(time.Second), res.Remaining), nil)
		}
		if err := o.wait(ctx, o.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// escalate hands the migration to the rollback manager and reports why the
// advance stopped.
func (o *Orchestrator) escalate(ctx context.Context, reason string, snap *health.Snapshot) error {
	alert := health.Alert{
		ID:       uuid.NewString(),
		Severity: health.SeverityCritical,
		Reason:   reason,
		At:       o.now(),
	}
	if snap != nil {
		alert.Snapshot = *snap
	} else {
		alert.Snapshot = health.Snapshot{Timestamp: alert.At, Phase: o.flags.Current().Phase}
	}
	o.logger.Error().Str("reason", reason).Msg("exit criteria failed, escalating to rollback")
	res, err := o.rollback.OnAlert(context.WithoutCancel(ctx), alert)
	if err != nil {
		return fmt.Errorf("escalate %q: %w", reason, err)
	}
	if res.Skipped != "" {
		return faults.HealthCheck("advance", fmt.Errorf("%s; rollback skipped: %s", reason, res.Skipped))
	}
	return faults.RollbackTriggered("advance", fmt.Errorf("%w: %s", ErrRolledBack, reason))
}

// propose publishes p on top of set. A concurrent change that kept the phase
// is absorbed; any other change aborts the advance.
func (o *Orchestrator) propose(ctx context.Context, set *flags.Set, p flags.Proposal) (*flags.Set, error) {
	p.Actor = flags.ActorOrchestrator
	expected := set.Phase
	for {
		p.ExpectVersion = set.Version
		next, err := o.flags.Propose(ctx, p)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, flags.ErrStaleVersion) {
			return nil, err
		}
		latest := o.flags.Current()
		if latest.Phase != expected || latest.RollingBack {
			return nil, err
		}
		set = latest
	}
}

// stillOurs reports whether another writer took the migration away.
func (o *Orchestrator) stillOurs() error {
	cur := o.flags.Current()
	if cur.Phase == phase.RolledBack || cur.RollingBack {
		return ErrRolledBack
	}
	return nil
}

// classify maps why run stopped to the error taxonomy.
func (o *Orchestrator) classify(ctx context.Context, err error) error {
	if faults.KindOf(err) == faults.KindRollback {
		return err
	}
	if errors.Is(err, ErrRolledBack) || errors.Is(context.Cause(ctx), ErrRolledBack) ||
		errors.Is(err, flags.ErrRollbackInProgress) || o.stillOurs() != nil {
		return faults.RollbackTriggered("advance", ErrRolledBack)
	}
	if faults.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, flags.ErrStaleVersion) {
		return faults.Validation("advance", err)
	}
	return fmt.Errorf("advance: %w", err)
}

// watchRollback cancels the returned context when a rollback is published.
func (o *Orchestrator) watchRollback(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	if o.phases == nil {
		return ctx, func() { cancel(nil) }
	}
	changes, unsubscribe := o.phases.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-changes:
				if !ok {
					return
				}
				if ev.To == phase.RolledBack {
					o.logger.Warn().Str("actor", ev.Actor).Uint64("version", ev.Version).Msg("rollback observed, cancelling advance")
					cancel(ErrRolledBack)
					return
				}
			}
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
		unsubscribe()
	}
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return ctx.Err()
	case <-o.after(d):
		return nil
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, set *flags.Set, desc string) (string, error) {
	if o.checkpoints == nil {
		return "", nil
	}
	req, err := checkpoint.Capture(ctx, checkpoint.AutoName(set.Phase, o.now()), desc, set, o.entities)
	if err != nil {
		return "", faults.Checkpoint("advance checkpoint", err)
	}
	cp, err := o.checkpoints.Create(ctx, req)
	if err != nil {
		return "", err
	}
	return cp.Name, nil
}

func (o *Orchestrator) commit(ctx context.Context, target phase.Phase) error {
	if o.persister == nil {
		return nil
	}
	if err := o.persister.SaveFlags(ctx, o.flags.Current(), o.flags.History()); err != nil {
		return fmt.Errorf("commit %s: %w", target, err)
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, msg notify.Message) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, msg); err != nil {
		o.logger.Error().Err(err).Str("title", msg.Title).Msg("notification failed")
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
