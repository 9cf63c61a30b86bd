package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
)

// Manager executes rollbacks. At most one runs at a time; concurrent requests coalesce.
type Manager struct {
	flags       FlagStore
	cfg         Config
	logger      zerolog.Logger
	checkpoints checkpoint.Store
	entities    entity.Store
	journal     Journal
	notifier    notify.Notifier
	ledger      state.Store
	recorder    Recorder
	health      HealthSource
	now         func() time.Time
	after       func(time.Duration) <-chan time.Time

	mu        sync.Mutex
	running   *execution
	memLedger state.RollbackLedger
}

type execution struct {
	accel  chan struct{}
	done   chan struct{}
	result Result
	err    error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithCheckpoints enables checkpoint restore into entities.
func WithCheckpoints(store checkpoint.Store, entities entity.Store) Option {
	return func(m *Manager) {
		m.checkpoints = store
		m.entities = entities
	}
}

// WithJournal sets where rollback events and incidents are recorded.
func WithJournal(j Journal) Option {
	return func(m *Manager) {
		m.journal = j
	}
}

// WithNotifier sets where operators are told about rollbacks.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithLedger persists the automatic attempt counter across processes.
func WithLedger(s state.Store) Option {
	return func(m *Manager) {
		m.ledger = s
	}
}

// WithRecorder sets where rollback metrics go.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithHealth lets a gradual rollback accelerate when the latest evaluation is critical.
func WithHealth(h HealthSource) Option {
	return func(m *Manager) {
		m.health = h
	}
}

// WithClock overrides time sources (primarily for testing).
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
		if after != nil {
			m.after = after
		}
	}
}

// NewManager constructs a Manager writing through store.
func NewManager(logger zerolog.Logger, store FlagStore, opts ...Option) *Manager {
	m := &Manager{
		flags:  store,
		cfg:    DefaultConfig(),
		logger: logger.With().Str("component", "rollback").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		after:  time.After,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Timeout <= 0 {
		m.cfg.Timeout = DefaultConfig().Timeout
	}
	return m
}

// Run rolls back on every critical alert received until ctx is done. A
// rollback already under way when ctx ends is allowed to finish.
func (m *Manager) Run(ctx context.Context, alerts <-chan health.Alert) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case alert, ok := <-alerts:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.OnAlert(ctx, alert); err != nil {
					m.logger.Error().Err(err).Str("alert", alert.ID).Msg("automatic rollback failed")
				}
			}()
		}
	}
}

// InProgress reports whether a rollback is executing in this process.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running != nil
}

// OnAlert rolls back on a critical alert. Other severities are forwarded to
// operators and otherwise ignored.
func (m *Manager) OnAlert(ctx context.Context, alert health.Alert) (Result, error) {
	if alert.Severity != health.SeverityCritical {
		m.notify(ctx, notify.Message{
			Title:    "Migration health warning",
			Text:     alert.Reason,
			Severity: alert.Severity,
			Phase:    alert.Snapshot.Phase,
			Fields:   []notify.Field{{Name: "Snapshot", Value: alert.Snapshot.String()}},
		})
		return Result{Skipped: "alert is not critical"}, nil
	}
	snapshot := alert.Snapshot
	return m.start(ctx, plan{
		trigger:  audit.TriggerAutomatic,
		mode:     m.cfg.Mode,
		reason:   alert.Reason,
		snapshot: &snapshot,
	})
}

// ManualRollback rolls back on operator request. A TargetPhase of None also
// resets the phase afterwards so the migration can be retried.
func (m *Manager) ManualRollback(ctx context.Context, req Request) (Result, error) {
	if req.TargetPhase != phase.RolledBack && req.TargetPhase != phase.None {
		return Result{}, faults.Validationf("rollback", "target phase %s: rollback only reaches %s or %s", req.TargetPhase, phase.RolledBack, phase.None)
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return Result{}, faults.Validation("rollback", err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual rollback"
	}

	cur := m.flags.Current()
	if cur.Phase == phase.None && !cur.RollingBack {
		return Result{Skipped: "no migration in progress"}, nil
	}
	if cur.Phase.AtOrPast(phase.StateMigration) && mode != ModeEmergency && m.checkpoints != nil && !req.Force {
		if _, err := m.checkpoints.Latest(ctx); errors.Is(err, checkpoint.ErrNotFound) {
			return Result{}, faults.Validationf("rollback", "%v: phase %s changed migrated state; use force to roll back traffic only", ErrNoCheckpoint, cur.Phase)
		} else if err != nil {
			return Result{}, faults.Checkpoint("rollback", err)
		}
	}

	var res Result
	if cur.Phase != phase.RolledBack || cur.RollingBack {
		res, err = m.start(ctx, plan{trigger: audit.TriggerManual, mode: mode, reason: reason})
		if err != nil || req.TargetPhase == phase.RolledBack {
			return res, err
		}
	}
	if req.TargetPhase == phase.None {
		return m.reset(ctx, req.Force, reason)
	}
	return Result{Skipped: "already rolled back"}, nil
}

// Ledger returns the automatic rollback attempt record.
func (m *Manager) Ledger(ctx context.Context) (state.RollbackLedger, error) {
	if m.ledger == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.memLedger, nil
	}
	st, err := m.ledger.Load(ctx)
	if err != nil {
		return state.RollbackLedger{}, err
	}
	return st.Rollback, nil
}

// CooldownRemaining is how long until a new migration run may start after the last rollback.
func (m *Manager) CooldownRemaining(ctx context.Context) (time.Duration, error) {
	ledger, err := m.Ledger(ctx)
	if err != nil || ledger.LastAt.IsZero() {
		return 0, err
	}
	remaining := ledger.LastAt.Add(m.cfg.Cooldown).Sub(m.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// ResetAttempts clears the automatic attempt counter, used when a migration run completes.
func (m *Manager) ResetAttempts(ctx context.Context) error {
	return m.updateLedger(ctx, func(l *state.RollbackLedger) {
		l.Attempts = 0
	})
}

type plan struct {
	trigger  audit.Trigger
	mode     Mode
	reason   string
	snapshot *health.Snapshot
}

func (m *Manager) start(ctx context.Context, p plan) (Result, error) {
	m.mu.Lock()
	if ex := m.running; ex != nil {
		m.mu.Unlock()
		if p.trigger == audit.TriggerAutomatic || p.mode != ModeGradual {
			select {
			case ex.accel <- struct{}{}:
			default:
			}
		}
		m.logger.Info().Str("trigger", string(p.trigger)).Str("reason", p.reason).Msg("rollback already in progress")
		if p.trigger == audit.TriggerAutomatic {
			return Result{Coalesced: true}, nil
		}
		select {
		case <-ex.done:
			return Result{Event: ex.result.Event, Coalesced: true}, ex.err
		case <-ctx.Done():
			return Result{Coalesced: true}, ctx.Err()
		}
	}

	cur := m.flags.Current()
	switch {
	case cur.Phase == phase.RolledBack && !cur.RollingBack:
		m.mu.Unlock()
		return Result{Skipped: "already rolled back"}, nil
	case cur.Phase == phase.None && !cur.RollingBack:
		m.mu.Unlock()
		return Result{Skipped: "no migration in progress"}, nil
	}
	if p.trigger == audit.TriggerAutomatic && p.mode != ModeEmergency {
		if reason := m.suppressed(ctx, cur); reason != "" {
			m.mu.Unlock()
			m.logger.Warn().Str("reason", reason).Str("alert", p.reason).Msg("automatic rollback suppressed")
			m.notify(ctx, notify.Message{
				Title:    "Automatic rollback suppressed",
				Text:     fmt.Sprintf("%s. Triggering alert: %s", reason, p.reason),
				Severity: health.SeverityCritical,
				Phase:    cur.Phase,
			})
			return Result{Skipped: reason}, nil
		}
	}

	ex := &execution{accel: make(chan struct{}, 1), done: make(chan struct{})}
	m.running = ex
	m.mu.Unlock()

	ex.result, ex.err = m.execute(ctx, cur, p, ex)

	m.mu.Lock()
	m.running = nil
	m.mu.Unlock()
	close(ex.done)
	return ex.result, ex.err
}

// suppressed is called with m.mu held.
func (m *Manager) suppressed(ctx context.Context, cur *flags.Set) string {
	if !cur.Enabled(flags.AutoRollback) {
		return "automatic rollback is disabled"
	}
	if m.cfg.MaxAttempts <= 0 {
		return ""
	}
	var ledger state.RollbackLedger
	if m.ledger == nil {
		ledger = m.memLedger
	} else {
		st, err := m.ledger.Load(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("read rollback ledger failed; rolling back anyway")
			return ""
		}
		ledger = st.Rollback
	}
	if ledger.Attempts >= m.cfg.MaxAttempts {
		return fmt.Sprintf("automatic rollback limit of %d reached; manual intervention required", m.cfg.MaxAttempts)
	}
	return ""
}

func (m *Manager) execute(ctx context.Context, cur *flags.Set, p plan, ex *execution) (Result, error) {
	started := m.now()
	// State changes complete even if the caller goes away.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeout)
	defer cancel()

	ev := audit.RollbackEvent{
		Trigger:   p.trigger,
		Reason:    p.reason,
		Mode:      string(p.mode),
		FromPhase: cur.Phase,
		ToPhase:   phase.RolledBack,
		Snapshot:  p.snapshot,
	}
	m.logger.Warn().
		Str("trigger", string(p.trigger)).
		Str("mode", string(p.mode)).
		Str("from", cur.Phase.String()).
		Str("split", cur.Split.String()).
		Str("reason", p.reason).
		Msg("rollback started")

	if err := m.updateLedger(work, func(l *state.RollbackLedger) {
		if p.trigger == audit.TriggerAutomatic {
			l.Attempts++
		}
		l.LastAt = started
	}); err != nil {
		m.logger.Error().Err(err).Msg("update rollback ledger failed")
	}

	if err := m.rampDown(ctx, work, cur, p, ex); err != nil {
		return m.failed(work, ev, cur, fmt.Errorf("return traffic to old backend: %w", err))
	}
	m.logger.Warn().Dur("elapsed", m.now().Sub(started)).Msg("traffic returned to old backend")

	var restoreErr error
	if cur.Phase.AtOrPast(phase.StateMigration) && m.checkpoints != nil {
		if p.mode == ModeEmergency {
			m.logger.Warn().Msg("emergency rollback: checkpoint restore left to operator")
		} else {
			name, err := m.restore(work)
			ev.CheckpointUsed = name
			if err != nil {
				restoreErr = faults.Checkpoint("restore checkpoint", err)
				ev.Error = restoreErr.Error()
			}
		}
	}

	rollingBack := false
	to := phase.RolledBack
	allOld := flags.AllOld
	if _, err := m.flags.Propose(work, flags.Proposal{
		Actor:       flags.ActorRollback,
		Phase:       &to,
		Split:       &allOld,
		RollingBack: &rollingBack,
		Reason:      p.reason,
	}); err != nil {
		return m.failed(work, ev, cur, fmt.Errorf("enter %s: %w", phase.RolledBack, err))
	}

	ev.Duration = m.now().Sub(started)
	ev = m.record(work, ev)
	if m.recorder != nil {
		m.recorder.IncRollbacks(string(p.trigger))
	}
	if restoreErr != nil {
		m.incident(work, cur.Phase, "restore checkpoint", restoreErr, p.snapshot)
	}
	m.notify(work, rollbackMessage(ev))
	return Result{Event: ev}, restoreErr
}

func (m *Manager) rampDown(ctx, work context.Context, cur *flags.Set, p plan, ex *execution) error {
	rollingBack := true
	propose := func(split flags.Split) error {
		_, err := m.flags.Propose(work, flags.Proposal{
			Actor:       flags.ActorRollback,
			Split:       &split,
			RollingBack: &rollingBack,
			Reason:      p.reason,
		})
		return err
	}

	steps := m.cfg.GradualSteps
	if p.mode != ModeGradual || cur.Split.New == 0 || steps <= 1 {
		return propose(flags.AllOld)
	}

	interval := m.cfg.GradualDuration / time.Duration(steps)
	from := cur.Split.New
	for i := 1; i <= steps; i++ {
		pct := from * (steps - i) / steps
		if err := propose(flags.NewPercent(pct)); err != nil {
			return err
		}
		if pct == 0 {
			return nil
		}
		m.logger.Info().Int("step", i).Int("steps", steps).Int("new_percent", pct).Msg("gradual rollback step")

		accelerate := ""
		select {
		case <-m.after(interval):
			if m.critical() {
				accelerate = "health still critical"
			}
		case <-ex.accel:
			accelerate = "critical alert"
		case <-ctx.Done():
			accelerate = "caller cancelled"
		}
		if accelerate != "" {
			m.logger.Warn().Str("cause", accelerate).Msg("accelerating gradual rollback")
			return propose(flags.AllOld)
		}
	}
	return propose(flags.AllOld)
}

func (m *Manager) critical() bool {
	if m.health == nil {
		return false
	}
	r, ok := m.health.Latest()
	return ok && r.Critical()
}

func (m *Manager) restore(ctx context.Context) (string, error) {
	cp, err := m.checkpoints.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		m.logger.Warn().Msg("no checkpoint to restore")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := checkpoint.Restore(ctx, m.checkpoints, cp, m.entities); err != nil {
		return cp.Name, err
	}
	m.logger.Warn().Str("checkpoint", cp.Name).Str("cursor", cp.MigrationCursor).Msg("checkpoint restored")
	return cp.Name, nil
}

func (m *Manager) reset(ctx context.Context, force bool, reason string) (Result, error) {
	cur := m.flags.Current()
	if cur.Phase != phase.RolledBack || cur.RollingBack {
		return Result{}, faults.Validationf("reset", "phase is %s, reset only leaves %s", cur.Phase, phase.RolledBack)
	}
	if !force {
		remaining, err := m.CooldownRemaining(ctx)
		if err != nil {
			return Result{}, err
		}
		if remaining > 0 {
			return Result{}, faults.Validationf("reset", "rollback cooldown has %s remaining; use force to reset now", remaining.Truncate(time.Second))
		}
	}

	to := phase.None
	if _, err := m.flags.Propose(ctx, flags.Proposal{
		Actor:  flags.ActorOperator,
		Phase:  &to,
		Reason: reason,
	}); err != nil {
		return Result{}, err
	}
	if force {
		if err := m.ResetAttempts(ctx); err != nil {
			m.logger.Error().Err(err).Msg("reset rollback ledger failed")
		}
	}
	ev := m.record(ctx, audit.RollbackEvent{
		Trigger:   audit.TriggerManual,
		Reason:    reason,
		Mode:      "reset",
		FromPhase: phase.RolledBack,
		ToPhase:   phase.None,
	})
	m.logger.Info().Msg("phase reset to none")
	return Result{Event: ev}, nil
}

func (m *Manager) failed(ctx context.Context, ev audit.RollbackEvent, cur *flags.Set, err error) (Result, error) {
	ev.Error = err.Error()
	ev.ToPhase = cur.Phase
	ev = m.record(ctx, ev)
	m.incident(ctx, cur.Phase, "rollback", err, ev.Snapshot)
	m.notify(ctx, notify.Message{
		Title:    "Rollback failed",
		Text:     err.Error(),
		Severity: health.SeverityCritical,
		Phase:    cur.Phase,
	})
	return Result{Event: ev}, err
}

func (m *Manager) updateLedger(ctx context.Context, fn func(*state.RollbackLedger)) error {
	if m.ledger == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn(&m.memLedger)
		return nil
	}
	return m.ledger.Update(ctx, func(st *state.State) error {
		fn(&st.Rollback)
		return nil
	})
}

func (m *Manager) record(ctx context.Context, ev audit.RollbackEvent) audit.RollbackEvent {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if m.journal == nil {
		return ev
	}
	recorded, err := m.journal.RecordRollback(ctx, ev)
	if err != nil {
		m.logger.Error().Err(err).Msg("record rollback event failed")
		return ev
	}
	return recorded
}

func (m *Manager) incident(ctx context.Context, p phase.Phase, op string, err error, snapshot *health.Snapshot) {
	if m.journal == nil {
		return
	}
	if _, rerr := m.journal.RecordIncident(ctx, audit.Incident{Phase: p, Op: op, Error: err.Error(), Snapshot: snapshot}); rerr != nil {
		m.logger.Error().Err(rerr).Msg("record incident failed")
	}
}

func (m *Manager) notify(ctx context.Context, msg notify.Message) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Error().Err(err).Str("title", msg.Title).Msg("notification failed")
	}
}

func rollbackMessage(ev audit.RollbackEvent) notify.Message {
	title := "Manual rollback"
	if ev.Trigger == audit.TriggerAutomatic {
		title = "Automatic rollback"
	}
	fields := []notify.Field{
		{Name: "From", Value: ev.FromPhase.String()},
		{Name: "To", Value: ev.ToPhase.String()},
		{Name: "Mode", Value: ev.Mode},
		{Name: "Duration", Value: ev.Duration.Truncate(time.Millisecond).String()},
	}
	if ev.CheckpointUsed != "" {
		fields = append(fields, notify.Field{Name: "Checkpoint", Value: ev.CheckpointUsed})
	}
	if ev.Error != "" {
		fields = append(fields, notify.Field{Name: "Error", Value: ev.Error})
	}
	return notify.Message{
		Title:    title,
		Text:     ev.Reason,
		Severity: health.SeverityCritical,
		Phase:    ev.FromPhase,
		Fields:   fields,
	}
}
