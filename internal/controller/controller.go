// Package controller wires the migration components into one process and
// exposes the operations the CLI and the HTTP surface call.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nholik/cutover/internal/audit"
	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/config"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/events"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/healthcheck"
	"github.com/nholik/cutover/internal/metrics"
	"github.com/nholik/cutover/internal/migrate"
	"github.com/nholik/cutover/internal/notify"
	"github.com/nholik/cutover/internal/orchestrator"
	"github.com/nholik/cutover/internal/rollback"
	"github.com/nholik/cutover/internal/router"
	"github.com/nholik/cutover/internal/state"
	"github.com/nholik/cutover/internal/telemetry"
	"github.com/nholik/cutover/internal/transition"
	"github.com/rs/zerolog"
)

const backendRetries = 2

// entityMode selects whether Open attaches the entity database.
type entityMode int

const (
	entitiesNone entityMode = iota
	entitiesOptional
	entitiesRequired
)

type options struct {
	provider   telemetry.Provider
	oldBackend backend.Backend
	newBackend backend.Backend
	notifier   notify.Notifier
	entities   entity.Store
	entityMode entityMode
	transform  migrate.Transform
	serving    bool
	now        func() time.Time
}

// Option customizes Open.
type Option func(*options)

// WithProvider replaces the telemetry provider chosen from the config.
func WithProvider(p telemetry.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithBackends replaces the HTTP backends built from the config.
func WithBackends(oldBackend, newBackend backend.Backend) Option {
	return func(o *options) {
		o.oldBackend = oldBackend
		o.newBackend = newBackend
	}
}

// WithNotifier replaces the notifier built from the config.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithEntities opens the entity database. Open fails if it is locked by another process.
func WithEntities() Option {
	return func(o *options) {
		o.entityMode = entitiesRequired
	}
}

// WithOptionalEntities opens the entity database when it is available and
// carries on without checkpoint restore when it is not.
func WithOptionalEntities() Option {
	return func(o *options) {
		o.entityMode = entitiesOptional
	}
}

// WithEntityStore attaches an already open entity store. Close closes it.
func WithEntityStore(s entity.Store) Option {
	return func(o *options) {
		o.entities = s
		o.entityMode = entitiesRequired
	}
}

// WithTransform sets how entities are converted for the new backend.
func WithTransform(t migrate.Transform) Option {
	return func(o *options) {
		o.transform = t
	}
}

// Serving configures the long-running process: telemetry is measured from
// routed traffic unless an external provider is configured, every health
// cycle is persisted for other processes, and operator changes are announced.
func Serving() Option {
	return func(o *options) {
		o.serving = true
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Controller owns every component of one cutover process.
type Controller struct {
	logger zerolog.Logger
	cfg    config.Config
	plan   config.Plan
	now    func() time.Time

	metrics     *metrics.Metrics
	tracker     *healthcheck.Tracker
	state       *state.FileStore
	flags       *flags.Store
	phases      *events.Bus[events.PhaseChange]
	alerts      *events.Bus[health.Alert]
	checkpoints *checkpoint.FileStore
	entities    entity.Store
	journal     *audit.Journal
	notifier    notify.Notifier
	provider    telemetry.Provider
	monitor     *health.Monitor
	rollback    *rollback.Manager
	oldBackend  backend.Backend
	newBackend  backend.Backend
	router      *router.Router
	engine      *migrate.Engine
	orch        *orchestrator.Orchestrator
	announcer   *transition.Announcer

	closers []func() error
}

// Open builds a Controller from cfg and plan. The flag snapshot, history and
// rollback ledger are loaded from the state file.
func Open(ctx context.Context, logger zerolog.Logger, cfg config.Config, plan config.Plan, opts ...Option) (*Controller, error) {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		logger:  logger.With().Str("component", "controller").Logger(),
		cfg:     cfg,
		plan:    plan,
		now:     o.now,
		metrics: metrics.New(),
		tracker: healthcheck.NewTracker(),
		state:   state.NewFileStore(cfg.StatePath(), logger),
		phases:  events.NewBus[events.PhaseChange](),
		alerts:  events.NewBus[health.Alert](),
	}
	if err := c.open(ctx, logger, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) open(ctx context.Context, logger zerolog.Logger, o options) error {
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := c.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	c.flags = flags.NewStore(logger, st.Flags,
		flags.WithClock(c.now),
		flags.WithObserver(flags.PhaseChanges(c.phases)),
		flags.WithObserver(func(_, next *flags.Set) { c.metrics.SetFlagSet(next) }),
	)
	c.flags.SeedHistory(st.History)
	c.flags.Observe(state.Persist(c.state, c.flags, logger))
	c.metrics.SetFlagSet(c.flags.Current())

	c.checkpoints = checkpoint.NewFileStore(c.cfg.CheckpointDir(), logger, checkpoint.WithClock(c.now))
	c.journal = audit.NewJournal(c.cfg.DataDir, logger, audit.WithClock(c.now))

	if err := c.openEntities(logger, o); err != nil {
		return err
	}

	c.notifier = o.notifier
	if c.notifier == nil {
		if c.notifier, err = buildNotifier(logger, c.cfg); err != nil {
			return err
		}
	}
	if o.serving {
		c.announcer = transition.NewAnnouncer(c.notifier, logger)
		c.flags.Observe(c.announcer.Observer())
	}

	c.oldBackend, c.newBackend = o.oldBackend, o.newBackend
	if c.oldBackend == nil && c.newBackend == nil {
		if err := c.buildBackends(logger); err != nil {
			return err
		}
	}

	var window *telemetry.Window
	if c.oldBackend != nil && c.newBackend != nil {
		recorders := router.Recorders{c.metrics}
		if o.provider == nil && o.serving && c.cfg.PrometheusURL == "" && c.cfg.Influx.URL == "" {
			window = telemetry.NewWindow(backend.New, telemetry.WithWindowClock(c.now))
			recorders = append(recorders, window)
		}
		c.router = router.New(logger, c.flags, c.oldBackend, c.newBackend,
			router.WithRecorder(recorders),
			router.WithShadowTimeout(c.cfg.ShadowTimeout),
		)
	}

	if c.provider, err = c.buildProvider(logger, o, window); err != nil {
		return err
	}

	monitorOpts := []health.Option{
		health.WithRecorder(c.metrics),
		health.WithClock(c.now),
		health.WithCycleHook(c.tracker.Hook()),
	}
	if o.serving {
		monitorOpts = append(monitorOpts, health.WithCycleHook(c.persistHealth))
	}
	c.monitor = health.NewMonitor(logger, c.provider, c.flags, c.plan.Thresholds, c.alerts, monitorOpts...)

	rbOpts := []rollback.Option{
		rollback.WithConfig(c.plan.Rollback),
		rollback.WithJournal(c.journal),
		rollback.WithNotifier(c.notifier),
		rollback.WithLedger(c.state),
		rollback.WithRecorder(c.metrics),
		rollback.WithHealth(c.monitor),
	}
	if c.entities != nil {
		rbOpts = append(rbOpts, rollback.WithCheckpoints(c.checkpoints, c.entities))
	}
	c.rollback = rollback.NewManager(logger, c.flags, rbOpts...)

	if c.entities != nil {
		if target, ok := c.newBackend.(migrate.Target); ok {
			c.engine, err = migrate.New(logger, c.entities, target, o.transform,
				migrate.WithConfig(c.plan.Migration),
				migrate.WithCheckpoints(c.checkpoints, c.flags),
				migrate.WithRecorder(c.metrics),
			)
			if err != nil {
				return err
			}
		}
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithConfig(c.plan.Orchestrator),
		orchestrator.WithPhaseEvents(c.phases),
		orchestrator.WithPersister(c.state),
		orchestrator.WithNotifier(c.notifier),
		orchestrator.WithClock(c.now, time.After),
	}
	if c.oldBackend != nil && c.newBackend != nil {
		orchOpts = append(orchOpts, orchestrator.WithBackends(c.oldBackend, c.newBackend))
	}
	if c.entities != nil {
		orchOpts = append(orchOpts, orchestrator.WithCheckpoints(c.checkpoints, c.entities))
	}
	if c.engine != nil {
		orchOpts = append(orchOpts, orchestrator.WithMigrator(c.engine))
	}
	c.orch, err = orchestrator.New(logger, c.flags, c.monitor, c.rollback, orchOpts...)
	return err
}

func (c *Controller) openEntities(logger zerolog.Logger, o options) error {
	if o.entities != nil {
		c.entities = o.entities
		c.closers = append(c.closers, o.entities.Close)
		return nil
	}
	if o.entityMode == entitiesNone {
		return nil
	}
	store, err := entity.OpenBadger(c.cfg.EntityDir(), logger)
	if err != nil {
		if o.entityMode == entitiesOptional {
			c.logger.Warn().Err(err).Msg("entity database unavailable, checkpoint restore disabled")
			return nil
		}
		return fmt.Errorf("open entity database (is another cutover process running?): %w", err)
	}
	c.entities = store
	c.closers = append(c.closers, store.Close)
	return nil
}

func (c *Controller) buildBackends(logger zerolog.Logger) error {
	if c.cfg.OldURL == "" || c.cfg.NewURL == "" {
		return nil
	}
	oldBackend, err := backend.NewHTTP(backend.HTTPConfig{
		Name:     backend.Old,
		BaseURL:  c.cfg.OldURL,
		Timeout:  c.cfg.BackendTimeout,
		RetryMax: backendRetries,
	}, logger)
	if err != nil {
		return faults.Config("backends", err)
	}
	newBackend, err := backend.NewHTTP(backend.HTTPConfig{
		Name:     backend.New,
		BaseURL:  c.cfg.NewURL,
		Timeout:  c.cfg.BackendTimeout,
		RetryMax: backendRetries,
	}, logger)
	if err != nil {
		return faults.Config("backends", err)
	}
	c.oldBackend, c.newBackend = oldBackend, newBackend
	return nil
}

func (c *Controller) buildProvider(logger zerolog.Logger, o options, window *telemetry.Window) (telemetry.Provider, error) {
	switch {
	case o.provider != nil:
		return o.provider, nil
	case c.cfg.PrometheusURL != "":
		p, err := telemetry.NewPrometheus(c.cfg.PrometheusURL, c.plan.PromQL, logger)
		if err != nil {
			return nil, faults.Config("telemetry", err)
		}
		return p, nil
	case c.cfg.Influx.URL != "":
		p, err := telemetry.NewInflux(c.cfg.Influx, c.plan.Flux, logger)
		if err != nil {
			return nil, faults.Config("telemetry", err)
		}
		c.closers = append(c.closers, func() error { p.Close(); return nil })
		return p, nil
	case window != nil:
		c.logger.Info().Msg("no telemetry backend configured, measuring routed traffic in process")
		return window, nil
	default:
		return newSnapshotProvider(c.state, 2*c.plan.MonitorInterval(), c.now), nil
	}
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		w, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
		if err != nil {
			return nil, faults.Config("webhook notifier", err)
		}
		notifiers = append(notifiers, w)
	}

	var n notify.Notifier
	switch len(notifiers) {
	case 0:
		return notify.NewNoop(logger, "no notification channel configured, alerts are logged only"), nil
	case 1:
		n = notifiers[0]
	default:
		n = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.NotifyDryRun {
		return notify.NewDryRunNotifier(logger, n), nil
	}
	return n, nil
}

// persistHealth records each cycle so processes without telemetry access can read it.
func (c *Controller) persistHealth(res health.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := res.Snapshot
	if err := c.state.Update(ctx, func(st *state.State) error {
		st.LastHealth = &snap
		return nil
	}); err != nil {
		c.logger.Error().Err(err).Msg("persist health snapshot failed")
	}
}

// Refresh adopts a snapshot another process persisted since Open.
func (c *Controller) Refresh(ctx context.Context) error {
	set, err := c.state.LoadFlags(ctx)
	if err != nil {
		return fmt.Errorf("reload flags: %w", err)
	}
	c.flags.Adopt(set)
	return nil
}

// Flags returns the current snapshot.
func (c *Controller) Flags() *flags.Set {
	return c.flags.Current()
}

// Close releases the entity database and telemetry clients.
func (c *Controller) Close() error {
	if c.router != nil {
		c.router.Wait()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	c.alerts.Close()
	c.phases.Close()
	return errors.Join(errs...)
}

func (c *Controller) requireEntities(op string) error {
	if c.entities == nil {
		return faults.Validationf(op, "entity database is not open")
	}
	return nil
}
