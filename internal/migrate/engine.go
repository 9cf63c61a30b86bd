// Package migrate converts entities from the old representation to the new one
// in leased batches, validating every write by read-back checksum.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/phase"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrChecksumMismatch is recorded when the read-back representation differs from what was written.
var ErrChecksumMismatch = errors.New("read-back checksum mismatch")

// Transform converts an entity's source representation. It must be deterministic.
type Transform func(ctx context.Context, e entity.Entity) ([]byte, error)

// Identity stores the source representation unchanged.
func Identity(_ context.Context, e entity.Entity) ([]byte, error) {
	return append([]byte(nil), e.SourceRepr...), nil
}

// Target is the new backend as seen by the engine.
type Target interface {
	backend.EntityWriter
	backend.EntityReader
}

// FlagSource provides the snapshot recorded with each checkpoint.
type FlagSource interface {
	Current() *flags.Set
}

// Recorder receives entity status gauges.
type Recorder interface {
	SetEntityCounts(counts entity.Counts)
}

// Config tunes the engine.
type Config struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WriteRetries int           `yaml:"write_retries"`
}

// DefaultConfig returns four workers leasing fifty entities for thirty seconds.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchSize:    50,
		LeaseTTL:     30 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxAttempts:  3,
		WriteRetries: 2,
	}
}

// Validate checks the config. A write must give up before its lease expires.
func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return errors.New("workers must be positive")
	case c.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case c.MaxAttempts <= 0:
		return errors.New("max attempts must be positive")
	case c.WriteTimeout <= 0 || c.LeaseTTL <= 0:
		return errors.New("lease ttl and write timeout must be positive")
	case c.WriteTimeout >= c.LeaseTTL:
		return fmt.Errorf("write timeout %s must be shorter than lease ttl %s", c.WriteTimeout, c.LeaseTTL)
	case c.WriteRetries < 0:
		return errors.New("write retries must not be negative")
	}
	return nil
}

// BatchResult summarizes one MigrateBatch call.
type BatchResult struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	// Verified counts entities whose new representation was already present and correct.
	Verified int `json:"verified"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	// Lost counts entities whose lease expired before the worker finished or
	// that were abandoned on cancellation. Their leases expire back to Pending.
	Lost       int           `json:"lost"`
	Cursor     string        `json:"cursor"`
	Checkpoint string        `json:"checkpoint,omitempty"`
	Remaining  int           `json:"remaining"`
	Counts     entity.Counts `json:"counts"`
	Duration   time.Duration `json:"duration"`
}

// Progress reports whether the batch moved any entity to a terminal status.
func (r BatchResult) Progress() bool {
	return r.Done+r.Failed > 0
}

// Engine migrates entities. It is safe for concurrent callers.
type Engine struct {
	entities    entity.Store
	target      Target
	transform   Transform
	checkpoints checkpoint.Store
	flags       FlagSource
	recorder    Recorder
	cfg         Config
	logger      zerolog.Logger
	owner       string
	seq         atomic.Uint64
	now         func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithCheckpoints records a checkpoint after every batch that made progress.
func WithCheckpoints(store checkpoint.Store, source FlagSource) Option {
	return func(e *Engine) {
		e.checkpoints = store
		e.flags = source
	}
}

// WithRecorder sets where entity counts are published.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithOwner sets the lease owner prefix, which defaults to a random id.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		e.owner = owner
	}
}

// New constructs an Engine. A nil transform means Identity.
func New(logger zerolog.Logger, entities entity.Store, target Target, transform Transform, opts ...Option) (*Engine, error) {
	if transform == nil {
		transform = Identity
	}
	e := &Engine{
		entities:  entities,
		target:    target,
		transform: transform,
		cfg:       DefaultConfig(),
		logger:    logger.With().Str("component", "migrate").Logger(),
		owner:     "worker-" + uuid.NewString()[:8],
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, faults.Config("migrate config", err)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeVerified
	outcomeRetried
	outcomeFailed
	outcomeLost
)

// MigrateBatch claims up to batchSize claimable entities and migrates them with
// at most Workers in parallel. Each worker renews the lease before touching the
// target and gives up on entities another owner has since claimed. Per-entity
// failures are recorded on the entity; the returned error is reserved for store
// and checkpoint failures.
func (e *Engine) MigrateBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	started := time.Now()
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	owner := fmt.Sprintf("%s-%d", e.owner, e.seq.Add(1))

	claimed, err := e.entities.Claim(ctx, owner, batchSize, e.cfg.LeaseTTL)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim entities: %w", err)
	}
	result := BatchResult{Claimed: len(claimed)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, ent := range claimed {
		g.Go(func() error {
			out, err := e.migrateOne(gctx, owner, ent)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeDone:
				result.Done++
			case outcomeVerified:
				result.Done++
				result.Verified++
			case outcomeRetried:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			case outcomeLost:
				result.Lost++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := e.summarize(ctx, &result); err != nil {
		return result, err
	}
	if result.Progress() && e.checkpoints != nil {
		name, err := e.checkpoint(ctx, result)
		if err != nil {
			return result, err
		}
		result.Checkpoint = name
	}
	result.Duration = time.Since(started)

	e.logger.Info().
		Int("claimed", result.Claimed).
		Int("done", result.Done).
		Int("verified", result.Verified).
		Int("retried", result.Retried).
		Int("failed", result.Failed).
		Int("lost", result.Lost).
		Int("remaining", result.Remaining).
		Str("cursor", result.Cursor).
		Dur("duration", result.Duration).
		Msg("migration batch complete")
	return result, nil
}

func (e *Engine) summarize(ctx context.Context, result *BatchResult) error {
	counts, err := e.entities.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count entities: %w", err)
	}
	cursor, err := e.entities.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	result.Counts = counts
	result.Cursor = cursor
	result.Remaining = counts[entity.StatusPending] + counts[entity.StatusInFlight]
	if e.recorder != nil {
		e.recorder.SetEntityCounts(counts)
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, result BatchResult) (string, error) {
	var set *flags.Set
	p := phase.StateMigration
	if e.flags != nil {
		set = e.flags.Current()
		p = set.Phase
	}
	name := checkpoint.AutoName(p, e.now())
	desc := fmt.Sprintf("after batch: %d done, %d failed, cursor %q", result.Done, result.Failed, result.Cursor)
	req, err := checkpoint.Capture(ctx, name, desc, set, e.entities)
	if err != nil {
		return "", faults.Checkpoint("capture batch checkpoint", err)
	}
	cp, err := e.checkpoints.Create(ctx, req)
	if err != nil {
		return "", faults.Checkpoint("create batch checkpoint", err)
	}
	return cp.Name, nil
}

// migrateOne processes one leased entity. It returns an error only when the
// entity store itself fails.
func (e *Engine) migrateOne(ctx context.Context, owner string, ent entity.Entity) (outcome, error) {
	log := e.logger.With().Str("entity", ent.ID).Logger()
	if err := ctx.Err(); err != nil {
		return outcomeLost, nil
	}

	// The entity may have waited for a free worker longer than its lease.
	// Nothing touches the target unless the lease is still ours.
	renewed, err := e.entities.Renew(ctx, ent.ID, owner, e.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, entity.ErrLeaseLost) {
			log.Warn().Msg("lease taken over before work started")
			return outcomeLost, nil
		}
		if ctx.Err() != nil {
			return outcomeLost, nil
		}
		return 0, fmt.Errorf("renew lease on %s: %w", ent.ID, err)
	}
	ent = renewed

	// WriteTimeout is shorter than the fresh lease, so completion lands inside it.
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()

	want, err := e.transform(wctx, ent)
	if err != nil {
		return e.fail(ctx, owner, ent, fmt.Errorf("transform: %w", err))
	}
	sum := entity.Checksum(want)

	// A previous attempt may have written before it could record completion.
	verified := false
	if got, err := e.target.ReadEntity(wctx, ent.ID); err == nil && entity.Checksum(got) == sum {
		verified = true
	} else if err != nil && !errors.Is(err, backend.ErrNotFound) {
		log.Debug().Err(err).Msg("pre-write read failed")
	}

	if !verified {
		write := func() error { return e.target.WriteEntity(wctx, ent.ID, want) }
		policy := backoff.WithContext(backoff.WithMaxRetries(newWriteBackOff(), uint64(e.cfg.WriteRetries)), wctx)
		if err := backoff.Retry(write, policy); err != nil {
			return e.fail(ctx, owner, ent, fmt.Errorf("write: %w", err))
		}
		got, err := e.target.ReadEntity(wctx, ent.ID)
		if err != nil {
			return e.fail(ctx, owner, ent, fmt.Errorf("read back: %w", err))
		}
		if entity.Checksum(got) != sum {
			return e.fail(ctx, owner, ent, ErrChecksumMismatch)
		}
	}

	if err := e.entities.Complete(ctx, ent.ID, owner, want); err != nil {
		if errors.Is(err, entity.ErrLeaseLost) {
			log.Warn().Msg("lease expired before completion")
			return outcomeLost, nil
		}
		return 0, fmt.Errorf("complete %s: %w", ent.ID, err)
	}
	if verified {
		return outcomeVerified, nil
	}
	return outcomeDone, nil
}

func (e *Engine) fail(ctx context.Context, owner string, ent entity.Entity, cause error) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeLost, nil
	}
	status, err := e.entities.Fail(ctx, ent.ID, owner, cause, e.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, entity.ErrLeaseLost) {
			return outcomeLost, nil
		}
		return 0, fmt.Errorf("record failure of %s: %w", ent.ID, err)
	}
	event := e.logger.Warn()
	if status == entity.StatusFailed {
		event = e.logger.Error()
	}
	event.Err(cause).Str("entity", ent.ID).Int("attempt", ent.AttemptCount+1).Str("status", string(status)).Msg("entity migration failed")
	if status == entity.StatusFailed {
		return outcomeFailed, nil
	}
	return outcomeRetried, nil
}

func newWriteBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}
