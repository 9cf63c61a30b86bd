package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/notify"
	"github.com/nholik/cutover/internal/orchestrator"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/rollback"
)

// Precheck probes the named components, or the default set when none are named.
func (c *Controller) Precheck(ctx context.Context, deep bool, components ...string) ([]orchestrator.Check, error) {
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.orch.Precheck(ctx, deep, components...)
}

// Advance moves the migration to target. Entities the old backend owns are
// discovered before state migration starts. When the advance ends in a
// rollback that another process executed without access to the entity
// database, the latest checkpoint is restored here.
func (c *Controller) Advance(ctx context.Context, target phase.Phase, p orchestrator.Params) (orchestrator.Report, error) {
	if err := c.Refresh(ctx); err != nil {
		return orchestrator.Report{}, err
	}
	if target == phase.StateMigration && !p.DryRun && c.engine != nil {
		if lister, ok := c.oldBackend.(backend.EntityLister); ok {
			added, err := c.engine.Discover(ctx, lister)
			if err != nil {
				return orchestrator.Report{}, fmt.Errorf("discover entities: %w", err)
			}
			c.logger.Info().Int("added", added).Msg("entities discovered")
		}
	}

	from := c.flags.Current().Phase
	report, err := c.orch.Advance(ctx, target, p)
	if err != nil && faults.Is(err, faults.KindRollback) && (from.AtOrPast(phase.StateMigration) || target == phase.StateMigration) {
		if rerr := c.restoreAfterRollback(context.WithoutCancel(ctx)); rerr != nil {
			c.logger.Error().Err(rerr).Msg("restore after rollback failed")
			return report, errors.Join(err, rerr)
		}
	}
	return report, err
}

// restoreAfterRollback restores the latest checkpoint unless the most recent
// rollback already did or was an emergency rollback, which leaves restore to
// the operator.
func (c *Controller) restoreAfterRollback(ctx context.Context) error {
	if c.entities == nil {
		return nil
	}
	events, err := c.journal.Rollbacks(ctx)
	if err != nil {
		return fmt.Errorf("read rollback log: %w", err)
	}
	if len(events) > 0 {
		last := events[len(events)-1]
		if last.CheckpointUsed != "" || last.Mode == string(rollback.ModeEmergency) {
			return nil
		}
	}
	cp, err := c.checkpoints.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		c.logger.Warn().Msg("rolled back with no checkpoint to restore")
		return nil
	}
	if err != nil {
		return faults.Checkpoint("restore after rollback", err)
	}
	if _, err := checkpoint.Restore(ctx, c.checkpoints, cp, c.entities); err != nil {
		return faults.Checkpoint("restore after rollback", err)
	}
	c.logger.Warn().Str("checkpoint", cp.Name).Str("cursor", cp.MigrationCursor).Msg("checkpoint restored after rollback")
	c.notify(ctx, notify.Message{
		Title:    "Checkpoint restored",
		Text:     fmt.Sprintf("Entity state restored from %s after rollback.", cp.Name),
		Severity: health.SeverityWarning,
		Phase:    c.flags.Current().Phase,
		Fields:   []notify.Field{{Name: "Cursor", Value: cp.MigrationCursor}},
	})
	return nil
}

// EnableFeature turns a sub-flag on. A percentage of zero keeps the flag's
// current percentage.
func (c *Controller) EnableFeature(ctx context.Context, name string, percentage int) (*flags.Set, error) {
	return c.setFeature(ctx, name, func(f flags.Flag) flags.Flag {
		f.Enabled = true
		if percentage != 0 {
			f.Percentage = percentage
		}
		return f
	})
}

// DisableFeature turns a sub-flag off.
func (c *Controller) DisableFeature(ctx context.Context, name string) (*flags.Set, error) {
	return c.setFeature(ctx, name, func(f flags.Flag) flags.Flag {
		f.Enabled = false
		return f
	})
}

func (c *Controller) setFeature(ctx context.Context, name string, change func(flags.Flag) flags.Flag) (*flags.Set, error) {
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	cur := c.flags.Current()
	f, ok := cur.Flag(name)
	if !ok {
		return nil, faults.Validationf("feature", "unknown feature %q (known: %v)", name, cur.FlagNames())
	}
	next := change(f)
	if next.Percentage < 0 || next.Percentage > 100 {
		return nil, faults.Validationf("feature", "percentage %d outside 0-100", next.Percentage)
	}
	if next == f {
		return cur, nil
	}
	return c.flags.Propose(ctx, flags.Proposal{
		Actor:         flags.ActorOperator,
		SubFlags:      map[string]flags.Flag{name: next},
		ExpectVersion: cur.Version,
		Reason:        fmt.Sprintf("feature %s set to enabled=%t percentage=%d", name, next.Enabled, next.Percentage),
	})
}

// Checkpoint captures the flags and entity arena under name. An empty name
// gets a generated one.
func (c *Controller) Checkpoint(ctx context.Context, name, description string) (checkpoint.Checkpoint, error) {
	if err := c.requireEntities("checkpoint"); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if err := c.Refresh(ctx); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	set := c.flags.Current()
	if name == "" {
		name = checkpoint.AutoName(set.Phase, c.now())
	}
	if err := checkpoint.ValidateName(name); err != nil {
		return checkpoint.Checkpoint{}, faults.Validation("checkpoint", err)
	}
	req, err := checkpoint.Capture(ctx, name, description, set, c.entities)
	if err != nil {
		return checkpoint.Checkpoint{}, faults.Checkpoint("checkpoint", err)
	}
	cp, err := c.checkpoints.Create(ctx, req)
	if errors.Is(err, checkpoint.ErrExists) {
		return checkpoint.Checkpoint{}, faults.Validation("checkpoint", err)
	}
	return cp, err
}

// Checkpoints lists checkpoints oldest first.
func (c *Controller) Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	return c.checkpoints.List(ctx)
}

// RestoreCheckpoint replaces the entity arena with a checkpoint's payload.
// Flags are not touched; traffic is moved only by rollback. Restoring while
// a migration is active requires force.
func (c *Controller) RestoreCheckpoint(ctx context.Context, name string, force bool) (checkpoint.Checkpoint, error) {
	if err := c.requireEntities("restore"); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if err := c.Refresh(ctx); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cur := c.flags.Current()
	if cur.Phase != phase.RolledBack && cur.Phase != phase.None && !force {
		return checkpoint.Checkpoint{}, faults.Validationf("restore", "phase is %s; restore entity state only after rolling back, or use force", cur.Phase)
	}
	cp, err := c.checkpoints.Get(ctx, name)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return checkpoint.Checkpoint{}, faults.Validation("restore", err)
	case err != nil && faults.KindOf(err) == "":
		return checkpoint.Checkpoint{}, faults.Checkpoint("restore", err)
	case err != nil:
		return checkpoint.Checkpoint{}, err
	}
	if _, err := checkpoint.Restore(ctx, c.checkpoints, cp, c.entities); err != nil {
		return checkpoint.Checkpoint{}, faults.Checkpoint("restore", err)
	}
	c.logger.Warn().Str("checkpoint", cp.Name).Str("phase", cur.Phase.String()).Bool("force", force).Msg("checkpoint restored")
	return cp, nil
}

// Requeue returns every Failed entity to Pending.
func (c *Controller) Requeue(ctx context.Context) (int, error) {
	if err := c.requireEntities("requeue"); err != nil {
		return 0, err
	}
	n, err := c.entities.Requeue(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Int("requeued", n).Msg("failed entities requeued")
	return n, nil
}

// Rollback performs a manual rollback.
func (c *Controller) Rollback(ctx context.Context, req rollback.Request) (rollback.Result, error) {
	if err := c.Refresh(ctx); err != nil {
		return rollback.Result{}, err
	}
	return c.rollback.ManualRollback(ctx, req)
}

func (c *Controller) notify(ctx context.Context, msg notify.Message) {
	if err := c.notifier.Notify(ctx, msg); err != nil {
		c.logger.Error().Err(err).Str("title", msg.Title).Msg("notification failed")
	}
}
