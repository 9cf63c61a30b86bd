package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/cutover/internal/audit"
	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/router"
	"github.com/nholik/cutover/internal/state"
)

// Status is the operator view of the migration.
type Status struct {
	Phase             phase.Phase           `json:"phase"`
	Version           uint64                `json:"version"`
	Split             flags.Split           `json:"split"`
	RollingBack       bool                  `json:"rolling_back"`
	SubFlags          map[string]flags.Flag `json:"sub_flags"`
	Rules             []flags.Rule          `json:"rules,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
	UpdatedBy         flags.Actor           `json:"updated_by"`
	Reason            string                `json:"reason,omitempty"`
	Health            *health.Snapshot      `json:"health,omitempty"`
	HealthStatus      health.Status         `json:"health_status,omitempty"`
	Entities          entity.Counts         `json:"entities,omitempty"`
	Rollback          state.RollbackLedger  `json:"rollback"`
	CooldownRemaining time.Duration         `json:"cooldown_remaining,omitempty"`

	Routing     *router.Stats           `json:"routing,omitempty"`
	History     []*flags.Set            `json:"history,omitempty"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints,omitempty"`
	Rollbacks   []audit.RollbackEvent   `json:"rollbacks,omitempty"`
}

// Status reports the current snapshot, the latest health reading and the
// rollback ledger. Detailed adds routing counters, flag history, checkpoints
// and the rollback log.
func (c *Controller) Status(ctx context.Context, detailed bool) (Status, error) {
	cur := c.flags.Current()
	s := Status{
		Phase:       cur.Phase,
		Version:     cur.Version,
		Split:       cur.Split,
		RollingBack: cur.RollingBack,
		SubFlags:    cur.SubFlags,
		Rules:       cur.Rules,
		UpdatedAt:   cur.UpdatedAt,
		UpdatedBy:   cur.UpdatedBy,
		Reason:      cur.Reason,
	}

	st, err := c.state.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	s.Rollback = st.Rollback
	if res, ok := c.monitor.Latest(); ok {
		snap := res.Snapshot
		s.Health, s.HealthStatus = &snap, res.Status
	} else {
		s.Health = st.LastHealth
	}
	if s.CooldownRemaining, err = c.rollback.CooldownRemaining(ctx); err != nil {
		return Status{}, err
	}
	if c.entities != nil {
		if s.Entities, err = c.entities.Counts(ctx); err != nil {
			return Status{}, fmt.Errorf("count entities: %w", err)
		}
		c.metrics.SetEntityCounts(s.Entities)
	}

	if !detailed {
		return s, nil
	}
	if c.router != nil {
		stats := c.router.Stats()
		s.Routing = &stats
	}
	s.History = c.flags.History()
	if s.Checkpoints, err = c.checkpoints.List(ctx); err != nil {
		return Status{}, faults.Checkpoint("list checkpoints", err)
	}
	if s.Rollbacks, err = c.journal.Rollbacks(ctx); err != nil {
		return Status{}, fmt.Errorf("read rollback log: %w", err)
	}
	return s, nil
}

// Export is everything an operator needs to reconstruct what happened.
type Export struct {
	ExportedAt  time.Time               `json:"exported_at"`
	Flags       *flags.Set              `json:"flags"`
	History     []*flags.Set            `json:"history,omitempty"`
	LastHealth  *health.Snapshot        `json:"last_health,omitempty"`
	Rollback    state.RollbackLedger    `json:"rollback"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	Entities    entity.Counts           `json:"entities,omitempty"`
	Cursor      string                  `json:"cursor,omitempty"`
	Rollbacks   []audit.RollbackEvent   `json:"rollbacks"`
	Incidents   []audit.Incident        `json:"incidents"`
}

// Export collects the persisted state, checkpoint list, entity counts and audit logs.
func (c *Controller) Export(ctx context.Context) (Export, error) {
	st, err := c.state.Load(ctx)
	if err != nil {
		return Export{}, err
	}
	ex := Export{
		ExportedAt: c.now(),
		Flags:      st.Flags,
		History:    st.History,
		LastHealth: st.LastHealth,
		Rollback:   st.Rollback,
	}
	if ex.Checkpoints, err = c.checkpoints.List(ctx); err != nil {
		return Export{}, faults.Checkpoint("list checkpoints", err)
	}
	if ex.Rollbacks, err = c.journal.Rollbacks(ctx); err != nil {
		return Export{}, fmt.Errorf("read rollback log: %w", err)
	}
	if ex.Incidents, err = c.journal.Incidents(ctx); err != nil {
		return Export{}, fmt.Errorf("read incident log: %w", err)
	}
	if c.entities != nil {
		if ex.Entities, err = c.entities.Counts(ctx); err != nil {
			return Export{}, fmt.Errorf("count entities: %w", err)
		}
		if ex.Cursor, err = c.entities.Cursor(ctx); err != nil {
			return Export{}, fmt.Errorf("read cursor: %w", err)
		}
	}
	return ex, nil
}

// ValidateImport checks that data is a well-formed export. Imports are never
// applied: writing a snapshot directly would bypass the phase state machine.
func ValidateImport(data []byte) (Export, error) {
	var ex Export
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ex); err != nil {
		return Export{}, faults.Validation("import", fmt.Errorf("decode export: %w", err))
	}
	if ex.Flags == nil {
		return Export{}, faults.Validationf("import", "export has no flag snapshot")
	}
	var problems []error
	if ex.Flags.Version == 0 {
		problems = append(problems, errors.New("flag snapshot has version 0"))
	}
	if err := ex.Flags.Split.Validate(); err != nil {
		problems = append(problems, err)
	}
	if (ex.Flags.Phase == phase.None || ex.Flags.Phase == phase.RolledBack) && !ex.Flags.RollingBack && ex.Flags.Split != flags.AllOld {
		problems = append(problems, fmt.Errorf("phase %s must route all traffic to the old backend, split is %s", ex.Flags.Phase, ex.Flags.Split))
	}
	for _, r := range ex.Flags.Rules {
		if err := r.Validate(); err != nil {
			problems = append(problems, err)
		}
	}
	var prev uint64
	for _, h := range ex.History {
		if h == nil || h.Version <= prev || h.Version >= ex.Flags.Version {
			problems = append(problems, errors.New("flag history is not strictly ordered before the current snapshot"))
			break
		}
		prev = h.Version
	}
	for _, cp := range ex.Checkpoints {
		if err := checkpoint.ValidateName(cp.Name); err != nil {
			problems = append(problems, err)
		}
	}
	if len(problems) > 0 {
		return Export{}, faults.Validation("import", errors.Join(problems...))
	}
	return ex, nil
}

// Violation is an entity store inconsistency found by Verify.
type Violation struct {
	Entity  string `json:"entity,omitempty"`
	Problem string `json:"problem"`
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Counts           entity.Counts `json:"counts"`
	Cursor           string        `json:"cursor"`
	Checkpoint       string        `json:"checkpoint,omitempty"`
	CheckpointCursor string        `json:"checkpoint_cursor,omitempty"`
	Violations       []Violation   `json:"violations,omitempty"`
	Warnings         []Violation   `json:"warnings,omitempty"`
}

// OK reports whether no violations were found.
func (r VerifyReport) OK() bool {
	return len(r.Violations) == 0
}

// Verify checks the entity store: no entity is in flight on an expired lease,
// every Done entity has a target representation, and the cursor has not moved
// behind the latest checkpoint.
func (c *Controller) Verify(ctx context.Context) (VerifyReport, error) {
	if err := c.requireEntities("verify"); err != nil {
		return VerifyReport{}, err
	}
	all, err := c.entities.All(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("read entities: %w", err)
	}
	var report VerifyReport
	if report.Counts, err = c.entities.Counts(ctx); err != nil {
		return VerifyReport{}, fmt.Errorf("count entities: %w", err)
	}
	if report.Cursor, err = c.entities.Cursor(ctx); err != nil {
		return VerifyReport{}, fmt.Errorf("read cursor: %w", err)
	}

	now := c.now()
	for _, e := range all {
		switch e.Status {
		case entity.StatusInFlight:
			if e.Lease == nil || !now.Before(e.Lease.ExpiresAt) {
				report.Violations = append(report.Violations, Violation{Entity: e.ID, Problem: "in flight without a live lease"})
			}
		case entity.StatusDone:
			if len(e.TargetRepr) == 0 {
				report.Violations = append(report.Violations, Violation{Entity: e.ID, Problem: "done without a target representation"})
			}
		case entity.StatusFailed:
			if e.LastError == "" {
				report.Warnings = append(report.Warnings, Violation{Entity: e.ID, Problem: "failed without a recorded error"})
			}
		}
	}

	cp, err := c.checkpoints.Latest(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
	case err != nil:
		return VerifyReport{}, faults.Checkpoint("latest checkpoint", err)
	default:
		report.Checkpoint, report.CheckpointCursor = cp.Name, cp.MigrationCursor
		if report.Cursor < cp.MigrationCursor {
			report.Warnings = append(report.Warnings, Violation{
				Problem: fmt.Sprintf("cursor %q is behind checkpoint %s cursor %q; entities were requeued or restored from an older checkpoint", report.Cursor, cp.Name, cp.MigrationCursor),
			})
		}
	}
	c.metrics.SetEntityCounts(report.Counts)
	return report, nil
}
