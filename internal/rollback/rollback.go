// Package rollback returns traffic to the old backend when health breaks or an
// operator asks, independently of whatever the orchestrator is doing.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nholik/cutover/internal/audit"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
)

// Mode selects how fast traffic is returned to the old backend.
type Mode string

const (
	// ModeImmediate sets the split to all-old in one step.
	ModeImmediate Mode = "immediate"
	// ModeGradual ramps the split down in discrete steps over a duration.
	ModeGradual Mode = "gradual"
	// ModeEmergency is immediate, ignores automatic-rollback limits and leaves
	// checkpoint restore to the operator.
	ModeEmergency Mode = "emergency"
)

// ParseMode parses a mode name.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeImmediate, "":
		return ModeImmediate, nil
	case ModeGradual:
		return ModeGradual, nil
	case ModeEmergency:
		return ModeEmergency, nil
	}
	return "", fmt.Errorf("unknown rollback mode %q", value)
}

// ErrNoCheckpoint is returned when a manual rollback past StateMigration has nothing to restore.
var ErrNoCheckpoint = errors.New("no checkpoint to restore")

// Config controls automatic rollback behavior.
type Config struct {
	Mode            Mode          `yaml:"mode"`
	GradualDuration time.Duration `yaml:"gradual_duration"`
	GradualSteps    int           `yaml:"gradual_steps"`
	Cooldown        time.Duration `yaml:"cooldown"`
	MaxAttempts     int           `yaml:"max_attempts"`
	// Timeout bounds every state change made after the decision to roll back.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig rolls back immediately and allows three automatic attempts per run.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeImmediate,
		GradualDuration: time.Minute,
		GradualSteps:    10,
		Cooldown:        5 * time.Minute,
		MaxAttempts:     3,
		Timeout:         30 * time.Second,
	}
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeGradual && (c.GradualSteps <= 0 || c.GradualDuration <= 0) {
		return errors.New("gradual rollback needs positive steps and duration")
	}
	if c.MaxAttempts < 0 || c.Cooldown < 0 {
		return errors.New("rollback limits must not be negative")
	}
	return nil
}

// Request is a manual rollback.
type Request struct {
	// TargetPhase is RolledBack (the default) or None, which also resets the
	// phase so the migration can be retried.
	TargetPhase phase.Phase
	// Force rolls back past StateMigration even when no checkpoint exists and
	// clears the automatic attempt ledger on reset.
	Force  bool
	Mode   Mode
	Reason string
}

// Result describes what a rollback call did.
type Result struct {
	Event audit.RollbackEvent
	// Coalesced is set when another rollback was already running.
	Coalesced bool
	// Skipped names why nothing was changed.
	Skipped string
}

// Executed reports whether this call performed a rollback.
func (r Result) Executed() bool {
	return !r.Coalesced && r.Skipped == ""
}

// FlagStore is the part of the flag store the manager writes through.
type FlagStore interface {
	Current() *flags.Set
	Propose(ctx context.Context, p flags.Proposal) (*flags.Set, error)
}

// Journal records rollbacks and incidents.
type Journal interface {
	RecordRollback(ctx context.Context, ev audit.RollbackEvent) (audit.RollbackEvent, error)
	RecordIncident(ctx context.Context, inc audit.Incident) (audit.Incident, error)
}

// Recorder receives rollback metrics.
type Recorder interface {
	IncRollbacks(trigger string)
}

// HealthSource reports the most recent health evaluation.
type HealthSource interface {
	Latest() (health.Result, bool)
}
