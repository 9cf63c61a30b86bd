package state

import (
	"context"
	"time"

	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
)

// RollbackLedger tracks automatic rollback attempts across processes.
type RollbackLedger struct {
	Attempts int       `json:"attempts"`
	LastAt   time.Time `json:"last_at,omitempty"`
}

// State is everything a cutover process persists besides checkpoints and entities.
type State struct {
	Flags      *flags.Set       `json:"flags"`
	History    []*flags.Set     `json:"history,omitempty"`
	LastHealth *health.Snapshot `json:"last_health,omitempty"`
	Rollback   RollbackLedger   `json:"rollback"`
}

// Fresh returns the state of a service that has never started a migration.
func Fresh() State {
	return State{Flags: flags.Initial()}
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Update(ctx context.Context, fn func(*State) error) error
}
