// Package audit keeps the append-only rollback and incident logs.
package audit

import (
	"time"

	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
)

// Trigger records what started a rollback.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// RollbackEvent is one completed or attempted rollback.
type RollbackEvent struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	Trigger        Trigger          `json:"trigger"`
	Reason         string           `json:"reason"`
	Mode           string           `json:"mode"`
	FromPhase      phase.Phase      `json:"from_phase"`
	ToPhase        phase.Phase      `json:"to_phase"`
	CheckpointUsed string           `json:"checkpoint_used,omitempty"`
	Snapshot       *health.Snapshot `json:"snapshot,omitempty"`
	Duration       time.Duration    `json:"duration"`
	Error          string           `json:"error,omitempty"`
}

// Incident is an unrecoverable error that needs operator attention.
type Incident struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Phase     phase.Phase      `json:"phase"`
	Op        string           `json:"op"`
	Error     string           `json:"error"`
	Snapshot  *health.Snapshot `json:"snapshot,omitempty"`
}
