// Package health evaluates live telemetry against per-phase thresholds and
// raises alerts when the migration exceeds its error budget.
package health

import (
	"fmt"
	"time"

	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/telemetry"
)

// Status summarizes the latest evaluation.
type Status string

const (
	StatusOK       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusBreached Status = "BREACHED"
)

// Severity grades an alert. Critical alerts trigger automatic rollback.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Snapshot is one reading of every health signal over the evaluation window.
type Snapshot struct {
	Timestamp          time.Time          `json:"timestamp"`
	Phase              phase.Phase        `json:"phase"`
	Window             time.Duration      `json:"window"`
	ErrorRate          float64            `json:"error_rate"`
	LatencyP50         time.Duration      `json:"latency_p50"`
	LatencyP99         time.Duration      `json:"latency_p99"`
	CPUPct             float64            `json:"cpu_pct"`
	MemPct             float64            `json:"mem_pct"`
	ShadowMismatchRate float64            `json:"shadow_mismatch_rate"`
	Missing            []telemetry.Metric `json:"missing,omitempty"`
	Skipped            []telemetry.Metric `json:"skipped,omitempty"`
}

// Has reports whether the metric was read successfully.
func (s Snapshot) Has(m telemetry.Metric) bool {
	for _, missing := range s.Missing {
		if missing == m {
			return false
		}
	}
	for _, skipped := range s.Skipped {
		if skipped == m {
			return false
		}
	}
	return true
}

func (s Snapshot) String() string {
	return fmt.Sprintf("error_rate=%.4f p50=%s p99=%s cpu=%.1f%% mem=%.1f%% shadow_mismatch=%.4f",
		s.ErrorRate, s.LatencyP50, s.LatencyP99, s.CPUPct, s.MemPct, s.ShadowMismatchRate)
}

// Breach is one threshold violation.
type Breach struct {
	Key      string   `json:"key"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// Alert is published on the bus when a breach first appears.
type Alert struct {
	ID       string    `json:"id"`
	Severity Severity  `json:"severity"`
	Reason   string    `json:"reason"`
	Snapshot Snapshot  `json:"snapshot"`
	At       time.Time `json:"at"`
}

// Result is the outcome of one evaluation cycle.
type Result struct {
	Status   Status   `json:"status"`
	Snapshot Snapshot `json:"snapshot"`
	Breaches []Breach `json:"breaches,omitempty"`
}

// Critical reports whether any breach is critical.
func (r Result) Critical() bool {
	for _, b := range r.Breaches {
		if b.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
