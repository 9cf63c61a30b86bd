package health

import (
	"time"

	"github.com/nholik/cutover/internal/phase"
)

// Thresholds are the limits for one phase. A zero limit disables that check.
type Thresholds struct {
	Window   time.Duration `yaml:"window"`
	Interval time.Duration `yaml:"interval"`

	ErrorRate        float64 `yaml:"error_rate"`
	ErrorRateWindows int     `yaml:"error_rate_windows"`

	LatencyP50     time.Duration `yaml:"latency_p50"`
	LatencyP99     time.Duration `yaml:"latency_p99"`
	LatencySustain time.Duration `yaml:"latency_sustain"`

	CPUPct float64 `yaml:"cpu_pct"`
	MemPct float64 `yaml:"mem_pct"`

	ShadowMismatchRate float64 `yaml:"shadow_mismatch_rate"`

	MissingLimit int `yaml:"missing_limit"`

	// RealertAfter is how long a critical breach may persist before it is raised again.
	RealertAfter time.Duration `yaml:"realert_after"`
}

// DefaultThresholds are the limits applied to every phase unless overridden.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:             5 * time.Minute,
		Interval:           5 * time.Second,
		ErrorRate:          0.001,
		ErrorRateWindows:   2,
		LatencyP50:         15 * time.Millisecond,
		LatencyP99:         50 * time.Millisecond,
		LatencySustain:     5 * time.Minute,
		CPUPct:             95,
		MemPct:             95,
		ShadowMismatchRate: 0.01,
		MissingLimit:       3,
		RealertAfter:       time.Minute,
	}
}

// PhaseThresholds holds per-phase overrides on top of Default.
type PhaseThresholds struct {
	Default Thresholds
	Phases  map[phase.Phase]Thresholds
}

// DefaultPhaseThresholds ticks faster while traffic is moving and slower once Full.
func DefaultPhaseThresholds() PhaseThresholds {
	base := DefaultThresholds()
	fast := base
	fast.Interval = 2 * time.Second
	slow := base
	slow.Interval = 10 * time.Second
	return PhaseThresholds{
		Default: base,
		Phases: map[phase.Phase]Thresholds{
			phase.Canary:         fast,
			phase.RampUp:         fast,
			phase.Full:           slow,
			phase.Decommissioned: slow,
		},
	}
}

// For returns the thresholds for p, with zero intervals and windows filled from Default.
func (pt PhaseThresholds) For(p phase.Phase) Thresholds {
	t, ok := pt.Phases[p]
	if !ok {
		return pt.Default
	}
	if t.Window <= 0 {
		t.Window = pt.Default.Window
	}
	if t.Interval <= 0 {
		t.Interval = pt.Default.Interval
	}
	if t.ErrorRateWindows <= 0 {
		t.ErrorRateWindows = pt.Default.ErrorRateWindows
	}
	if t.MissingLimit <= 0 {
		t.MissingLimit = pt.Default.MissingLimit
	}
	return t
}

// Active reports whether the monitor raises alerts in p.
func Active(p phase.Phase) bool {
	return p != phase.None && p != phase.RolledBack && p != phase.Decommissioned
}
