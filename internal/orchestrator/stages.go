package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
)

// Stage is one traffic step of Canary or RampUp. A stage passes when, after
// Soak, the latest health snapshot is within its limits.
type Stage struct {
	Percentage    int           `yaml:"percentage" json:"percentage"`
	Soak          time.Duration `yaml:"soak" json:"soak"`
	MaxErrorRate  float64       `yaml:"max_error_rate" json:"max_error_rate"`
	MaxLatencyP99 time.Duration `yaml:"max_latency_p99" json:"max_latency_p99"`
}

func (s Stage) String() string {
	return fmt.Sprintf("%d%%/%s", s.Percentage, s.Soak)
}

// check returns a reason when s is outside the stage limits.
func (s Stage) check(snap health.Snapshot) string {
	if s.MaxErrorRate > 0 && snap.ErrorRate > s.MaxErrorRate {
		return fmt.Sprintf("stage %d%%: error_rate %.4f exceeds %.4f", s.Percentage, snap.ErrorRate, s.MaxErrorRate)
	}
	if s.MaxLatencyP99 > 0 && snap.LatencyP99 > s.MaxLatencyP99 {
		return fmt.Sprintf("stage %d%%: latency_p99 %s exceeds %s", s.Percentage, snap.LatencyP99, s.MaxLatencyP99)
	}
	return ""
}

// DefaultCanaryStages grow traffic from 5% to 50% while the error target tightens.
func DefaultCanaryStages() []Stage {
	return []Stage{
		{Percentage: 5, Soak: 2 * time.Hour, MaxErrorRate: 0.001, MaxLatencyP99: 50 * time.Millisecond},
		{Percentage: 10, Soak: 4 * time.Hour, MaxErrorRate: 0.0008, MaxLatencyP99: 50 * time.Millisecond},
		{Percentage: 25, Soak: 8 * time.Hour, MaxErrorRate: 0.0005, MaxLatencyP99: 45 * time.Millisecond},
		{Percentage: 50, Soak: 24 * time.Hour, MaxErrorRate: 0.0005, MaxLatencyP99: 40 * time.Millisecond},
	}
}

// DefaultRampUpStages take the new backend from 75% to all traffic.
func DefaultRampUpStages() []Stage {
	return []Stage{
		{Percentage: 75, Soak: 4 * time.Hour, MaxErrorRate: 0.0005, MaxLatencyP99: 40 * time.Millisecond},
		{Percentage: 90, Soak: 8 * time.Hour, MaxErrorRate: 0.0003, MaxLatencyP99: 40 * time.Millisecond},
		{Percentage: 100, Soak: 24 * time.Hour, MaxErrorRate: 0.0003, MaxLatencyP99: 40 * time.Millisecond},
	}
}

func validateStages(name string, stages []Stage) error {
	last := 0
	for i, s := range stages {
		if s.Percentage <= 0 || s.Percentage > 100 {
			return fmt.Errorf("%s stage %d: percentage %d out of range", name, i+1, s.Percentage)
		}
		if s.Percentage <= last {
			return fmt.Errorf("%s stage %d: percentage %d must exceed %d", name, i+1, s.Percentage, last)
		}
		if s.Soak < 0 {
			return fmt.Errorf("%s stage %d: soak must not be negative", name, i+1)
		}
		last = s.Percentage
	}
	return nil
}

// planStages selects the stages to run when moving to target from a split of
// current percent new. A non-zero percentage caps the plan; a cap between two
// configured stages becomes a final stage borrowing the next stage's criteria.
func planStages(configured []Stage, current, percentage int) []Stage {
	stages := append([]Stage(nil), configured...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Percentage < stages[j].Percentage })

	var plan []Stage
	for _, s := range stages {
		if s.Percentage <= current {
			continue
		}
		if percentage > 0 && s.Percentage > percentage {
			if len(plan) == 0 || plan[len(plan)-1].Percentage < percentage {
				capped := s
				capped.Percentage = percentage
				plan = append(plan, capped)
			}
			return plan
		}
		plan = append(plan, s)
	}
	if percentage > 0 && percentage > current && (len(plan) == 0 || plan[len(plan)-1].Percentage < percentage) {
		final := Stage{Percentage: percentage}
		if len(stages) > 0 {
			final = stages[len(stages)-1]
			final.Percentage = percentage
		}
		plan = append(plan, final)
	}
	return plan
}

// stagesFor returns the configured stages of a staged phase.
func (c Config) stagesFor(p phase.Phase) []Stage {
	switch p {
	case phase.Canary:
		return c.CanaryStages
	case phase.RampUp:
		return c.RampUpStages
	}
	return nil
}
