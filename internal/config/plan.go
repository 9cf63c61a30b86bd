package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/migrate"
	"github.com/nholik/cutover/internal/orchestrator"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/rollback"
	"github.com/nholik/cutover/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// Plan is the resolved migration plan: every value not set in the plan file
// keeps its default.
type Plan struct {
	Thresholds   health.PhaseThresholds
	Orchestrator orchestrator.Config
	Rollback     rollback.Config
	Migration    migrate.Config
	PromQL       telemetry.Queries
	Flux         telemetry.Queries
}

// DefaultPlan returns the plan used when no plan file is configured.
func DefaultPlan() Plan {
	return Plan{
		Thresholds:   health.DefaultPhaseThresholds(),
		Orchestrator: orchestrator.DefaultConfig(),
		Rollback:     rollback.DefaultConfig(),
		Migration:    migrate.DefaultConfig(),
		PromQL:       telemetry.DefaultPromQL(),
		Flux:         telemetry.DefaultFlux(),
	}
}

// planFile is the YAML layout:
//
//	health: {default: {...}, phases: {canary: {...}}}
//	orchestrator: {canary_stages: [...], ramp_up_stages: [...], stall_timeout: 10m}
//	rollback: {mode: gradual, gradual_duration: 2m, gradual_steps: 5}
//	migration: {workers: 8, batch_size: 100, lease_ttl: 1m}
//	queries: {promql: {error_rate: ...}, flux: {...}}
type planFile struct {
	Health struct {
		Default health.Thresholds    `yaml:"default"`
		Phases  map[string]yaml.Node `yaml:"phases"`
	} `yaml:"health"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Rollback     rollback.Config     `yaml:"rollback"`
	Migration    migrate.Config      `yaml:"migration"`
	Queries      struct {
		PromQL map[string]string `yaml:"promql"`
		Flux   map[string]string `yaml:"flux"`
	} `yaml:"queries"`
}

// LoadPlan parses a YAML plan file from the given path.
// Returns the default plan if path is empty.
func LoadPlan(path string) (Plan, error) {
	if path == "" {
		return DefaultPlan(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, faults.Config("plan", fmt.Errorf("read plan file: %w", err))
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// ParsePlan decodes and validates plan YAML.
func ParsePlan(data []byte) (Plan, error) {
	def := DefaultPlan()

	var pf planFile
	pf.Health.Default = def.Thresholds.Default
	pf.Orchestrator = def.Orchestrator
	pf.Rollback = def.Rollback
	pf.Migration = def.Migration
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Plan{}, faults.Config("plan", fmt.Errorf("parse plan file: %w", err))
	}

	plan, err := pf.resolve(def)
	if err != nil {
		return Plan{}, faults.Config("plan", err)
	}
	return plan, nil
}

func (pf planFile) resolve(def Plan) (Plan, error) {
	plan := Plan{
		Thresholds: health.PhaseThresholds{
			Default: pf.Health.Default,
			Phases:  map[phase.Phase]health.Thresholds{},
		},
		Orchestrator: pf.Orchestrator,
		Rollback:     pf.Rollback,
		Migration:    pf.Migration,
	}

	if err := validateThresholds("default", plan.Thresholds.Default); err != nil {
		return Plan{}, err
	}

	// A phase without an entry keeps its default cadence; one with an entry
	// starts from the plan's default limits.
	for p, t := range def.Thresholds.Phases {
		inherited := plan.Thresholds.Default
		inherited.Interval = t.Interval
		plan.Thresholds.Phases[p] = inherited
	}
	for name, node := range pf.Health.Phases {
		p, err := phase.Parse(name)
		if err != nil {
			return Plan{}, fmt.Errorf("health.phases: %w", err)
		}
		if p == phase.None || p == phase.RolledBack {
			return Plan{}, fmt.Errorf("health.phases: phase %s is never monitored", p)
		}
		t := plan.Thresholds.Default
		if err := node.Decode(&t); err != nil {
			return Plan{}, fmt.Errorf("health.phases.%s: %w", name, err)
		}
		if err := validateThresholds(name, t); err != nil {
			return Plan{}, err
		}
		plan.Thresholds.Phases[p] = t
	}

	if err := plan.Orchestrator.Validate(); err != nil {
		return Plan{}, fmt.Errorf("orchestrator: %w", err)
	}
	if err := plan.Rollback.Validate(); err != nil {
		return Plan{}, fmt.Errorf("rollback: %w", err)
	}
	if err := plan.Migration.Validate(); err != nil {
		return Plan{}, fmt.Errorf("migration: %w", err)
	}

	var err error
	if plan.PromQL, err = mergeQueries("promql", def.PromQL, pf.Queries.PromQL); err != nil {
		return Plan{}, err
	}
	if plan.Flux, err = mergeQueries("flux", def.Flux, pf.Queries.Flux); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func validateThresholds(name string, t health.Thresholds) error {
	switch {
	case t.Window <= 0:
		return fmt.Errorf("health %s: window must be positive", name)
	case t.Interval <= 0:
		return fmt.Errorf("health %s: interval must be positive", name)
	case t.Interval > t.Window:
		return fmt.Errorf("health %s: interval %s exceeds window %s", name, t.Interval, t.Window)
	case t.ErrorRate < 0 || t.ErrorRate > 1:
		return fmt.Errorf("health %s: error_rate must be a fraction", name)
	case t.ShadowMismatchRate < 0 || t.ShadowMismatchRate > 1:
		return fmt.Errorf("health %s: shadow_mismatch_rate must be a fraction", name)
	case t.CPUPct < 0 || t.CPUPct > 100 || t.MemPct < 0 || t.MemPct > 100:
		return fmt.Errorf("health %s: cpu_pct and mem_pct must be percentages", name)
	case t.LatencyP50 < 0 || t.LatencyP99 < 0 || t.LatencySustain < 0:
		return fmt.Errorf("health %s: latencies must not be negative", name)
	case t.LatencyP50 > 0 && t.LatencyP99 > 0 && t.LatencyP50 > t.LatencyP99:
		return fmt.Errorf("health %s: latency_p50 %s exceeds latency_p99 %s", name, t.LatencyP50, t.LatencyP99)
	case t.ErrorRateWindows < 0 || t.MissingLimit < 0:
		return fmt.Errorf("health %s: window counts must not be negative", name)
	case t.RealertAfter < 0:
		return fmt.Errorf("health %s: realert_after must not be negative", name)
	}
	return nil
}

func mergeQueries(name string, base telemetry.Queries, overrides map[string]string) (telemetry.Queries, error) {
	typed := make(map[telemetry.Metric]string, len(overrides))
	for key, query := range overrides {
		metric := telemetry.Metric(key)
		if !knownMetric(metric) {
			return nil, fmt.Errorf("queries.%s: unknown metric %q", name, key)
		}
		typed[metric] = query
	}
	return base.Merge(typed), nil
}

func knownMetric(m telemetry.Metric) bool {
	for _, known := range telemetry.Metrics {
		if known == m {
			return true
		}
	}
	return false
}

// MonitorInterval is the slowest health cadence in the plan. A monitor that
// has not completed a cycle within twice this is considered stuck.
func (p Plan) MonitorInterval() time.Duration {
	slowest := p.Thresholds.Default.Interval
	for _, t := range p.Thresholds.Phases {
		if t.Interval > slowest {
			slowest = t.Interval
		}
	}
	return slowest
}
