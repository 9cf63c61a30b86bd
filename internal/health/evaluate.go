package health

import (
	"fmt"
	"sort"
	"time"

	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/telemetry"
)

// Evaluator tracks the consecutive and sustained conditions thresholds are
// defined over. It is not safe for concurrent use.
type Evaluator struct {
	phase        phase.Phase
	errorStreak  int
	missStreak   int
	latencySince map[string]time.Time
	raisedAt     map[string]time.Time
}

// NewEvaluator returns an Evaluator with no history.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		latencySince: map[string]time.Time{},
		raisedAt:     map[string]time.Time{},
	}
}

// Reset clears history, used when the phase changes.
func (e *Evaluator) Reset(p phase.Phase) {
	e.phase = p
	e.errorStreak = 0
	e.missStreak = 0
	e.latencySince = map[string]time.Time{}
	e.raisedAt = map[string]time.Time{}
}

// Evaluate compares s against t and returns the result plus the breaches to
// raise: those not present on the previous call, and critical ones that have
// persisted for t.RealertAfter since they were last raised.
func (e *Evaluator) Evaluate(s Snapshot, t Thresholds) (Result, []Breach) {
	if s.Phase != e.phase {
		e.Reset(s.Phase)
	}

	var breaches []Breach
	status := StatusOK

	if len(s.Missing) > 0 {
		e.missStreak++
		status = StatusDegraded
		if t.MissingLimit > 0 && e.missStreak >= t.MissingLimit {
			breaches = append(breaches, Breach{
				Key:      "missing",
				Severity: SeverityCritical,
				Reason:   fmt.Sprintf("metrics unavailable for %d consecutive cycles: %v", e.missStreak, s.Missing),
			})
		}
	} else {
		e.missStreak = 0
	}

	if s.Has(telemetry.ErrorRate) && t.ErrorRate > 0 {
		if s.ErrorRate > t.ErrorRate {
			e.errorStreak++
			if e.errorStreak >= t.ErrorRateWindows {
				breaches = append(breaches, Breach{
					Key:      "error_rate",
					Severity: SeverityCritical,
					Reason:   fmt.Sprintf("error rate %.4f > %.4f for %d consecutive windows", s.ErrorRate, t.ErrorRate, e.errorStreak),
				})
			}
		} else {
			e.errorStreak = 0
		}
	}

	breaches = e.sustained(breaches, "latency_p99", s.Has(telemetry.LatencyP99), s.LatencyP99, t.LatencyP99, t.LatencySustain, s.Timestamp, SeverityCritical)
	breaches = e.sustained(breaches, "latency_p50", s.Has(telemetry.LatencyP50), s.LatencyP50, t.LatencyP50, t.LatencySustain, s.Timestamp, SeverityWarning)

	if s.Has(telemetry.CPUPct) && t.CPUPct > 0 && s.CPUPct > t.CPUPct {
		breaches = append(breaches, Breach{Key: "cpu_pct", Severity: SeverityCritical, Reason: fmt.Sprintf("cpu %.1f%% > %.1f%%", s.CPUPct, t.CPUPct)})
	}
	if s.Has(telemetry.MemPct) && t.MemPct > 0 && s.MemPct > t.MemPct {
		breaches = append(breaches, Breach{Key: "mem_pct", Severity: SeverityCritical, Reason: fmt.Sprintf("memory %.1f%% > %.1f%%", s.MemPct, t.MemPct)})
	}
	if s.Has(telemetry.ShadowMismatchRate) && t.ShadowMismatchRate > 0 && s.ShadowMismatchRate > t.ShadowMismatchRate {
		breaches = append(breaches, Breach{
			Key:      "shadow_mismatch",
			Severity: SeverityWarning,
			Reason:   fmt.Sprintf("shadow mismatch rate %.4f > %.4f", s.ShadowMismatchRate, t.ShadowMismatchRate),
		})
	}

	if len(breaches) > 0 {
		status = StatusBreached
	}
	sort.SliceStable(breaches, func(i, j int) bool {
		return rank(breaches[i].Severity) > rank(breaches[j].Severity)
	})

	var raise []Breach
	raised := make(map[string]time.Time, len(breaches))
	for _, b := range breaches {
		last, active := e.raisedAt[b.Key]
		if active && !realertDue(b, last, s.Timestamp, t.RealertAfter) {
			raised[b.Key] = last
			continue
		}
		raise = append(raise, b)
		raised[b.Key] = s.Timestamp
	}
	e.raisedAt = raised

	return Result{Status: status, Snapshot: s, Breaches: breaches}, raise
}

// realertDue reports whether an ongoing breach should be raised again.
func realertDue(b Breach, last, now time.Time, every time.Duration) bool {
	return b.Severity == SeverityCritical && every > 0 && now.Sub(last) >= every
}

func (e *Evaluator) sustained(breaches []Breach, key string, present bool, value, limit, sustain time.Duration, now time.Time, severity Severity) []Breach {
	if !present || limit <= 0 {
		return breaches
	}
	if value <= limit {
		delete(e.latencySince, key)
		return breaches
	}
	since, ok := e.latencySince[key]
	if !ok {
		since = now
		e.latencySince[key] = now
	}
	if elapsed := now.Sub(since); elapsed >= sustain {
		breaches = append(breaches, Breach{
			Key:      key,
			Severity: severity,
			Reason:   fmt.Sprintf("%s %s > %s for %s", key, value, limit, elapsed.Truncate(time.Second)),
		})
	}
	return breaches
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of two severities.
func Worse(a, b Severity) Severity {
	if rank(b) > rank(a) {
		return b
	}
	return a
}
