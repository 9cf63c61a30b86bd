package router

import (
	"sync/atomic"

	"github.com/nholik/cutover/internal/backend"
)

// Stats are cumulative routing counters.
type Stats struct {
	Total            uint64 `json:"total"`
	Old              uint64 `json:"old"`
	New              uint64 `json:"new"`
	Shadowed         uint64 `json:"shadowed"`
	ShadowSkipped    uint64 `json:"shadow_skipped"`
	ShadowMatches    uint64 `json:"shadow_matches"`
	ShadowMismatches uint64 `json:"shadow_mismatches"`
	ShadowTimeouts   uint64 `json:"shadow_timeouts"`
	RuleMatches      uint64 `json:"rule_matches"`
	Errors           uint64 `json:"errors"`
}

// NewPercent is the observed share of primary traffic served by the new backend.
func (s Stats) NewPercent() float64 {
	served := s.Old + s.New
	if served == 0 {
		return 0
	}
	return float64(s.New) * 100 / float64(served)
}

// MismatchRate is the fraction of shadow comparisons that differed or were
// skipped for lack of a slot.
func (s Stats) MismatchRate() float64 {
	compared := s.ShadowMatches + s.ShadowMismatches
	if compared == 0 {
		return 0
	}
	return float64(s.ShadowMismatches) / float64(compared)
}

type counters struct {
	total            atomic.Uint64
	old              atomic.Uint64
	new              atomic.Uint64
	shadowed         atomic.Uint64
	shadowSkipped    atomic.Uint64
	shadowMatches    atomic.Uint64
	shadowMismatches atomic.Uint64
	shadowTimeouts   atomic.Uint64
	ruleMatches      atomic.Uint64
	errors           atomic.Uint64
}

func (c *counters) record(d Decision) {
	c.total.Add(1)
	if d.Shadow {
		c.shadowed.Add(1)
	}
	if d.Rule != "" {
		c.ruleMatches.Add(1)
	}
	if d.Backend == backend.New {
		c.new.Add(1)
	} else {
		c.old.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Total:            c.total.Load(),
		Old:              c.old.Load(),
		New:              c.new.Load(),
		Shadowed:         c.shadowed.Load(),
		ShadowSkipped:    c.shadowSkipped.Load(),
		ShadowMatches:    c.shadowMatches.Load(),
		ShadowMismatches: c.shadowMismatches.Load(),
		ShadowTimeouts:   c.shadowTimeouts.Load(),
		RuleMatches:      c.ruleMatches.Load(),
		Errors:           c.errors.Load(),
	}
}
