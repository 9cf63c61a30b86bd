// Package flags holds the feature flag snapshot that drives traffic routing
// and publishes new versions through a single compare-and-swap loop.
package flags

import (
	"fmt"
	"sort"
	"time"

	"github.com/nholik/cutover/internal/phase"
)

// Well-known sub-flag names.
const (
	ShadowMode     = "shadow_mode"
	StateMigration = "state_migration"
	AutoRollback   = "auto_rollback"
)

// Split is the share of traffic, in percent, served by each backend.
type Split struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// AllOld is the split every rollback converges to.
var AllOld = Split{Old: 100, New: 0}

// NewPercent returns a split sending pct percent of traffic to the new backend.
func NewPercent(pct int) Split {
	return Split{Old: 100 - pct, New: pct}
}

// Validate checks Old + New == 100 and both are within range.
func (s Split) Validate() error {
	if s.New < 0 || s.New > 100 || s.Old < 0 || s.Old > 100 {
		return fmt.Errorf("%w: %d/%d out of range", ErrInvalidSplit, s.Old, s.New)
	}
	if s.Old+s.New != 100 {
		return fmt.Errorf("%w: %d + %d != 100", ErrInvalidSplit, s.Old, s.New)
	}
	return nil
}

func (s Split) String() string {
	return fmt.Sprintf("%d/%d", s.Old, s.New)
}

// Flag is a named sub-feature toggle with an optional rollout percentage.
type Flag struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Percentage int  `json:"percentage" yaml:"percentage"`
}

// Action is what a targeting rule does to a matching request.
type Action string

const (
	ForceOld Action = "force-old"
	ForceNew Action = "force-new"
)

// Rule pins requests whose Attribute equals Value to one backend.
type Rule struct {
	Name      string `json:"name" yaml:"name"`
	Attribute string `json:"attribute" yaml:"attribute"`
	Value     string `json:"value" yaml:"value"`
	Action    Action `json:"action" yaml:"action"`
}

// Validate checks the rule is well-formed.
func (r Rule) Validate() error {
	if r.Attribute == "" {
		return fmt.Errorf("rule %q: attribute is required", r.Name)
	}
	if r.Action != ForceOld && r.Action != ForceNew {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	return nil
}

// Actor identifies who proposed a flag change.
type Actor string

const (
	ActorOrchestrator Actor = "orchestrator"
	ActorRollback     Actor = "rollback"
	ActorOperator     Actor = "operator"
	ActorSync         Actor = "sync"
)

// Set is an immutable flag snapshot. Never modify a Set returned by a Store.
type Set struct {
	Version     uint64          `json:"version"`
	Phase       phase.Phase     `json:"phase"`
	Split       Split           `json:"split"`
	SubFlags    map[string]Flag `json:"sub_flags"`
	RollingBack bool            `json:"rolling_back"`
	Rules       []Rule          `json:"rules,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	UpdatedBy   Actor           `json:"updated_by"`
	Reason      string          `json:"reason,omitempty"`
}

// Initial returns the version 1 snapshot: no migration, all traffic old.
func Initial() *Set {
	return &Set{
		Version: 1,
		Phase:   phase.None,
		Split:   AllOld,
		SubFlags: map[string]Flag{
			ShadowMode:     {Enabled: false, Percentage: 100},
			StateMigration: {Enabled: false, Percentage: 100},
			AutoRollback:   {Enabled: true, Percentage: 100},
		},
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: ActorSync,
	}
}

// Flag returns the named sub-flag.
func (s *Set) Flag(name string) (Flag, bool) {
	f, ok := s.SubFlags[name]
	return f, ok
}

// Enabled reports whether the named sub-flag is on.
func (s *Set) Enabled(name string) bool {
	f, ok := s.SubFlags[name]
	return ok && f.Enabled
}

// FlagNames returns the sub-flag names in sorted order.
func (s *Set) FlagNames() []string {
	names := make([]string, 0, len(s.SubFlags))
	for name := range s.SubFlags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Set) clone() *Set {
	next := *s
	next.SubFlags = make(map[string]Flag, len(s.SubFlags))
	for k, v := range s.SubFlags {
		next.SubFlags[k] = v
	}
	if s.Rules != nil {
		next.Rules = append([]Rule(nil), s.Rules...)
	}
	return &next
}

// checkPhaseSplit enforces the split each phase allows. Mid-rollback snapshots
// may carry any split while they ramp down.
func checkPhaseSplit(p phase.Phase, s Split, rollingBack bool) error {
	switch p {
	case phase.RolledBack, phase.None:
		if s != AllOld {
			return fmt.Errorf("%w: phase %s requires %s, got %s", ErrInvalidSplit, p, AllOld, s)
		}
	case phase.Shadow:
		if s.New != 0 && !rollingBack {
			return fmt.Errorf("%w: shadow serves no new traffic, got %s", ErrInvalidSplit, s)
		}
	case phase.Full, phase.Decommissioned:
		if s.New != 100 && !rollingBack {
			return fmt.Errorf("%w: phase %s requires 0/100, got %s", ErrInvalidSplit, p, s)
		}
	}
	return nil
}
