// Package phase defines the migration phase state machine.
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is a stage of the migration lifecycle.
type Phase int

const (
	None Phase = iota
	Shadow
	Canary
	StateMigration
	RampUp
	Full
	Decommissioned
	// RolledBack is a side state reachable from any phase.
	RolledBack
)

// ErrIllegalTransition is returned for a transition the state machine does not allow.
var ErrIllegalTransition = errors.New("illegal phase transition")

var names = map[Phase]string{
	None:           "none",
	Shadow:         "shadow",
	Canary:         "canary",
	StateMigration: "state-migration",
	RampUp:         "ramp-up",
	Full:           "full",
	Decommissioned: "decommissioned",
	RolledBack:     "rolled-back",
}

// Forward lists the phases in their forward order.
var Forward = []Phase{None, Shadow, Canary, StateMigration, RampUp, Full, Decommissioned}

func (p Phase) String() string {
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Parse converts a CLI or config name into a Phase. Underscores and dashes are interchangeable.
func Parse(value string) (Phase, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-")
	switch normalized {
	case "rollback", "rolledback":
		return RolledBack, nil
	case "statemigration":
		return StateMigration, nil
	case "rampup":
		return RampUp, nil
	}
	for p, name := range names {
		if name == normalized {
			return p, nil
		}
	}
	return None, fmt.Errorf("unknown phase %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if _, ok := names[p]; !ok {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Next returns the phase after p in forward order.
func (p Phase) Next() (Phase, bool) {
	if p >= Decommissioned {
		return p, false
	}
	return p + 1, true
}

// AtOrPast reports whether p is a forward phase at or beyond other.
func (p Phase) AtOrPast(other Phase) bool {
	return p != RolledBack && p >= other
}

// Terminal reports whether no further forward movement is possible.
func (p Phase) Terminal() bool {
	return p == Decommissioned || p == RolledBack
}

// CheckTransition validates from -> to. Skipping forward phases requires override.
func CheckTransition(from, to Phase, override bool) error {
	if _, ok := names[to]; !ok {
		return fmt.Errorf("%w: unknown target %d", ErrIllegalTransition, int(to))
	}
	switch {
	case to == RolledBack:
		return nil
	case from == RolledBack:
		if to != None {
			return fmt.Errorf("%w: %s -> %s (reset to none before retrying)", ErrIllegalTransition, from, to)
		}
		return nil
	case to == from:
		return nil
	case to < from:
		return fmt.Errorf("%w: %s -> %s moves backwards (use rollback)", ErrIllegalTransition, from, to)
	case to == from+1:
		return nil
	case override:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s skips phases without override", ErrIllegalTransition, from, to)
	}
}
