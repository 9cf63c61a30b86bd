// Package transition describes what changed between two flag snapshots and
// announces operator-visible changes.
package transition

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/notify"
	"github.com/rs/zerolog"
)

const defaultQueue = 32

// Change is one field that differs between snapshots.
type Change struct {
	Field    string `json:"field"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// FlagTransition captures the difference between two published snapshots.
type FlagTransition struct {
	FromVersion uint64
	ToVersion   uint64
	Actor       flags.Actor
	Reason      string
	Previous    *flags.Set
	Current     *flags.Set
	Changes     []Change
}

// Detect compares prev with next. A nil prev is treated as the initial snapshot.
func Detect(prev, next *flags.Set) FlagTransition {
	if prev == nil {
		prev = flags.Initial()
		prev.Version = 0
	}
	t := FlagTransition{
		FromVersion: prev.Version,
		ToVersion:   next.Version,
		Actor:       next.UpdatedBy,
		Reason:      next.Reason,
		Previous:    prev,
		Current:     next,
	}

	add := func(field, before, after string) {
		if before != after {
			t.Changes = append(t.Changes, Change{Field: field, Previous: before, Current: after})
		}
	}
	add("phase", prev.Phase.String(), next.Phase.String())
	add("split", prev.Split.String(), next.Split.String())
	add("rolling_back", fmt.Sprint(prev.RollingBack), fmt.Sprint(next.RollingBack))

	names := map[string]struct{}{}
	for _, n := range prev.FlagNames() {
		names[n] = struct{}{}
	}
	for _, n := range next.FlagNames() {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	for _, n := range sorted {
		add("flag."+n, describeFlag(prev, n), describeFlag(next, n))
	}

	add("rules", describeRules(prev.Rules), describeRules(next.Rules))
	return t
}

func describeFlag(s *flags.Set, name string) string {
	f, ok := s.Flag(name)
	if !ok {
		return "absent"
	}
	if !f.Enabled {
		return "off"
	}
	return fmt.Sprintf("on %d%%", f.Percentage)
}

func describeRules(rules []flags.Rule) string {
	if len(rules) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		parts = append(parts, fmt.Sprintf("%s:%s=%s->%s", r.Name, r.Attribute, r.Value, r.Action))
	}
	return strings.Join(parts, ",")
}

// Routine reports whether only the traffic split moved, which staged
// advances do many times per phase.
func (t FlagTransition) Routine() bool {
	for _, c := range t.Changes {
		if c.Field != "split" {
			return false
		}
	}
	return true
}

// Message renders t for operators.
func (t FlagTransition) Message() notify.Message {
	severity := health.SeverityInfo
	if t.Current.RollingBack || (t.Previous.Phase != t.Current.Phase && t.Current.Phase.Terminal()) {
		severity = health.SeverityWarning
	}
	fields := make([]notify.Field, 0, len(t.Changes)+1)
	for _, c := range t.Changes {
		fields = append(fields, notify.Field{Name: c.Field, Value: c.Previous + " → " + c.Current})
	}
	fields = append(fields, notify.Field{Name: "version", Value: fmt.Sprintf("%d → %d", t.FromVersion, t.ToVersion)})

	text := fmt.Sprintf("Flags changed by %s", t.Actor)
	if t.Reason != "" {
		text += ": " + t.Reason
	}
	return notify.Message{
		Title:    "Migration flags changed",
		Text:     text,
		Severity: severity,
		Phase:    t.Current.Phase,
		Fields:   fields,
	}
}

// Announcer delivers operator and sync transitions to a notifier off the
// publish path. The orchestrator and rollback manager report their own changes.
type Announcer struct {
	notifier notify.Notifier
	logger   zerolog.Logger
	queue    chan FlagTransition
}

// NewAnnouncer returns an Announcer for n.
func NewAnnouncer(n notify.Notifier, logger zerolog.Logger) *Announcer {
	return &Announcer{
		notifier: n,
		logger:   logger.With().Str("component", "transition").Logger(),
		queue:    make(chan FlagTransition, defaultQueue),
	}
}

// Observer returns the flag store observer feeding the announcer.
func (a *Announcer) Observer() flags.Observer {
	return func(prev, next *flags.Set) {
		t := Detect(prev, next)
		if t.Actor == flags.ActorRollback || t.Actor == flags.ActorOrchestrator || len(t.Changes) == 0 || t.Routine() {
			return
		}
		select {
		case a.queue <- t:
		default:
			a.logger.Warn().Uint64("version", t.ToVersion).Msg("announcement queue full, dropping transition")
		}
	}
}

// Run delivers queued transitions until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-a.queue:
			if err := a.notifier.Notify(ctx, t.Message()); err != nil {
				a.logger.Error().Err(err).Uint64("version", t.ToVersion).Msg("transition notification failed")
			}
		}
	}
}
