package flags

import (
	"context"
	"time"

	"github.com/nholik/cutover/internal/events"
)

const phaseChangeTimeout = 2 * time.Second

// PhaseChanges returns an observer that announces every phase transition on bus.
// A subscriber that does not drain within a short timeout misses the event.
func PhaseChanges(bus *events.Bus[events.PhaseChange]) Observer {
	return func(prev, next *Set) {
		if prev.Phase == next.Phase {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), phaseChangeTimeout)
		defer cancel()
		bus.Publish(ctx, events.PhaseChange{
			From:    prev.Phase,
			To:      next.Phase,
			Version: next.Version,
			Actor:   string(next.UpdatedBy),
			At:      next.UpdatedAt,
		})
	}
}
