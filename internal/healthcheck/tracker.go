package healthcheck

import (
	"sync"
	"time"

	"github.com/nholik/cutover/internal/health"
)

// Snapshot describes the latest monitor cycle.
type Snapshot struct {
	LastCycleTime   *time.Time `json:"last_cycle_time"`
	CycleDurationMS int64      `json:"cycle_duration_ms"`
	Phase           string     `json:"phase,omitempty"`
	Status          string     `json:"status,omitempty"`
	Breaches        int        `json:"breaches"`
}

// Tracker records health monitor cycles for the probe endpoints.
type Tracker struct {
	mu            sync.RWMutex
	now           func() time.Time
	lastCycle     time.Time
	cycleDuration time.Duration
	result        health.Result
	ready         bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// RecordCycle updates cycle timing and readiness.
func (t *Tracker) RecordCycle(duration time.Duration, result health.Result) {
	if t == nil {
		return
	}
	now := t.now()
	t.mu.Lock()
	t.lastCycle = now
	t.cycleDuration = duration
	t.result = result
	t.ready = true
	t.mu.Unlock()
}

// Hook adapts the tracker to a monitor cycle hook. The cycle is timed from
// the snapshot timestamp.
func (t *Tracker) Hook() func(health.Result) {
	return func(r health.Result) {
		var d time.Duration
		if !r.Snapshot.Timestamp.IsZero() {
			d = t.now().Sub(r.Snapshot.Timestamp)
		}
		t.RecordCycle(d, r)
	}
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastCycle.IsZero() {
		value := t.lastCycle
		last = &value
	}
	snap := Snapshot{
		LastCycleTime:   last,
		CycleDurationMS: int64(t.cycleDuration / time.Millisecond),
		Status:          string(t.result.Status),
		Breaches:        len(t.result.Breaches),
	}
	if last != nil {
		snap.Phase = t.result.Snapshot.Phase.String()
	}
	return snap
}

// Ready reports whether at least one monitor cycle has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last cycle completed within 2x the poll interval.
func (t *Tracker) Healthy(now time.Time, pollInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) <= 2*pollInterval
}
