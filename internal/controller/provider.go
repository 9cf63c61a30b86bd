package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/state"
	"github.com/nholik/cutover/internal/telemetry"
)

// snapshotProvider reads the health snapshot the serving process persisted.
// A snapshot older than maxAge reads as no data.
type snapshotProvider struct {
	state  state.Store
	maxAge time.Duration
	now    func() time.Time
}

func newSnapshotProvider(s state.Store, maxAge time.Duration, now func() time.Time) *snapshotProvider {
	return &snapshotProvider{state: s, maxAge: maxAge, now: now}
}

func (p *snapshotProvider) Read(ctx context.Context, metric telemetry.Metric, _ time.Duration) (float64, error) {
	st, err := p.state.Load(ctx)
	if err != nil {
		return 0, err
	}
	snap := st.LastHealth
	if snap == nil {
		return 0, telemetry.ErrNoData
	}
	if age := p.now().Sub(snap.Timestamp); age > p.maxAge {
		return 0, fmt.Errorf("%w: last persisted snapshot is %s old", telemetry.ErrNoData, age.Truncate(time.Second))
	}
	for _, m := range snap.Skipped {
		if m == metric {
			return 0, telemetry.ErrNotConfigured
		}
	}
	for _, m := range snap.Missing {
		if m == metric {
			return 0, telemetry.ErrNoData
		}
	}
	return value(*snap, metric)
}

func value(s health.Snapshot, metric telemetry.Metric) (float64, error) {
	switch metric {
	case telemetry.ErrorRate:
		return s.ErrorRate, nil
	case telemetry.LatencyP50:
		return s.LatencyP50.Seconds(), nil
	case telemetry.LatencyP99:
		return s.LatencyP99.Seconds(), nil
	case telemetry.CPUPct:
		return s.CPUPct, nil
	case telemetry.MemPct:
		return s.MemPct, nil
	case telemetry.ShadowMismatchRate:
		return s.ShadowMismatchRate, nil
	}
	return 0, telemetry.ErrNotConfigured
}
