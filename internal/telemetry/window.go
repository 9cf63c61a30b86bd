package telemetry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	defaultResolution = time.Second
	defaultRetention  = 2 * time.Hour
	reservoirSize     = 256
)

type bucket struct {
	requests       int
	errors         int
	latencies      []time.Duration
	seen           int
	shadowMatch    int
	shadowMismatch int
}

type gauge struct {
	value float64
	at    time.Time
}

// Window is an in-process Provider fed directly by the router. It keeps
// per-second buckets for one backend and point-in-time gauges.
type Window struct {
	mu         sync.Mutex
	backend    string
	now        func() time.Time
	resolution time.Duration
	retention  time.Duration
	buckets    map[int64]*bucket
	gauges     map[Metric]gauge
}

// WindowOption customizes a Window.
type WindowOption func(*Window)

// WithWindowClock overrides the time source.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *Window) {
		w.now = now
	}
}

// WithRetention bounds how much history is kept.
func WithRetention(d time.Duration) WindowOption {
	return func(w *Window) {
		if d > 0 {
			w.retention = d
		}
	}
}

// NewWindow tracks samples for the named backend.
func NewWindow(backend string, opts ...WindowOption) *Window {
	w := &Window{
		backend:    backend,
		now:        time.Now,
		resolution: defaultResolution,
		retention:  defaultRetention,
		buckets:    map[int64]*bucket{},
		gauges:     map[Metric]gauge{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) slot(t time.Time) int64 {
	return t.UnixNano() / int64(w.resolution)
}

func (w *Window) current() *bucket {
	now := w.now()
	key := w.slot(now)
	b, ok := w.buckets[key]
	if !ok {
		b = &bucket{}
		w.buckets[key] = b
		oldest := w.slot(now.Add(-w.retention))
		for k := range w.buckets {
			if k < oldest {
				delete(w.buckets, k)
			}
		}
	}
	return b
}

// ObserveBackend implements router.Recorder.
func (w *Window) ObserveBackend(name string, latency time.Duration, failed bool) {
	if name != w.backend {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.current()
	b.requests++
	if failed {
		b.errors++
	}
	b.seen++
	if len(b.latencies) < reservoirSize {
		b.latencies = append(b.latencies, latency)
		return
	}
	// reservoir is bounded per bucket
	b.latencies[b.seen%reservoirSize] = latency
}

// ObserveShadow implements router.Recorder.
func (w *Window) ObserveShadow(match bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.current()
	if match {
		b.shadowMatch++
	} else {
		b.shadowMismatch++
	}
}

// SetGauge records a point-in-time value such as CPU percent.
func (w *Window) SetGauge(metric Metric, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gauges[metric] = gauge{value: value, at: w.now()}
}

// Read implements Provider.
func (w *Window) Read(ctx context.Context, metric Metric, window time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	since := w.slot(now.Add(-window))

	switch metric {
	case CPUPct, MemPct:
		g, ok := w.gauges[metric]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotConfigured, metric)
		}
		if now.Sub(g.at) > window {
			return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
		}
		return g.value, nil
	}

	var requests, errs, match, mismatch int
	var latencies []time.Duration
	for k, b := range w.buckets {
		if k < since {
			continue
		}
		requests += b.requests
		errs += b.errors
		match += b.shadowMatch
		mismatch += b.shadowMismatch
		latencies = append(latencies, b.latencies...)
	}

	switch metric {
	case ErrorRate:
		if requests == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
		}
		return float64(errs) / float64(requests), nil
	case LatencyP50:
		return quantile(latencies, 0.5, metric)
	case LatencyP99:
		return quantile(latencies, 0.99, metric)
	case ShadowMismatchRate:
		if match+mismatch == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
		}
		return float64(mismatch) / float64(match+mismatch), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotConfigured, metric)
}

func quantile(latencies []time.Duration, q float64, metric Metric) (float64, error) {
	if len(latencies) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoData, metric)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(math.Ceil(q*float64(len(latencies)))) - 1
	if idx < 0 {
		idx = 0
	}
	return latencies[idx].Seconds(), nil
}
