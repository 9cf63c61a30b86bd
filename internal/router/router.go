// Package router sends each request to the old or new backend according to
// the current feature flag snapshot.
package router

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/phase"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultShadowTimeout     = 2 * time.Second
	defaultShadowConcurrency = 256
)

// Recorder receives one sample per backend invocation and per shadow comparison.
type Recorder interface {
	ObserveBackend(backend string, latency time.Duration, failed bool)
	ObserveShadow(match bool)
}

// FlagSource provides the current snapshot.
type FlagSource interface {
	Current() *flags.Set
}

// Decision records how a request was routed.
type Decision struct {
	Backend string
	Shadow  bool
	Rule    string
	Version uint64
}

// Router routes requests. It is safe for concurrent use.
type Router struct {
	flags         FlagSource
	oldBackend    backend.Backend
	newBackend    backend.Backend
	recorder      Recorder
	logger        zerolog.Logger
	shadowTimeout time.Duration
	shadowSlots   *semaphore.Weighted
	draw          func() float64
	stats         counters
	shadows       sync.WaitGroup
}

// Option customizes a Router.
type Option func(*Router)

// WithRecorder sets where latency and shadow samples go.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) {
		r.recorder = rec
	}
}

// WithShadowTimeout bounds how long a shadow call may run.
func WithShadowTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.shadowTimeout = d
		}
	}
}

// WithShadowConcurrency caps in-flight shadow calls. Requests beyond it are not
// shadowed and count as mismatches.
func WithShadowConcurrency(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.shadowSlots = semaphore.NewWeighted(n)
		}
	}
}

// WithRand overrides the uniform [0,1) source used for the weighted draw.
func WithRand(draw func() float64) Option {
	return func(r *Router) {
		r.draw = draw
	}
}

// New constructs a Router.
func New(logger zerolog.Logger, source FlagSource, oldBackend, newBackend backend.Backend, opts ...Option) *Router {
	r := &Router{
		flags:         source,
		oldBackend:    oldBackend,
		newBackend:    newBackend,
		recorder:      nopRecorder{},
		logger:        logger.With().Str("component", "router").Logger(),
		shadowTimeout: defaultShadowTimeout,
		shadowSlots:   semaphore.NewWeighted(defaultShadowConcurrency),
		draw:          rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route processes req on the backend the current snapshot selects.
func (r *Router) Route(ctx context.Context, req backend.Request) (backend.Response, error) {
	resp, _, err := r.RouteDecision(ctx, req)
	return resp, err
}

// RouteDecision is Route that also reports the routing decision.
func (r *Router) RouteDecision(ctx context.Context, req backend.Request) (backend.Response, Decision, error) {
	set := r.flags.Current()
	decision := r.decide(set, req)
	r.stats.record(decision)

	if decision.Shadow {
		resp, err := r.invoke(ctx, backend.Old, r.oldBackend, req)
		if r.shadowSlots.TryAcquire(1) {
			r.shadows.Add(1)
			go r.shadow(req, resp, err)
		} else {
			r.shadowSaturated(req)
		}
		return resp, decision, err
	}

	target := r.oldBackend
	if decision.Backend == backend.New {
		target = r.newBackend
	}
	resp, err := r.invoke(ctx, decision.Backend, target, req)
	return resp, decision, err
}

func (r *Router) decide(set *flags.Set, req backend.Request) Decision {
	d := Decision{Backend: backend.Old, Version: set.Version}
	if set.Phase == phase.RolledBack {
		return d
	}
	if !set.RollingBack {
		if f, ok := set.Flag(flags.ShadowMode); ok && f.Enabled && r.draw()*100 < float64(f.Percentage) {
			d.Shadow = true
			return d
		}
		for _, rule := range set.Rules {
			if req.Attributes[rule.Attribute] != rule.Value {
				continue
			}
			d.Rule = rule.Name
			if rule.Action == flags.ForceNew {
				d.Backend = backend.New
			}
			return d
		}
	}
	if r.draw()*100 < float64(set.Split.New) {
		d.Backend = backend.New
	}
	return d
}

func (r *Router) invoke(ctx context.Context, name string, b backend.Backend, req backend.Request) (backend.Response, error) {
	start := time.Now()
	resp, err := b.Process(ctx, req)
	failed := err != nil || resp.Failed()
	r.recorder.ObserveBackend(name, time.Since(start), failed)
	if failed {
		r.stats.errors.Add(1)
	}
	return resp, err
}

func (r *Router) shadow(req backend.Request, oldResp backend.Response, oldErr error) {
	defer r.shadows.Done()
	defer r.shadowSlots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), r.shadowTimeout)
	defer cancel()

	newResp, newErr := r.invoke(ctx, backend.New, r.newBackend, req)
	match := newErr == nil && oldErr == nil && oldResp.Equal(newResp)
	if newErr != nil && errors.Is(newErr, context.DeadlineExceeded) {
		r.stats.shadowTimeouts.Add(1)
	}
	if match {
		r.stats.shadowMatches.Add(1)
	} else {
		r.stats.shadowMismatches.Add(1)
		r.logger.Debug().
			Str("request_id", req.ID).
			Int("old_status", oldResp.Status).
			Int("new_status", newResp.Status).
			AnErr("new_error", newErr).
			Msg("shadow mismatch")
	}
	r.recorder.ObserveShadow(match)
}

// shadowSaturated records a request left unshadowed because every slot is
// taken. It counts as a mismatch.
func (r *Router) shadowSaturated(req backend.Request) {
	r.stats.shadowSkipped.Add(1)
	r.stats.shadowMismatches.Add(1)
	r.logger.Debug().Str("request_id", req.ID).Msg("shadow slots saturated")
	r.recorder.ObserveShadow(false)
}

// Stats returns cumulative routing counters.
func (r *Router) Stats() Stats {
	return r.stats.snapshot()
}

// Wait blocks until in-flight shadow calls finish.
func (r *Router) Wait() {
	r.shadows.Wait()
}

type nopRecorder struct{}

func (nopRecorder) ObserveBackend(string, time.Duration, bool) {}
func (nopRecorder) ObserveShadow(bool)                         {}

// Recorders fans samples out to several recorders.
type Recorders []Recorder

func (rs Recorders) ObserveBackend(name string, latency time.Duration, failed bool) {
	for _, rec := range rs {
		rec.ObserveBackend(name, latency, failed)
	}
}

func (rs Recorders) ObserveShadow(match bool) {
	for _, rec := range rs {
		rec.ObserveShadow(match)
	}
}
