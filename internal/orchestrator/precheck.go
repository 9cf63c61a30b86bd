package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
	"golang.org/x/sync/errgroup"
)

// Precondition components.
const (
	ComponentOld         = "old"
	ComponentNew         = "new"
	ComponentCheckpoints = "checkpoints"
	ComponentRollback    = "rollback"
	ComponentHealth      = "health"
	ComponentEntities    = "entities"
)

// Components lists every component Precheck knows, in report order.
var Components = []string{ComponentOld, ComponentNew, ComponentCheckpoints, ComponentRollback, ComponentHealth, ComponentEntities}

var shallow = []string{ComponentOld, ComponentNew, ComponentCheckpoints, ComponentRollback}

// Check is the outcome of one precondition.
type Check struct {
	Component string `json:"component"`
	Detail    string `json:"detail,omitempty"`
	Err       error  `json:"-"`
}

// OK reports whether the precondition passed.
func (c Check) OK() bool {
	return c.Err == nil
}

// Precheck probes the named components concurrently, or every shallow
// component when none are named. Deep also samples health and the entity arena.
func (o *Orchestrator) Precheck(ctx context.Context, deep bool, components ...string) ([]Check, error) {
	if len(components) == 0 {
		components = append([]string(nil), shallow...)
		if deep {
			components = append(components, ComponentHealth, ComponentEntities)
		}
	}
	for _, c := range components {
		if !known(c) {
			return nil, faults.Validationf("pre-check", "unknown component %q (want one of %s)", c, strings.Join(Components, ", "))
		}
	}

	var mu sync.Mutex
	checks := make([]Check, 0, len(components))
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, o.cfg.PrecheckTimeout)
			defer cancel()
			check := o.probe(pctx, c)
			mu.Lock()
			checks = append(checks, check)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(checks, func(i, j int) bool { return order(checks[i].Component) < order(checks[j].Component) })
	return checks, nil
}

func (o *Orchestrator) probe(ctx context.Context, component string) Check {
	check := Check{Component: component}
	switch component {
	case ComponentOld, ComponentNew:
		b, ok := o.backends[component]
		if !ok || b == nil {
			check.Err = fmt.Errorf("%s backend is not configured", component)
			return check
		}
		if err := backend.CheckHealth(ctx, b); err != nil {
			check.Err = fmt.Errorf("%s backend unhealthy: %w", component, err)
			return check
		}
		check.Detail = "healthy"
	case ComponentCheckpoints:
		if o.checkpoints == nil {
			check.Err = errors.New("checkpoint store is not configured")
			return check
		}
		if err := o.checkpoints.Ping(ctx); err != nil {
			check.Err = fmt.Errorf("checkpoint store unreachable: %w", err)
			return check
		}
		check.Detail = "reachable"
	case ComponentRollback:
		check.Err = o.rollbackResolved(ctx, o.flags.Current(), false)
		if check.Err == nil {
			check.Detail = "no rollback pending"
		}
	case ComponentHealth:
		res, err := o.health.Check(ctx)
		switch {
		case err != nil:
			check.Err = fmt.Errorf("health sample failed: %w", err)
		case res.Status != health.StatusOK:
			reasons := make([]string, 0, len(res.Breaches))
			for _, b := range res.Breaches {
				reasons = append(reasons, b.Reason)
			}
			check.Err = fmt.Errorf("health %s: %s", res.Status, strings.Join(reasons, "; "))
		default:
			check.Detail = res.Snapshot.String()
		}
	case ComponentEntities:
		if o.entities == nil {
			check.Detail = "no entity store configured"
			return check
		}
		counts, err := o.entities.Counts(ctx)
		if err != nil {
			check.Err = fmt.Errorf("count entities: %w", err)
			return check
		}
		check.Detail = fmt.Sprintf("pending=%d in_flight=%d done=%d failed=%d",
			counts[entity.StatusPending], counts[entity.StatusInFlight], counts[entity.StatusDone], counts[entity.StatusFailed])
		if counts[entity.StatusFailed] > 0 {
			check.Err = fmt.Errorf("%d entities failed migration and need requeue", counts[entity.StatusFailed])
		}
	}
	return check
}

func (o *Orchestrator) rollbackResolved(ctx context.Context, cur *flags.Set, ignoreCooldown bool) error {
	switch {
	case cur.RollingBack || o.rollback.InProgress():
		return flags.ErrRollbackInProgress
	case cur.Phase == phase.RolledBack:
		return errors.New("migration is rolled back; reset with rollback --to-phase none")
	case ignoreCooldown:
		return nil
	}
	remaining, err := o.rollback.CooldownRemaining(ctx)
	if err != nil {
		return fmt.Errorf("read rollback ledger: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("rollback cooldown active for another %s", remaining.Round(time.Second))
	}
	return nil
}

// preconditions runs the shallow checks and refuses to advance on any failure.
// An override skips the rollback cooldown.
func (o *Orchestrator) preconditions(ctx context.Context, cur *flags.Set, target phase.Phase, p Params) error {
	checks, err := o.Precheck(ctx, false, ComponentOld, ComponentNew, ComponentCheckpoints)
	if err != nil {
		return err
	}
	var failed []string
	for _, c := range checks {
		if !c.OK() {
			failed = append(failed, c.Err.Error())
		}
	}
	if err := o.rollbackResolved(ctx, cur, p.Override); err != nil {
		failed = append(failed, err.Error())
	}
	if target.AtOrPast(phase.RampUp) && !cur.Phase.AtOrPast(phase.RampUp) && o.entities != nil && !p.Override {
		counts, err := o.entities.Counts(ctx)
		if err != nil {
			return fmt.Errorf("count entities: %w", err)
		}
		if n := counts[entity.StatusFailed] + counts[entity.StatusPending] + counts[entity.StatusInFlight]; n > 0 {
			failed = append(failed, fmt.Sprintf("%d entities are not migrated", n))
		}
	}
	if len(failed) > 0 {
		return faults.Validationf("advance", "preconditions failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

func known(component string) bool {
	return order(component) < len(Components)
}

func order(component string) int {
	for i, c := range Components {
		if c == component {
			return i
		}
	}
	return len(Components)
}
