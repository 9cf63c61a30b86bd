package controller

import (
	"context"
	"errors"

	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/server"
	"golang.org/x/sync/errgroup"
)

// Serve runs the routing front door, the probe and metrics listeners, the
// health monitor, the rollback manager and the flag watcher until ctx is done.
func (c *Controller) Serve(ctx context.Context) error {
	if c.router == nil {
		return faults.Config("serve", errors.New("old and new backends must be configured"))
	}
	listeners := append(
		[]server.Listener{server.API(c.logger, c.cfg.ListenAddr, c.router, c.status)},
		server.Probes(c.tracker, c.plan.MonitorInterval(), c.metrics, c.cfg.HealthPort, c.cfg.MetricsPort)...,
	)

	c.logger.Info().
		Str("listen", c.cfg.ListenAddr).
		Str("phase", c.flags.Current().Phase.String()).
		Uint64("version", c.flags.Current().Version).
		Msg("starting cutover controller")

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			return server.Serve(gctx, c.logger, l)
		})
	}
	c.background(gctx, g)
	if c.announcer != nil {
		g.Go(func() error {
			return c.announcer.Run(gctx)
		})
	}

	err := g.Wait()
	c.router.Wait()
	c.logger.Info().Msg("cutover controller stopped")
	return err
}

// Background runs the monitor, the rollback manager and the flag watcher for
// a command that changes the migration while another process serves traffic.
// The returned function stops them and waits.
func (c *Controller) Background(ctx context.Context) func() error {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.background(gctx, g)
	return func() error {
		cancel()
		return g.Wait()
	}
}

func (c *Controller) background(ctx context.Context, g *errgroup.Group) {
	alerts, unsubscribe := c.alerts.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		return c.rollback.Run(ctx, alerts)
	})
	g.Go(func() error {
		return c.monitor.Run(ctx)
	})
	g.Go(func() error {
		return flags.NewWatcher(c.state.Path(), c.flags, c.state, c.logger).Run(ctx)
	})
}

func (c *Controller) status(ctx context.Context) (any, error) {
	return c.Status(ctx, true)
}
