package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/nholik/cutover/internal/config"
	"github.com/nholik/cutover/internal/controller"
	"github.com/nholik/cutover/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries the streams, the loaded configuration and the logger every
// command shares.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// extra is appended to every controller.Open call.
	extra []controller.Option

	cfg     config.Config
	plan    config.Plan
	logger  zerolog.Logger
	asJSON  bool
	started bool
}

func newRootCmd(a *app) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:   "cutover",
		Short: "Phased, reversible migration from an old implementation to a new one",
		Long: `cutover moves traffic and state from an old service implementation to a new one
through shadow, canary, state-migration, ramp-up and full phases. Health is
watched throughout and any breach rolls traffic back to the old implementation.

Configuration is read from CUTOVER_* environment variables and an optional .env
file. CUTOVER_PLAN_FILE points at a YAML plan with per-phase thresholds and stages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.started = true
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			plan, err := config.LoadPlan(cfg.PlanFile)
			if err != nil {
				return err
			}
			a.cfg, a.plan = cfg, plan
			a.logger = logging.NewConsole(cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override CUTOVER_LOG_LEVEL")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newPrecheckCmd(a),
		newMigrateCmd(a),
		newStatusCmd(a),
		newFeatureCmd(a),
		newStateCmd(a),
		newRollbackCmd(a),
		newServeCmd(a),
		newVerifyCmd(a),
	)
	return root
}

// open builds a controller for one command.
func (a *app) open(ctx context.Context, opts ...controller.Option) (*controller.Controller, error) {
	return controller.Open(ctx, a.logger, a.cfg, a.plan, append(opts, a.extra...)...)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
}

// confirm asks a yes/no question on the command's input. Anything but yes declines.
func (a *app) confirm(format string, args ...any) (bool, error) {
	fmt.Fprintf(a.out, format+" [y/N]: ", args...)
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// closeController closes c and keeps the first error.
func closeController(c *controller.Controller, err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
