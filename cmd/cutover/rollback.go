package main

import (
	"fmt"
	"time"

	"github.com/nholik/cutover/internal/controller"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/phase"
	"github.com/nholik/cutover/internal/rollback"
	"github.com/spf13/cobra"
)

func newRollbackCmd(a *app) *cobra.Command {
	var (
		toPhase   string
		mode      string
		reason    string
		force     bool
		emergency bool
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Return all traffic to the old implementation",
		Long: `Return all traffic to the old implementation and restore the latest entity
checkpoint. --to-phase none also resets the phase so the migration can be
started again. --emergency switches immediately and leaves checkpoint restore
to the operator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			target, err := phase.Parse(toPhase)
			if err != nil {
				return faults.Validation("rollback", err)
			}
			m, err := rollback.ParseMode(mode)
			if err != nil {
				return faults.Validation("rollback", err)
			}
			if emergency {
				if cmd.Flags().Changed("mode") && m != rollback.ModeEmergency {
					return faults.Validationf("rollback", "--emergency conflicts with --mode %s", m)
				}
				m = rollback.ModeEmergency
			}

			ctx := cmd.Context()
			c, err := a.open(ctx, controller.WithOptionalEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			if !yes {
				ok, err := a.confirm("Roll back %s migration to %s (%s)?", c.Flags().Phase, target, m)
				if err != nil {
					return err
				}
				if !ok {
					return faults.Validationf("rollback", "rollback not confirmed")
				}
			}

			res, err := c.Rollback(ctx, rollback.Request{
				TargetPhase: target,
				Force:       force,
				Mode:        m,
				Reason:      reason,
			})
			if err != nil {
				return err
			}
			return printRollback(a, res)
		},
	}
	cmd.Flags().StringVar(&toPhase, "to-phase", phase.RolledBack.String(), "rolled-back, or none to also reset the phase")
	cmd.Flags().StringVar(&mode, "mode", string(rollback.ModeImmediate), "immediate or gradual")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the rollback log")
	cmd.Flags().BoolVar(&force, "force", false, "roll back without a checkpoint and clear the automatic attempt count")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "switch immediately and skip checkpoint restore")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func printRollback(a *app, res rollback.Result) error {
	if a.asJSON {
		return a.printJSON(res)
	}
	switch {
	case res.Skipped != "":
		fmt.Fprintf(a.out, "nothing to do: %s\n", res.Skipped)
	case res.Coalesced:
		fmt.Fprintln(a.out, "a rollback is already running; joined it")
	default:
		ev := res.Event
		fmt.Fprintf(a.out, "rolled back %s -> %s (%s) in %s\n", ev.FromPhase, ev.ToPhase, ev.Mode, ev.Duration.Round(time.Millisecond))
		if ev.CheckpointUsed != "" {
			fmt.Fprintf(a.out, "restored checkpoint %s\n", ev.CheckpointUsed)
		}
	}
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Route traffic between the implementations and watch health",
		Long: `Run the routing front door together with the health monitor, the automatic
rollback manager and the flag watcher until interrupted. Flag changes made by
other cutover commands are picked up from the state file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if err := a.cfg.RequireBackends(); err != nil {
				return err
			}
			c, err := a.open(cmd.Context(), controller.Serving())
			if err != nil {
				return err
			}
			defer closeController(c, &err)
			return c.Serve(cmd.Context())
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check entity store integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, err := a.open(cmd.Context(), controller.WithEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			report, err := c.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				if err := a.printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(a.out, "entities: %s\n", formatCounts(report.Counts))
				fmt.Fprintf(a.out, "cursor: %q\n", report.Cursor)
				if report.Checkpoint != "" {
					fmt.Fprintf(a.out, "latest checkpoint: %s (cursor %q)\n", report.Checkpoint, report.CheckpointCursor)
				}
				for _, v := range report.Warnings {
					fmt.Fprintf(a.out, "warning: %s\n", describe(v))
				}
				for _, v := range report.Violations {
					fmt.Fprintf(a.out, "violation: %s\n", describe(v))
				}
			}
			if !report.OK() {
				return faults.Validationf("verify", "%d integrity violations", len(report.Violations))
			}
			return nil
		},
	}
}

func describe(v controller.Violation) string {
	if v.Entity == "" {
		return v.Problem
	}
	return fmt.Sprintf("%s: %s", v.Entity, v.Problem)
}
