package main

import (
	"fmt"
	"time"

	"github.com/nholik/cutover/internal/controller"
	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/orchestrator"
	"github.com/nholik/cutover/internal/phase"
	"github.com/spf13/cobra"
)

func newPrecheckCmd(a *app) *cobra.Command {
	var (
		deep       bool
		components []string
	)
	cmd := &cobra.Command{
		Use:   "pre-check",
		Short: "Verify backends, checkpoint storage and rollback readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, err := a.open(cmd.Context(), controller.WithOptionalEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			checks, err := c.Precheck(cmd.Context(), deep, components...)
			if err != nil {
				return err
			}
			if err := printChecks(a, checks); err != nil {
				return err
			}
			failed := 0
			for _, check := range checks {
				if !check.OK() {
					failed++
				}
			}
			if failed > 0 {
				return faults.Validationf("pre-check", "%d of %d checks failed", failed, len(checks))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "also sample health and inspect the entity store")
	cmd.Flags().StringSliceVar(&components, "components", nil, fmt.Sprintf("components to check %v", orchestrator.Components))
	return cmd
}

func printChecks(a *app, checks []orchestrator.Check) error {
	if a.asJSON {
		type row struct {
			orchestrator.Check
			OK    bool   `json:"ok"`
			Error string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(checks))
		for _, c := range checks {
			r := row{Check: c, OK: c.OK()}
			if c.Err != nil {
				r.Error = c.Err.Error()
			}
			rows = append(rows, r)
		}
		return a.printJSON(rows)
	}
	w := a.table()
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tDETAIL")
	for _, c := range checks {
		status, detail := "ok", c.Detail
		if !c.OK() {
			status, detail = "FAIL", c.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Component, status, detail)
	}
	return w.Flush()
}

func newMigrateCmd(a *app) *cobra.Command {
	var (
		target string
		params orchestrator.Params
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Advance the migration to a phase",
		Long: `Advance the migration to the given phase, soaking each configured stage and
checking health before moving on. A breach during the advance rolls traffic
back and exits with status 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if target == "" {
				return faults.Validationf("migrate", "--phase is required")
			}
			to, err := phase.Parse(target)
			if err != nil {
				return faults.Validation("migrate", err)
			}
			if to == phase.None || to == phase.RolledBack {
				return faults.Validationf("migrate", "cannot migrate to %s; use the rollback command", to)
			}
			if params.Percentage < 0 || params.Percentage > 100 {
				return faults.Validationf("migrate", "percentage %d outside 0-100", params.Percentage)
			}
			if err := a.cfg.RequireBackends(); err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := a.open(ctx, controller.WithEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			if !params.DryRun && !yes {
				ok, err := a.confirm("Advance migration from %s to %s?", c.Flags().Phase, to)
				if err != nil {
					return err
				}
				if !ok {
					return faults.Validationf("migrate", "advance to %s not confirmed", to)
				}
			}

			if !params.DryRun {
				stop := c.Background(ctx)
				defer func() {
					if serr := stop(); serr != nil {
						a.logger.Error().Err(serr).Msg("background components stopped with error")
					}
				}()
			}
			report, err := c.Advance(ctx, to, params)
			if perr := printReport(a, report); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target, "phase", "", "target phase (shadow, canary, state-migration, ramp-up, full, decommissioned)")
	cmd.Flags().IntVar(&params.Percentage, "percentage", 0, "cap on new-backend traffic, or the shadowed fraction in shadow")
	cmd.Flags().BoolVar(&params.DryRun, "dry-run", false, "validate and print the plan without changing anything")
	cmd.Flags().BoolVar(&params.Override, "override", false, "allow skipping phases and advancing past failed entities")
	cmd.Flags().DurationVar(&params.Timeout, "timeout", 0, "abort the advance after this long")
	cmd.Flags().StringVar(&params.Reason, "reason", "", "reason recorded with each flag change")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func printReport(a *app, r orchestrator.Report) error {
	if a.asJSON {
		return a.printJSON(r)
	}
	verb := "advanced"
	if r.DryRun {
		verb = "would advance"
	}
	fmt.Fprintf(a.out, "%s %s -> %s (flags version %d)\n", verb, r.From, r.To, r.Version)
	if len(r.Plan) > 0 {
		w := a.table()
		fmt.Fprintln(w, "STAGE\tPLANNED")
		for i, s := range r.Plan {
			fmt.Fprintf(w, "%d\t%s\n", i+1, s)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	for _, s := range r.Stages {
		fmt.Fprintf(a.out, "passed %s after %s\n", s.Stage, s.Passed.Sub(s.Started).Round(time.Second))
	}
	if r.Batches > 0 {
		fmt.Fprintf(a.out, "migrated %d entities in %d batches, %d failed\n", r.Migrated, r.Batches, r.Failed)
	}
	for _, name := range r.Checkpoints {
		fmt.Fprintf(a.out, "checkpoint %s\n", name)
	}
	if !r.DryRun && r.Duration > 0 {
		fmt.Fprintf(a.out, "took %s\n", r.Duration.Round(time.Millisecond))
	}
	return nil
}
