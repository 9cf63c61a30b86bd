package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/nholik/cutover/internal/controller"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		detailed bool
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current phase, split, health and rollback state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if watch && interval <= 0 {
				return faults.Validationf("status", "interval must be positive")
			}
			ctx := cmd.Context()
			c, err := a.open(ctx, controller.WithOptionalEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			for {
				if err := c.Refresh(ctx); err != nil {
					return err
				}
				s, err := c.Status(ctx, detailed)
				if err != nil {
					return err
				}
				if err := printStatus(a, s); err != nil {
					return err
				}
				if !watch {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
				fmt.Fprintln(a.out)
			}
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include routing counters, flag history, checkpoints and rollbacks")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval with --watch")
	return cmd
}

func printStatus(a *app, s controller.Status) error {
	if a.asJSON {
		return a.printJSON(s)
	}
	w := a.table()
	fmt.Fprintf(w, "Phase:\t%s\n", s.Phase)
	fmt.Fprintf(w, "Split:\t%s\n", s.Split)
	if s.RollingBack {
		fmt.Fprintf(w, "Rolling back:\tyes\n")
	}
	fmt.Fprintf(w, "Version:\t%d (by %s at %s)\n", s.Version, s.UpdatedBy, s.UpdatedAt.Format(time.RFC3339))
	if s.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", s.Reason)
	}
	switch {
	case s.Health == nil:
		fmt.Fprintf(w, "Health:\tno reading\n")
	case s.HealthStatus != "":
		fmt.Fprintf(w, "Health:\t%s %s\n", s.HealthStatus, s.Health)
	default:
		fmt.Fprintf(w, "Health:\t%s (as of %s)\n", s.Health, s.Health.Timestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Rollbacks:\t%d automatic attempts\n", s.Rollback.Attempts)
	if s.CooldownRemaining > 0 {
		fmt.Fprintf(w, "Cooldown:\t%s remaining\n", s.CooldownRemaining.Round(time.Second))
	}
	if s.Entities != nil {
		fmt.Fprintf(w, "Entities:\t%s\n", formatCounts(s.Entities))
	}
	for _, name := range sortedKeys(s.SubFlags) {
		f := s.SubFlags[name]
		fmt.Fprintf(w, "Flag %s:\t%s\n", name, formatFlag(f.Enabled, f.Percentage))
	}
	for _, r := range s.Rules {
		fmt.Fprintf(w, "Rule:\t%s=%s -> %s\n", r.Attribute, r.Value, r.Action)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if s.Routing != nil {
		r := s.Routing
		fmt.Fprintf(a.out, "\nRouting: total=%d old=%d new=%d (%.1f%% new) shadowed=%d matches=%d mismatches=%d timeouts=%d errors=%d\n",
			r.Total, r.Old, r.New, r.NewPercent(), r.Shadowed, r.ShadowMatches, r.ShadowMismatches, r.ShadowTimeouts, r.Errors)
	}
	if len(s.History) > 0 {
		w := a.table()
		fmt.Fprintln(a.out, "\nFlag history:")
		fmt.Fprintln(w, "VERSION\tPHASE\tSPLIT\tBY\tREASON")
		for _, h := range s.History {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", h.Version, h.Phase, h.Split, h.UpdatedBy, h.Reason)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(s.Checkpoints) > 0 {
		fmt.Fprintln(a.out, "\nCheckpoints:")
		if err := printCheckpoints(a, s.Checkpoints); err != nil {
			return err
		}
	}
	if len(s.Rollbacks) > 0 {
		w := a.table()
		fmt.Fprintln(a.out, "\nRollback log:")
		fmt.Fprintln(w, "TIME\tTRIGGER\tMODE\tFROM\tTO\tREASON")
		for _, ev := range s.Rollbacks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Trigger, ev.Mode, ev.FromPhase, ev.ToPhase, ev.Reason)
		}
		return w.Flush()
	}
	return nil
}

func formatFlag(enabled bool, percentage int) string {
	if !enabled {
		return "disabled"
	}
	return fmt.Sprintf("enabled at %d%%", percentage)
}

func formatCounts(c entity.Counts) string {
	return fmt.Sprintf("total=%d pending=%d in_flight=%d done=%d failed=%d",
		c.Total(), c[entity.StatusPending], c[entity.StatusInFlight], c[entity.StatusDone], c[entity.StatusFailed])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
