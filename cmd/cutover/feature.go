package main

import (
	"fmt"

	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/flags"
	"github.com/spf13/cobra"
)

func newFeatureCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Inspect and toggle migration sub-flags",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sub-flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeController(c, &err)
			if err := c.Refresh(cmd.Context()); err != nil {
				return err
			}
			return printFlags(a, c.Flags(), c.Flags().FlagNames()...)
		},
	}

	status := &cobra.Command{
		Use:   "status <name>",
		Short: "Show one sub-flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeController(c, &err)
			if err := c.Refresh(cmd.Context()); err != nil {
				return err
			}
			set := c.Flags()
			if _, ok := set.Flag(args[0]); !ok {
				return faults.Validationf("feature", "unknown feature %q (known: %v)", args[0], set.FlagNames())
			}
			return printFlags(a, set, args[0])
		},
	}

	var percentage int
	enable := &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a sub-flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeController(c, &err)
			set, err := c.EnableFeature(cmd.Context(), args[0], percentage)
			if err != nil {
				return err
			}
			return printFlags(a, set, args[0])
		},
	}
	enable.Flags().IntVarP(&percentage, "percentage", "p", 0, "rollout percentage (0 keeps the current value)")

	disable := &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a sub-flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeController(c, &err)
			set, err := c.DisableFeature(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printFlags(a, set, args[0])
		},
	}

	cmd.AddCommand(list, status, enable, disable)
	return cmd
}

func printFlags(a *app, set *flags.Set, names ...string) error {
	if a.asJSON {
		out := make(map[string]flags.Flag, len(names))
		for _, name := range names {
			out[name] = set.SubFlags[name]
		}
		return a.printJSON(out)
	}
	w := a.table()
	fmt.Fprintln(w, "FLAG\tSTATE")
	for _, name := range names {
		f := set.SubFlags[name]
		fmt.Fprintf(w, "%s\t%s\n", name, formatFlag(f.Enabled, f.Percentage))
	}
	return w.Flush()
}
