package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nholik/cutover/internal/checkpoint"
	"github.com/nholik/cutover/internal/controller"
	"github.com/nholik/cutover/internal/faults"
	"github.com/spf13/cobra"
)

func newStateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Export state and manage entity checkpoints",
	}
	cmd.AddCommand(
		newExportCmd(a),
		newImportCmd(a),
		newCheckpointCmd(a),
		newListCheckpointsCmd(a),
		newRestoreCmd(a),
		newRequeueCmd(a),
	)
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write flags, history, checkpoints and audit logs as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, err := a.open(cmd.Context(), controller.WithOptionalEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			ex, err := c.Export(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return a.printJSON(ex)
			}
			data, err := json.MarshalIndent(ex, "", "  ")
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(a.out, "exported flags version %d to %s\n", ex.Flags.Version, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "file to write, - for stdout")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var validateOnly bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate an export file",
		Long: `Validate an export file. Applying an export is refused: it would replace the
flag snapshot without passing through the phase state machine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !validateOnly {
				return faults.Validationf("import", "applying an export would bypass the phase state machine; only --validate-only is supported")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return faults.Validation("import", err)
			}
			ex, err := controller.ValidateImport(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "valid export: phase %s, flags version %d, %d checkpoints, %d rollbacks\n",
				ex.Flags.Phase, ex.Flags.Version, len(ex.Checkpoints), len(ex.Rollbacks))
			return nil
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "check the file without applying it")
	return cmd
}

func newCheckpointCmd(a *app) *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Capture the flags and entity state as a named checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, err := a.open(cmd.Context(), controller.WithEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			cp, err := c.Checkpoint(cmd.Context(), name, description)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cp)
			}
			fmt.Fprintf(a.out, "created checkpoint %s (%d entities, cursor %q)\n", cp.Name, cp.EntityCount, cp.MigrationCursor)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "checkpoint name (generated when empty)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "free-form description")
	return cmd
}

func newListCheckpointsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-checkpoints",
		Short: "List checkpoints, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			cps, err := c.Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cps)
			}
			if len(cps) == 0 {
				fmt.Fprintln(a.out, "no checkpoints")
				return nil
			}
			return printCheckpoints(a, cps)
		},
	}
}

func printCheckpoints(a *app, cps []checkpoint.Checkpoint) error {
	w := a.table()
	fmt.Fprintln(w, "NAME\tCREATED\tPHASE\tENTITIES\tCURSOR\tDESCRIPTION")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			cp.Name, cp.CreatedAt.Format(time.RFC3339), cp.PhaseAtCreation, cp.EntityCount, cp.MigrationCursor, cp.Description)
	}
	return w.Flush()
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the entity state from a checkpoint",
		Long: `Restore the entity state from a checkpoint. Flags are not changed; use the
rollback command to move traffic. Restoring while a migration is active
requires --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if name == "" {
				return faults.Validationf("restore", "--checkpoint is required")
			}
			c, err := a.open(cmd.Context(), controller.WithEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			cp, err := c.RestoreCheckpoint(cmd.Context(), name, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "restored %d entities from %s (cursor %q)\n", cp.EntityCount, cp.Name, cp.MigrationCursor)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "checkpoint", "c", "", "checkpoint name")
	cmd.Flags().BoolVar(&force, "force", false, "restore even though the migration is active")
	return cmd
}

func newRequeueCmd(a *app) *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return failed entities to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if !failed {
				return faults.Validationf("requeue", "--failed is required")
			}
			c, err := a.open(cmd.Context(), controller.WithEntities())
			if err != nil {
				return err
			}
			defer closeController(c, &err)

			n, err := c.Requeue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "requeued %d entities\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "requeue every failed entity")
	return cmd
}
