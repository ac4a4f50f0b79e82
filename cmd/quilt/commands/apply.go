package commands

import (
	"github.com/spf13/cobra"

	"github.com/bendavis78/quilt/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Converge targets to the declared state",
		Long: `Converge every selected target to the state declared in the quiltfile.

For each target this command:
  - Connects and gathers facts
  - Evaluates the quiltfile with the layered defaults
  - Checks every resource against the policies
  - Ensures each resource in declaration order, running only the
    commands needed; the first error halts the target`,
		Example: `  # Apply to every target
  quilt apply

  # Apply to one target, reporting JSON
  quilt apply --target web1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			return s.run(cmd, engine.ModeEnsure)
		},
	}
}

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the changes apply would make",
		Long: `Run apply in dry-run mode: the target is queried but never changed,
and every step that would run is reported instead.`,
		Example: `  # Show pending changes
  quilt plan

  # Machine readable
  quilt plan --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			s.cfg.DryRun = true
			return s.run(cmd, engine.ModeEnsure)
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Remove the declared resources",
		Long: `Remove every declared resource from the selected targets, in reverse
declaration order. Combine with --dry-run to preview.`,
		Example: `  # Preview removal
  quilt remove --dry-run

  # Remove from one target
  quilt remove --target web1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			return s.run(cmd, engine.ModeRemove)
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Evaluate the quiltfile and check policies",
		Long: `Validate the configuration for every selected target.

This command checks:
  - quilt.yaml against its schema
  - Defaults files (CUE or YAML)
  - Quiltfile evaluation and resource attributes
  - Policy compliance (OPA/rego)

Targets are contacted to gather facts, but nothing is changed.`,
		Example: `  # Validate every target
  quilt validate

  # Validate using another config
  quilt validate --config staging.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			return s.run(cmd, engine.ModeValidate)
		},
	}
}
