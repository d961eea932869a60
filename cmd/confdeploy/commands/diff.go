package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

func newDiffCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff FROM_VERSION TO_VERSION",
		Short: "Compare two configuration versions",
		Long: `Compare two versions of a configuration.

YAML, JSON and CUE configurations are compared structurally by dotted path;
other types line by line. The summary classifies the change as low, medium
or high risk and lists changes to critical paths.`,
		Example: `  confdeploy diff 5f0c... 9a1b...
  confdeploy diff 5f0c... 9a1b... --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				from, err := a.versions.Get(ctx, args[0])
				if err != nil {
					return err
				}
				to, err := a.versions.Get(ctx, args[1])
				if err != nil {
					return err
				}

				op := telemetry.StartOperation(ctx, "version.compare",
					attribute.String("version.from", from.ID),
					attribute.String("version.to", to.ID))
				cmp, err := a.diff.Compare(op.Ctx, from, to)
				op.End(err)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, cmp)
				}

				for _, d := range cmp.Diffs {
					fmt.Fprintf(opts.out, "%s %s\n", diffMarker(d.Type), d.Description)
				}
				s := cmp.Summary
				fmt.Fprintf(opts.out, "\n%d changes (%d added, %d removed, %d modified), %s mode, risk %s\n",
					s.TotalChanges, s.Additions, s.Deletions, s.Modifications, cmp.Mode, s.RiskLevel)
				for _, issue := range s.CompatibilityIssues {
					fmt.Fprintf(opts.out, "  ! %s\n", issue)
				}
				return nil
			})
		},
	}
}

func diffMarker(t engine.DiffType) string {
	switch t {
	case engine.DiffAdded:
		return "+"
	case engine.DiffRemoved:
		return "-"
	case engine.DiffModified:
		return "~"
	default:
		return " "
	}
}
