package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/inventory"
)

func newTargetCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage deployment targets",
		Long: `Register and list the endpoints that receive configuration.

A target is addressed by host or host:port and carries tags and capability
flags used to filter listings.`,
	}

	cmd.AddCommand(newTargetAddCommand(opts))
	cmd.AddCommand(newTargetListCommand(opts))
	cmd.AddCommand(newTargetShowCommand(opts))
	cmd.AddCommand(newTargetImportCommand(opts))
	cmd.AddCommand(newTargetRemoveCommand(opts))

	return cmd
}

func newTargetAddCommand(opts *globalOptions) *cobra.Command {
	var t engine.Target

	cmd := &cobra.Command{
		Use:   "add TARGET_ID ADDRESS",
		Short: "Register a target",
		Example: `  confdeploy target add prom-1 10.0.0.11 --vendor linux --tag edge --capability node_exporter
  confdeploy target add switch-7 10.0.8.7:2222 --vendor cisco --capability snmp`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.ID = args[0]
			t.Address = args[1]
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				added, err := a.inventory.AddTarget(ctx, &t)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, added)
				}
				fmt.Fprintf(opts.out, "Added target %s (%s)\n", added.ID, added.Address)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&t.Vendor, "vendor", "", "vendor or device class")
	cmd.Flags().StringSliceVar(&t.Tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringSliceVar(&t.Capabilities, "capability", nil, "capability flags (repeatable)")

	return cmd
}

func newTargetListCommand(opts *globalOptions) *cobra.Command {
	var (
		filter engine.TargetFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		Example: `  # All targets tagged edge that run node_exporter
  confdeploy target list --tag edge --capability node_exporter

  # Targets whose Prometheus deployment is in error
  confdeploy target list --config-type prometheus --status error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				filter.Status = engine.MonitoringStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				targets := a.inventory.List(ctx, filter)
				if opts.jsonOutput {
					return printJSON(opts.out, targets)
				}

				t := newTable(opts.out, "ID", "ADDRESS", "VENDOR", "TAGS", "CAPABILITIES", "DEPLOYED")
				for _, target := range targets {
					t.row(target.ID, target.Address, orDash(target.Vendor),
						orDash(strings.Join(target.Tags, ",")),
						orDash(strings.Join(target.Capabilities, ",")),
						orDash(deployedSummary(target)))
				}
				return t.flush()
			})
		},
	}

	cmd.Flags().StringSliceVar(&filter.Tags, "tag", nil, "require tag (repeatable)")
	cmd.Flags().StringSliceVar(&filter.Capabilities, "capability", nil, "require capability (repeatable)")
	cmd.Flags().StringVar(&filter.GroupID, "group", "", "only members of this group")
	cmd.Flags().StringVar(&filter.ConfigType, "config-type", "", "only targets with this configuration type")
	cmd.Flags().StringVar(&status, "status", "", "monitoring status (running, stopped, error)")

	return cmd
}

// deployedSummary renders the deployed versions as type=version pairs.
func deployedSummary(t *engine.Target) string {
	types := make([]string, 0, len(t.Monitoring))
	for configType := range t.Monitoring {
		types = append(types, configType)
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, configType := range types {
		m := t.Monitoring[configType]
		if m == nil || m.DeployedVersion == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", configType, shortID(m.DeployedVersion)))
	}
	return strings.Join(parts, " ")
}

func newTargetShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show TARGET_ID",
		Short: "Show a target with its deployment state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				target, err := a.inventory.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, target)
				}

				fmt.Fprintf(opts.out, "ID:           %s\n", target.ID)
				fmt.Fprintf(opts.out, "Address:      %s\n", target.Address)
				fmt.Fprintf(opts.out, "Vendor:       %s\n", orDash(target.Vendor))
				fmt.Fprintf(opts.out, "Tags:         %s\n", orDash(strings.Join(target.Tags, ", ")))
				fmt.Fprintf(opts.out, "Capabilities: %s\n", orDash(strings.Join(target.Capabilities, ", ")))
				fmt.Fprintf(opts.out, "Deployments:  %d\n", len(target.History))
				if len(target.Monitoring) == 0 {
					return nil
				}

				fmt.Fprintln(opts.out)
				t := newTable(opts.out, "CONFIG TYPE", "VERSION", "STATUS", "LAST DEPLOYED")
				types := make([]string, 0, len(target.Monitoring))
				for configType := range target.Monitoring {
					types = append(types, configType)
				}
				sort.Strings(types)
				for _, configType := range types {
					m := target.Monitoring[configType]
					if m == nil {
						continue
					}
					t.row(configType, orDash(m.DeployedVersion), orDash(string(m.Status)), formatTimePtr(m.LastDeployed))
				}
				return t.flush()
			})
		},
	}
}

func newTargetImportCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Register targets from a YAML or JSON file",
		Long: `Import targets from a file containing either a list of targets or a
mapping with a targets key. Already registered IDs are skipped; invalid
entries are reported together after the valid ones were added.`,
		Example: `  # targets.yaml
  targets:
    - id: prom-1
      address: 10.0.0.11
      tags: [edge]
    - id: prom-2
      address: 10.0.0.12:2222

  confdeploy target import targets.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			targets, err := inventory.DecodeTargets(f)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				added, err := a.inventory.AddTargetsBatch(ctx, targets)
				if opts.jsonOutput {
					if jerr := printJSON(opts.out, added); jerr != nil {
						return jerr
					}
				} else {
					fmt.Fprintf(opts.out, "Imported %d of %d targets\n", len(added), len(targets))
				}
				return err
			})
		},
	}
}

func newTargetRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove TARGET_ID",
		Short: "Remove a target and drop it from every group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if err := a.inventory.RemoveTarget(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "Removed target %s\n", args[0])
				return nil
			})
		},
	}
}
