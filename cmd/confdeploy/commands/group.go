package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

func newGroupCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage target groups",
		Long: `Groups collect targets under a name and carry the rollout policy used
when a deployment request does not bring its own.`,
	}

	cmd.AddCommand(newGroupCreateCommand(opts))
	cmd.AddCommand(newGroupAddCommand(opts))
	cmd.AddCommand(newGroupListCommand(opts))
	cmd.AddCommand(newGroupSetDefaultCommand(opts))

	return cmd
}

func newGroupCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		g  engine.TargetGroup
		pf policyFlags
	)

	cmd := &cobra.Command{
		Use:   "create GROUP_ID",
		Short: "Create a group",
		Example: `  # Group with the default policy
  confdeploy group create edge --member prom-1 --member prom-2

  # Rolling group that tolerates one failure in ten
  confdeploy group create core --name "Core Prometheus" --mode rolling --max-failure-rate 0.1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g.ID = args[0]
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if pf.changed(cmd) {
					policy, err := pf.apply(cmd, a.cfg.Orchestrator.DefaultPolicy)
					if err != nil {
						return err
					}
					g.Policy = policy
				}

				created, err := a.inventory.CreateGroup(ctx, &g)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, created)
				}
				fmt.Fprintf(opts.out, "Created group %s with %d members\n", created.ID, len(created.Members))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&g.Name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&g.Members, "member", nil, "member target IDs (repeatable)")
	pf.bind(cmd)

	return cmd
}

func newGroupAddCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add GROUP_ID TARGET_ID...",
		Short: "Add targets to a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				for _, targetID := range args[1:] {
					if err := a.inventory.AddTargetToGroup(ctx, args[0], targetID); err != nil {
						return err
					}
				}
				fmt.Fprintf(opts.out, "Added %d targets to group %s\n", len(args)-1, args[0])
				return nil
			})
		},
	}
}

func newGroupListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				groups := a.inventory.Groups(ctx)
				if opts.jsonOutput {
					return printJSON(opts.out, groups)
				}

				t := newTable(opts.out, "ID", "NAME", "MEMBERS", "MODE", "DEFAULT VERSIONS")
				for _, g := range groups {
					mode := "default"
					if !g.Policy.IsZero() {
						mode = string(g.Policy.Mode)
					}
					t.row(g.ID, g.Name, fmt.Sprintf("%d", len(g.Members)), mode, orDash(defaultVersions(g)))
				}
				return t.flush()
			})
		},
	}
}

func defaultVersions(g *engine.TargetGroup) string {
	types := make([]string, 0, len(g.DefaultVersions))
	for configType := range g.DefaultVersions {
		types = append(types, configType)
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, configType := range types {
		parts = append(parts, fmt.Sprintf("%s=%s", configType, shortID(g.DefaultVersions[configType])))
	}
	return strings.Join(parts, " ")
}

func newGroupSetDefaultCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-default GROUP_ID CONFIG_TYPE [VERSION_ID]",
		Short: "Set or clear the default version of a group",
		Long: `Set the version a group deploys for a configuration type when deploy is
called without --version. Omit VERSION_ID to clear it.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := ""
			if len(args) == 3 {
				versionID = args[2]
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if versionID != "" {
					v, err := a.versions.Get(ctx, versionID)
					if err != nil {
						return err
					}
					if v.ConfigType != args[1] {
						return engine.NewValidationError("version %s has config type %q, not %q", v.ID, v.ConfigType, args[1])
					}
				}
				if err := a.inventory.SetDefaultVersion(ctx, args[0], args[1], versionID); err != nil {
					return err
				}
				if versionID == "" {
					fmt.Fprintf(opts.out, "Cleared default %s version of group %s\n", args[1], args[0])
				} else {
					fmt.Fprintf(opts.out, "Group %s deploys %s version %s by default\n", args[0], args[1], versionID)
				}
				return nil
			})
		},
	}
}
