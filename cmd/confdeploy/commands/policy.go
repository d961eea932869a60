package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Admission policies are Rego modules evaluated before a deployment job is
created. Built-in policies guard high risk rollouts; custom policies are
loaded from the configured policy directory.`,
	}

	cmd.AddCommand(newPolicyListCommand(opts))

	return cmd
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and custom policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				pe, err := a.openPolicy(ctx)
				if err != nil {
					return err
				}
				policies := pe.ListPolicies()
				if opts.jsonOutput {
					return printJSON(opts.out, policies)
				}

				t := newTable(opts.out, "NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION")
				for _, p := range policies {
					source := "custom"
					if p.Builtin {
						source = "builtin"
					}
					enabled := "no"
					if p.Enabled {
						enabled = "yes"
					}
					t.row(p.Name, string(p.Severity), enabled, source, orDash(firstLine(p.Description)))
				}
				return t.flush()
			})
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
