package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
	"github.com/openfroyo/confdeploy/pkg/versions"
)

func newVersionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Manage configuration versions",
		Long: `Create and inspect immutable configuration versions.

Every version stores the full content and its SHA256 hash. Versions of the
same configuration name form a history, newest first.`,
	}

	cmd.AddCommand(newVersionCreateCommand(opts))
	cmd.AddCommand(newVersionShowCommand(opts))
	cmd.AddCommand(newVersionHistoryCommand(opts))
	cmd.AddCommand(newVersionArchiveCommand(opts))

	return cmd
}

func newVersionCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		req      versions.CreateVersionRequest
		file     string
		fromLast bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a configuration version from a file",
		Example: `  # Create a Prometheus configuration version
  confdeploy version create --name edge-prometheus --type prometheus --file prometheus.yml

  # Derive from the newest version of the same name and record the change summary
  confdeploy version create --name edge-prometheus --type prometheus --file prometheus.yml --from-latest

  # Read the content from stdin
  cat alertmanager.yml | confdeploy version create --name am --type alertmanager --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			req.Content = content

			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if fromLast && req.ParentVersionID == "" {
					latest, err := a.versions.Latest(ctx, req.ConfigName)
					if err != nil && !engine.IsNotFound(err) {
						return err
					}
					if latest != nil {
						req.ParentVersionID = latest.ID
					}
				}

				op := telemetry.StartOperation(ctx, "version.create",
					attribute.String("config.name", req.ConfigName),
					attribute.String("config.type", req.ConfigType))
				v, err := a.versions.Create(op.Ctx, req)
				op.End(err)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, v)
				}
				fmt.Fprintf(opts.out, "Created version %s\n", v.ID)
				fmt.Fprintf(opts.out, "  hash:    %s\n", v.ContentHash)
				if v.ParentVersionID != "" {
					fmt.Fprintf(opts.out, "  parent:  %s\n", v.ParentVersionID)
					fmt.Fprintf(opts.out, "  changes: +%d -%d ~%d\n",
						v.ChangesSummary.Additions, v.ChangesSummary.Deletions, v.ChangesSummary.Modifications)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.ConfigName, "name", "", "configuration name")
	cmd.Flags().StringVar(&req.ConfigType, "type", "", "configuration type (prometheus, alertmanager, snmp_exporter, grafana, ...)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "content file, - for stdin")
	cmd.Flags().StringVar(&req.ParentVersionID, "parent", "", "parent version ID")
	cmd.Flags().BoolVar(&fromLast, "from-latest", false, "use the newest version of the same name as parent")
	cmd.Flags().StringVar(&req.Author, "author", os.Getenv("USER"), "author of the version")
	cmd.Flags().StringVarP(&req.Description, "description", "d", "", "change description")
	cmd.Flags().StringSliceVar(&req.Tags, "tag", nil, "tags (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readContent(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return data, nil
}

func newVersionShowCommand(opts *globalOptions) *cobra.Command {
	var showContent bool

	cmd := &cobra.Command{
		Use:   "show VERSION_ID",
		Short: "Show a configuration version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				v, err := a.versions.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if showContent {
					_, err := opts.out.Write(v.Content)
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, v)
				}

				fmt.Fprintf(opts.out, "ID:          %s\n", v.ID)
				fmt.Fprintf(opts.out, "Name:        %s\n", v.ConfigName)
				fmt.Fprintf(opts.out, "Type:        %s\n", v.ConfigType)
				fmt.Fprintf(opts.out, "Hash:        %s\n", v.ContentHash)
				fmt.Fprintf(opts.out, "Size:        %d bytes\n", len(v.Content))
				fmt.Fprintf(opts.out, "Parent:      %s\n", orDash(v.ParentVersionID))
				fmt.Fprintf(opts.out, "Author:      %s\n", orDash(v.Author))
				fmt.Fprintf(opts.out, "Description: %s\n", orDash(v.Description))
				fmt.Fprintf(opts.out, "Tags:        %s\n", orDash(strings.Join(v.Tags, ", ")))
				fmt.Fprintf(opts.out, "Changes:     +%d -%d ~%d\n",
					v.ChangesSummary.Additions, v.ChangesSummary.Deletions, v.ChangesSummary.Modifications)
				fmt.Fprintf(opts.out, "Deployed to: %s\n", orDash(strings.Join(v.DeployedTo, ", ")))
				fmt.Fprintf(opts.out, "Created:     %s\n", formatTime(v.CreatedAt))
				if v.IsArchived() {
					fmt.Fprintf(opts.out, "Archived:    %s\n", formatTimePtr(v.ArchivedAt))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showContent, "content", false, "print only the raw content")

	return cmd
}

func newVersionHistoryCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history CONFIG_NAME",
		Short: "List the versions of a configuration, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				history, err := a.versions.History(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, history)
				}
				if len(history) == 0 {
					fmt.Fprintf(opts.out, "No versions for %s\n", args[0])
					return nil
				}

				t := newTable(opts.out, "ID", "TYPE", "HASH", "AUTHOR", "CHANGES", "DEPLOYED", "CREATED")
				for _, v := range history {
					t.row(v.ID, v.ConfigType, shortID(v.ContentHash), orDash(v.Author),
						fmt.Sprintf("+%d -%d ~%d", v.ChangesSummary.Additions, v.ChangesSummary.Deletions, v.ChangesSummary.Modifications),
						fmt.Sprintf("%d", len(v.DeployedTo)), formatTime(v.CreatedAt))
				}
				return t.flush()
			})
		},
	}
}

func newVersionArchiveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive VERSION_ID",
		Short: "Hide a version from its history",
		Long: `Archive a version. Archived versions disappear from history but stay
readable by ID, so jobs that reference them can still be inspected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if err := a.versions.Archive(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "Archived version %s\n", args[0])
				return nil
			})
		},
	}
}
