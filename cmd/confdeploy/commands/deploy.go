package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// cancelGrace bounds how long an interrupted deploy waits for running steps.
const cancelGrace = 2 * time.Minute

func newDeployCommand(opts *globalOptions) *cobra.Command {
	var (
		req    engine.DeploymentRequest
		pf     policyFlags
		noWait bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a configuration version to groups and targets",
		Long: `Deploy a configuration version.

Groups are expanded to their members and explicit targets appended; every
target is deployed once. The policy comes from the flags when any policy
flag is given, else from the first group, else from the configured default.

Without --version the first group's default version for --type is used.
The command waits for the job and prints its progress; Ctrl-C cancels the
job and waits for running steps to finish.`,
		Example: `  # Roll a Prometheus version out to a group in waves
  confdeploy deploy --type prometheus --version 5f0c... --group edge --mode rolling

  # Deploy the group's default version to two extra targets as well
  confdeploy deploy --type prometheus --group edge --target prom-9 --target prom-10

  # Submit and return immediately
  confdeploy deploy --type alertmanager --version 9a1b... --target am-1 --no-wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if pf.changed(cmd) {
					policy, err := pf.apply(cmd, a.cfg.Orchestrator.DefaultPolicy)
					if err != nil {
						return err
					}
					req.Policy = &policy
				}
				if req.ConfigVersionID == "" {
					id, err := groupDefaultVersion(ctx, a, req.GroupIDs, req.ConfigType)
					if err != nil {
						return err
					}
					req.ConfigVersionID = id
				}

				orch, err := a.openOrchestrator(ctx)
				if err != nil {
					return err
				}
				return runDeploy(ctx, a, orch, req, opts, noWait)
			})
		},
	}

	cmd.Flags().StringVar(&req.ConfigType, "type", "", "configuration type")
	cmd.Flags().StringVar(&req.ConfigVersionID, "version", "", "version ID to deploy (default: the group default)")
	cmd.Flags().StringSliceVarP(&req.GroupIDs, "group", "g", nil, "target groups (repeatable)")
	cmd.Flags().StringSliceVarP(&req.TargetIDs, "target", "t", nil, "targets (repeatable)")
	cmd.Flags().StringVar(&req.User, "user", os.Getenv("USER"), "user recorded on the job")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "submit the job and return without waiting")
	_ = cmd.MarkFlagRequired("type")
	pf.bind(cmd)

	return cmd
}

// groupDefaultVersion returns the default version of configType from the
// first group that defines one.
func groupDefaultVersion(ctx context.Context, a *app, groupIDs []string, configType string) (string, error) {
	for _, id := range groupIDs {
		g, err := a.inventory.Group(ctx, id)
		if err != nil {
			return "", err
		}
		if v := g.DefaultVersions[configType]; v != "" {
			return v, nil
		}
	}
	return "", engine.NewValidationError("no --version given and no group defines a default %s version", configType)
}

func runDeploy(ctx context.Context, a *app, orch *engine.Orchestrator, req engine.DeploymentRequest, opts *globalOptions, noWait bool) error {
	out := &syncWriter{w: opts.out}
	if !opts.jsonOutput && !noWait {
		// This process runs a single job, so every job event is ours.
		unsubscribe := a.tel.Events.Subscribe(func(e telemetry.Event) {
			printEvent(out, e)
		}, func(e telemetry.Event) bool { return e.JobID != "" })
		defer unsubscribe()
	}

	job, err := orch.Submit(ctx, req)
	if err != nil {
		if job != nil {
			_ = printJobSummary(out, job, opts.jsonOutput)
		}
		return err
	}
	log.Info().Str("job_id", job.ID).Int("targets", len(job.Targets)).Str("mode", string(job.Policy.Mode)).Msg("Deployment submitted")

	if noWait {
		if opts.jsonOutput {
			return printJSON(out, job)
		}
		fmt.Fprintf(out, "Submitted job %s\n", job.ID)
		return nil
	}

	final, err := orch.Wait(ctx, job.ID)
	if errors.Is(err, context.Canceled) {
		log.Warn().Str("job_id", job.ID).Msg("Interrupted, cancelling deployment")
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
		defer cancel()
		if cerr := orch.Cancel(graceCtx, job.ID); cerr != nil && !errors.Is(cerr, engine.ErrJobTerminal) {
			return cerr
		}
		final, err = orch.Wait(graceCtx, job.ID)
	}
	if err != nil {
		return err
	}

	// Let queued progress lines reach the output before the summary.
	_ = a.tel.Events.Flush(context.WithoutCancel(ctx))
	if err := printJobSummary(out, final, opts.jsonOutput); err != nil {
		return err
	}

	switch final.Status {
	case engine.JobStatusCompleted:
		if final.Progress.Failed > 0 {
			return fmt.Errorf("job %s completed with %d failed targets", final.ID, final.Progress.Failed)
		}
		return nil
	case engine.JobStatusCancelled:
		return fmt.Errorf("job %s was cancelled", final.ID)
	default:
		return fmt.Errorf("job %s %s", final.ID, final.Status)
	}
}

func printEvent(w io.Writer, e telemetry.Event) {
	switch e.Type {
	case telemetry.EventTypeRecordUpdated, telemetry.EventTypeRecordRolledBack:
		fmt.Fprintf(w, "  %-8s %-20s %s\n", e.Level, e.TargetID, e.Message)
	default:
		fmt.Fprintf(w, "%s: %s\n", e.Type, e.Message)
	}
}
