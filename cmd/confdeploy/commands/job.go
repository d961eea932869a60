package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/stores"
)

func newJobCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect deployment jobs",
	}

	cmd.AddCommand(newJobListCommand(opts))
	cmd.AddCommand(newJobShowCommand(opts))
	cmd.AddCommand(newJobEventsCommand(opts))

	return cmd
}

func newJobListCommand(opts *globalOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				jobs, err := a.store.ListJobs(ctx, limit, offset)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, jobs)
				}

				t := newTable(opts.out, "ID", "TYPE", "VERSION", "MODE", "STATUS", "DONE", "FAILED", "TOTAL", "CREATED")
				for _, j := range jobs {
					t.row(j.ID, j.ConfigType, shortID(j.ConfigVersionID), string(j.Policy.Mode), string(j.Status),
						fmt.Sprintf("%d", j.Progress.Completed), fmt.Sprintf("%d", j.Progress.Failed),
						fmt.Sprintf("%d", j.Progress.Total), formatTime(j.CreatedAt))
				}
				return t.flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")

	return cmd
}

func newJobShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show a job with its per-target records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				job, err := a.store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJobSummary(opts.out, job, opts.jsonOutput)
			})
		},
	}
}

// printJobSummary prints the job header followed by one line per record.
func printJobSummary(w io.Writer, job *engine.BatchDeploymentJob, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, job)
	}

	fmt.Fprintf(w, "\nJob:      %s\n", job.ID)
	fmt.Fprintf(w, "Status:   %s\n", job.Status)
	fmt.Fprintf(w, "Version:  %s (%s)\n", job.ConfigVersionID, job.ConfigType)
	fmt.Fprintf(w, "Mode:     %s\n", job.Policy.Mode)
	if job.Risk != "" {
		fmt.Fprintf(w, "Risk:     %s\n", job.Risk)
	}
	fmt.Fprintf(w, "Progress: %d completed, %d failed, %d pending of %d\n",
		job.Progress.Completed, job.Progress.Failed, job.Progress.Pending, job.Progress.Total)
	fmt.Fprintf(w, "Started:  %s\n", formatTimePtr(job.StartedAt))
	fmt.Fprintf(w, "Finished: %s\n", formatTimePtr(job.CompletedAt))
	for _, e := range job.Errors {
		fmt.Fprintf(w, "Error:    %s\n", e)
	}

	if len(job.Records) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	t := newTable(w, "TARGET", "STATUS", "ATTEMPTS", "PREVIOUS", "DURATION", "DETAIL")
	for _, r := range job.Records {
		detail := r.Error
		if r.ErrorCode != "" {
			detail = fmt.Sprintf("[%s] %s", r.ErrorCode, r.Error)
		}
		if r.Skipped {
			detail = "unchanged, skipped"
		}
		if len(r.Warnings) > 0 {
			detail = strings.TrimSpace(detail + " " + strings.Join(r.Warnings, "; "))
		}
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(1e6).String()
		}
		t.row(r.TargetID, string(r.Status), fmt.Sprintf("%d", r.Attempts), orDash(shortID(r.PreviousVersionID)),
			duration, orDash(detail))
	}
	return t.flush()
}

func newJobEventsCommand(opts *globalOptions) *cobra.Command {
	var (
		q     stores.EventQuery
		level string
	)

	cmd := &cobra.Command{
		Use:   "events JOB_ID",
		Short: "Show the recorded event timeline of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.JobID = args[0]
			q.Level = level
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				events, err := a.store.GetEvents(ctx, q)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(opts.out, events)
				}
				if len(events) == 0 {
					fmt.Fprintf(opts.out, "No events recorded for job %s\n", args[0])
					return nil
				}

				t := newTable(opts.out, "SEQ", "TIME", "LEVEL", "TYPE", "TARGET", "MESSAGE")
				for _, e := range events {
					t.row(fmt.Sprintf("%d", e.Sequence), formatTime(e.Timestamp), e.Level, e.Type,
						orDash(e.TargetID), e.Message)
				}
				return t.flush()
			})
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of events")

	return cmd
}
