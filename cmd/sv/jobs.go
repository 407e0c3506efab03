package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/timeparsing"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var (
	jobsStatusFlag []string
	jobsTypeFlag   string
	jobsLimitFlag  int
	jobsSinceFlag  string
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	GroupID: "queue",
	Short:   "Inspect and manage the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			filter := types.JobFilter{JobType: jobsTypeFlag, Limit: jobsLimitFlag}
			for _, s := range jobsStatusFlag {
				filter.Status = append(filter.Status, types.JobStatus(s))
			}
			if jobsSinceFlag != "" {
				since, err := timeparsing.Parse(jobsSinceFlag, time.Now())
				if err != nil {
					return types.Tagf(types.KindValidation, "--since: %v", err)
				}
				filter.Since = &since
			}

			jobs, err := svc.ListJobs(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(jobs)
				return nil
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}

			now := time.Now().UTC()
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID,
					j.JobType,
					string(j.Status),
					fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
					fmtAgo(&j.RequestedAt, now),
					ui.FirstLine(j.Error, 60),
				})
			}
			printTable([]string{"ID", "TYPE", "STATUS", "ATTEMPTS", "REQUESTED", "ERROR"}, rows)
			return nil
		})
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job, including its result and error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			job, err := svc.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			printJobDetail(job)
			return nil
		})
	},
}

func printJobDetail(j *types.Job) {
	fmt.Printf("%s  %s  %s\n", j.ID, j.JobType, ui.RenderJobStatus(string(j.Status)))
	fmt.Println(ui.RenderSeparator())
	fmt.Printf("Requested:  %s\n", fmtTime(&j.RequestedAt))
	if j.StartedAt != nil {
		fmt.Printf("Started:    %s\n", fmtTime(j.StartedAt))
	}
	if j.FinishedAt != nil {
		fmt.Printf("Finished:   %s\n", fmtTime(j.FinishedAt))
	}
	fmt.Printf("Attempts:   %d/%d\n", j.Attempts, j.MaxAttempts)
	if j.Priority != 0 {
		fmt.Printf("Priority:   %d\n", j.Priority)
	}
	if j.LeaseOwner != "" {
		fmt.Printf("Lease:      %s until %s\n", j.LeaseOwner, fmtTime(j.LeaseExpiresAt))
	}
	if j.IdempotencyKey != "" {
		fmt.Printf("Key:        %s\n", j.IdempotencyKey)
	}
	if len(j.Payload) > 0 && string(j.Payload) != "{}" {
		fmt.Printf("Payload:    %s\n", string(j.Payload))
	}
	if len(j.Result) > 0 {
		var pretty json.RawMessage = j.Result
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			fmt.Printf("Result:\n%s\n", string(out))
		}
	}
	if j.Error != "" {
		fmt.Printf("Error:\n%s\n", ui.RenderFail(ui.TailLines(j.Error, 20)))
	}
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			job, err := svc.CancelJob(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			if job.Status == types.JobRunning {
				fmt.Printf("Cancel requested for running job %s; the worker stops at its next lease renewal\n", job.ID)
			} else {
				fmt.Printf("Canceled %s\n", job.ID)
			}
			return nil
		})
	},
}

var jobsCancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel every queued job and flag running ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			n, err := svc.CancelAll(ctx, jobsTypeFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]int{"canceled": n})
				return nil
			}
			fmt.Printf("Canceled %d job(s)\n", n)
			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed or canceled job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			job, err := svc.RetryJob(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			fmt.Printf("Requeued %s\n", job.ID)
			return nil
		})
	},
}

var jobsPruneOlderThan string

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs older than a retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			d, err := time.ParseDuration(jobsPruneOlderThan)
			if err != nil {
				return types.Tagf(types.KindValidation, "--older-than: %v", err)
			}
			n, err := svc.PruneJobs(ctx, d)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]int{"pruned": n})
				return nil
			}
			fmt.Printf("Pruned %d job(s)\n", n)
			return nil
		})
	},
}

func init() {
	jobsListCmd.Flags().StringSliceVar(&jobsStatusFlag, "status", nil, "Filter by status (queued, running, succeeded, failed, canceled)")
	jobsListCmd.Flags().StringVar(&jobsTypeFlag, "type", "", "Filter by job type")
	jobsListCmd.Flags().IntVar(&jobsLimitFlag, "limit", 50, "Maximum rows")
	jobsListCmd.Flags().StringVar(&jobsSinceFlag, "since", "", "Only jobs requested after this time (-24h, 2026-01-02, 'last friday')")
	jobsCancelAllCmd.Flags().StringVar(&jobsTypeFlag, "type", "", "Only cancel jobs of this type")
	jobsPruneCmd.Flags().StringVar(&jobsPruneOlderThan, "older-than", "720h", "Retention window for finished jobs")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd, jobsCancelAllCmd, jobsRetryCmd, jobsPruneCmd)
	rootCmd.AddCommand(jobsCmd)
}
