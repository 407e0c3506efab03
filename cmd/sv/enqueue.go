package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/types"
)

var enqueuePayload string

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <job_type>",
	GroupID: "queue",
	Short:   "Enqueue a job by type",
	Long: `Enqueues one job. Types that carry canonical idempotency keys
(cve_sync, events_rebuild, build_site, ingest_due_sources) coalesce with
an already-queued or running copy instead of duplicating it.

Known types: ` + strings.Join(types.KnownJobTypes, ", "),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			var payload json.RawMessage
			if enqueuePayload != "" {
				if !json.Valid([]byte(enqueuePayload)) {
					return types.Tagf(types.KindValidation, "--payload is not valid JSON")
				}
				payload = json.RawMessage(enqueuePayload)
			}
			job, err := svc.EnqueueJob(ctx, args[0], payload)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			fmt.Printf("Enqueued %s %s (%s)\n", job.JobType, job.ID, job.Status)
			return nil
		})
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload for the job")
	rootCmd.AddCommand(enqueueCmd)
}
