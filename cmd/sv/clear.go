package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
)

var (
	clearTypeFlag  string
	clearForceFlag bool
)

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "admin",
	Short:   "Delete content by type",
	Long: `Deletes all rows of one content type: articles, cves, events, jobs,
or all. Clearing all cancels active jobs first so no running handler
re-creates rows mid-purge. This is the destructive maintenance action;
there is no undo.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearForceFlag && !jsonOutput {
			if err := confirmDestructive(
				fmt.Sprintf("Clear %s?", clearTypeFlag),
				"Deletes the rows and their link tables. This cannot be undone.",
			); err != nil {
				return err
			}
		}
		return withService(func(ctx context.Context, svc *ops.Service) error {
			res, err := svc.ClearContentByType(ctx, clearTypeFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(res)
				return nil
			}
			if res.JobsCanceled > 0 {
				fmt.Printf("Canceled %d active job(s)\n", res.JobsCanceled)
			}
			for table, n := range res.Deleted {
				fmt.Printf("Deleted %d row(s) from %s\n", n, table)
			}
			return nil
		})
	},
}

func init() {
	clearCmd.Flags().StringVar(&clearTypeFlag, "type", "", "Content type: articles, cves, events, jobs, all (required)")
	clearCmd.Flags().BoolVar(&clearForceFlag, "force", false, "Skip the confirmation prompt")
	_ = clearCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(clearCmd)
}
