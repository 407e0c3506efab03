package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var cveSyncFull bool

var cveCmd = &cobra.Command{
	Use:     "cve",
	GroupID: "content",
	Short:   "CVE synchronization and inspection",
}

var cveSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Enqueue an NVD delta sync",
	Long: `Enqueues a cve_sync job. With --full the sync walks the entire
configured lookback window instead of the delta since the last run.
The job coalesces with an already-queued or running sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			job, err := svc.RunCveSyncNow(ctx, cveSyncFull)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			fmt.Printf("Enqueued cve_sync %s (%s)\n", job.ID, job.Status)
			return nil
		})
	},
}

var cveShowCmd = &cobra.Command{
	Use:   "show <cve-id>",
	Short: "Show one CVE with its change journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := rootCtx

		id := strings.ToUpper(args[0])
		c, err := store.GetCVE(ctx, id)
		if err != nil {
			return err
		}
		changes, err := store.ListCveChanges(ctx, id, 20)
		if err != nil {
			return err
		}
		products, err := store.ListCVEProducts(ctx, id)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"cve": c, "changes": changes, "products": products,
			})
			return nil
		}

		sev := string(c.PreferredBaseSeverity)
		score := ""
		if c.PreferredBaseScore != nil {
			score = fmt.Sprintf(" %.1f", *c.PreferredBaseScore)
		}
		fmt.Printf("%s  %s%s (CVSS %s)\n", c.CVEID, ui.RenderSeverity(sev), score, c.PreferredCvssVersion)
		fmt.Println(ui.RenderSeparator())
		if c.DescriptionText != "" {
			fmt.Println(ui.TruncateChars(c.DescriptionText, 500))
		}
		if c.PublishedAt != nil {
			fmt.Printf("Published:  %s\n", fmtTime(c.PublishedAt))
		}
		if c.LastModifiedAt != nil {
			fmt.Printf("Modified:   %s\n", fmtTime(c.LastModifiedAt))
		}
		lastSeen := c.LastSeenAt
		fmt.Printf("Last seen:  %s\n", fmtTime(&lastSeen))
		if len(products) > 0 {
			fmt.Printf("Products:   %s\n", strings.Join(products, ", "))
		}
		if len(c.ReferenceDomains) > 0 {
			fmt.Printf("References: %s\n", strings.Join(c.ReferenceDomains, ", "))
		}
		if len(changes) > 0 {
			fmt.Println(ui.RenderHeader("changes"))
			now := time.Now().UTC()
			for _, ch := range changes {
				line := string(ch.ChangeType)
				if ch.FromValue != "" || ch.ToValue != "" {
					line += fmt.Sprintf(" %s → %s", ch.FromValue, ch.ToValue)
				}
				at := ch.ChangeAt
				fmt.Printf("  %s  %s\n", ui.RenderMuted(fmtAgo(&at, now)), line)
			}
		}
		return nil
	},
}

func init() {
	cveSyncCmd.Flags().BoolVar(&cveSyncFull, "full", false, "Sync the full lookback window")
	cveCmd.AddCommand(cveSyncCmd, cveShowCmd)
	rootCmd.AddCommand(cveCmd)
}
