package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var testSourceCmd = &cobra.Command{
	Use:     "test-source <id>",
	GroupID: "content",
	Short:   "Dry-run one source without persisting anything",
	Long: `Fetches, parses, normalizes, and filters one source in memory and
reports the per-item accept/reject decision. No articles, health rows,
or jobs are written, and cache validators are not sent, so the preview
always sees the full feed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			preview, err := svc.TestSource(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(preview)
				return nil
			}

			fmt.Printf("%s: HTTP %d, %d item(s): %s would accept, %s duplicate, %s filtered, %d missing URL\n",
				preview.SourceID, preview.HTTPStatus, preview.Found,
				ui.RenderOK(fmt.Sprintf("%d", preview.WouldAccept)),
				ui.RenderMuted(fmt.Sprintf("%d", preview.Seen)),
				ui.RenderWarn(fmt.Sprintf("%d", preview.Filtered)),
				preview.MissingURL)
			fmt.Println(ui.RenderSeparator())
			for _, d := range preview.Decisions {
				mark := ui.RenderOK("✓")
				if !d.Accepted {
					mark = ui.RenderFail("✗")
				}
				fmt.Printf("%s %s\n", mark, ui.TruncateChars(d.Title, 90))
				if len(d.Reasons) > 0 {
					fmt.Printf("  %s\n", ui.RenderMuted(strings.Join(d.Reasons, ", ")))
				}
				if len(d.CVEIDs) > 0 {
					fmt.Printf("  CVEs: %s\n", strings.Join(d.CVEIDs, ", "))
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(testSourceCmd)
}
