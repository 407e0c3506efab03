package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var (
	eventsStatusFlag string
	eventsKindFlag   string
	eventsLimitFlag  int
	eventsForceFlag  bool
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "content",
	Short:   "Correlation event maintenance",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		filter := types.EventFilter{
			Status: types.EventStatus(eventsStatusFlag),
			Kind:   types.EventKind(eventsKindFlag),
			Limit:  eventsLimitFlag,
		}
		evs, err := store.ListEvents(rootCtx, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(evs)
			return nil
		}
		if len(evs) == 0 {
			fmt.Println("No events found")
			return nil
		}

		now := time.Now().UTC()
		rows := make([][]string, 0, len(evs))
		for _, e := range evs {
			lastSeen := e.LastSeenAt
			rows = append(rows, []string{
				e.ID,
				string(e.Kind),
				string(e.Status),
				string(e.Severity),
				fmtAgo(&lastSeen, now),
				ui.TruncateChars(e.Title, 70),
			})
		}
		printTable([]string{"ID", "KIND", "STATUS", "SEVERITY", "LAST SEEN", "TITLE"}, rows)
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one event with its linked evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := rootCtx

		ev, err := store.GetEvent(ctx, args[0])
		if err != nil {
			return err
		}
		cves, err := store.ListEventLinks(ctx, ev.ID, types.EventItemCVE)
		if err != nil {
			return err
		}
		articles, err := store.ListEventLinks(ctx, ev.ID, types.EventItemArticle)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"event": ev, "cves": cves, "articles": articles,
			})
			return nil
		}

		fmt.Printf("%s  %s\n", ev.ID, ui.TruncateChars(ev.Title, 90))
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("Kind:       %s\n", ev.Kind)
		fmt.Printf("Status:     %s\n", ev.Status)
		if ev.Severity != "" {
			fmt.Printf("Severity:   %s\n", ui.RenderSeverity(string(ev.Severity)))
		}
		fmt.Printf("First seen: %s\n", fmtTime(&ev.FirstSeenAt))
		fmt.Printf("Last seen:  %s\n", fmtTime(&ev.LastSeenAt))
		if ev.Summary != "" {
			fmt.Println(ui.RenderHeader("summary"))
			fmt.Println(ui.RenderMarkdown(ev.Summary))
		}
		printEventLinks("cves", cves)
		printEventLinks("articles", articles)
		return nil
	},
}

func printEventLinks(header string, links []*types.EventLink) {
	if len(links) == 0 {
		return
	}
	fmt.Println(ui.RenderHeader(header))
	for _, l := range links {
		line := fmt.Sprintf("  %s  %.2f", l.ItemKey, l.Confidence)
		if len(l.Reasons) > 0 {
			line += "  " + ui.RenderMuted(strings.Join(l.Reasons, ", "))
		}
		fmt.Println(line)
	}
}

var eventsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Enqueue a full events rebuild",
	Long: `Enqueues the singleton events_rebuild job. The rebuild reclusters
CVEs by product, refreshes link tables, and advances event lifecycles;
at most one copy runs at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			job, err := svc.RebuildEvents(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			fmt.Printf("Enqueued events_rebuild %s (%s)\n", job.ID, job.Status)
			return nil
		})
	},
}

var eventsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete weak-evidence events",
	Long: `Deletes events below the configured evidence threshold (too few
article citations and low severity). Manual events are never touched.
Runs synchronously and reports what was deleted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !eventsForceFlag && !jsonOutput {
			if err := confirmDestructive("Purge weak-evidence events?",
				"Deletes non-manual events with too little evidence. This cannot be undone."); err != nil {
				return err
			}
		}
		return withService(func(ctx context.Context, svc *ops.Service) error {
			res, err := svc.PurgeEvents(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(res)
				return nil
			}
			if res.Purged == 0 {
				fmt.Println("Nothing to purge")
				return nil
			}
			fmt.Printf("Purged %d event(s): %s\n", res.Purged, strings.Join(res.EventIDs, ", "))
			return nil
		})
	},
}

// confirmDestructive prompts before an irreversible operation. --force
// and --json skip the prompt for scripted callers.
func confirmDestructive(title, description string) error {
	if !ui.IsTTY() {
		return types.Tagf(types.KindValidation,
			"refusing destructive operation without a terminal; pass --force")
	}
	var confirmed bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes, delete").
		Negative("Cancel").
		Value(&confirmed).
		Run()
	if err != nil {
		return err
	}
	if !confirmed {
		return types.Tagf(types.KindCanceled, "aborted by user")
	}
	return nil
}

func init() {
	eventsListCmd.Flags().StringVar(&eventsStatusFlag, "status", "", "Filter by status (proposed, active, updating, dormant, closed)")
	eventsListCmd.Flags().StringVar(&eventsKindFlag, "kind", "", "Filter by kind (cve_cluster, incident, product_change, manual)")
	eventsListCmd.Flags().IntVar(&eventsLimitFlag, "limit", 50, "Maximum rows")
	eventsPurgeCmd.Flags().BoolVar(&eventsForceFlag, "force", false, "Skip the confirmation prompt")

	eventsCmd.AddCommand(eventsListCmd, eventsShowCmd, eventsRebuildCmd, eventsPurgeCmd)
	rootCmd.AddCommand(eventsCmd)
}
