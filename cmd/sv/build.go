package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/publish"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var (
	buildEnqueueFlag bool
	briefDateFlag    string
)

var buildCmd = &cobra.Command{
	Use:     "build",
	GroupID: "run",
	Short:   "Build the static site",
	Long: `Re-renders event pages and JSON indexes from the database, then runs
the external site builder. By default the build runs in this process; a
file lock serializes it against a worker building concurrently. With
--enqueue the build becomes a debounced build_site job instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if buildEnqueueFlag {
			return withServiceEnqueueBuild()
		}

		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		rt, err := config.LoadRuntime(rootCtx, store)
		if err != nil {
			return err
		}
		publisher := publish.NewPublisher(store, config.SiteDir(), newLogger(os.Stderr))
		res, err := publisher.BuildSite(rootCtx, rt)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		fmt.Printf("Built site in %dms: %d article(s), %d cve(s), %d event(s) indexed\n",
			res.DurationMS, res.ArticlesIndexed, res.CVEsIndexed, res.EventsIndexed)
		if res.StderrTail != "" {
			fmt.Println(ui.RenderMuted(ui.TailLines(res.StderrTail, 10)))
		}
		return nil
	},
}

func withServiceEnqueueBuild() error {
	return withService(func(ctx context.Context, svc *ops.Service) error {
		job, err := svc.EnqueueJob(ctx, types.JobTypeBuildSite, nil)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(job)
			return nil
		}
		fmt.Printf("Enqueued build_site %s (%s)\n", job.ID, job.Status)
		return nil
	})
}

var briefCmd = &cobra.Command{
	Use:     "brief",
	GroupID: "run",
	Short:   "Build the daily brief page",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		publisher := publish.NewPublisher(store, config.SiteDir(), newLogger(os.Stderr))
		res, err := publisher.BuildDailyBrief(rootCtx, briefDateFlag)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		if res.Skipped {
			fmt.Printf("No articles ingested on %s; no brief written\n", res.Date)
			return nil
		}
		fmt.Printf("Wrote %s: %d article(s) from %d source(s), %d call-out(s)\n",
			res.Path, res.Articles, res.Sources, res.Callouts)
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildEnqueueFlag, "enqueue", false, "Enqueue a debounced build_site job instead of building now")
	briefCmd.Flags().StringVar(&briefDateFlag, "date", "", "Brief date YYYY-MM-DD (default: today UTC)")
	rootCmd.AddCommand(buildCmd, briefCmd)
}
