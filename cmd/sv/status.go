package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "run",
	Short:   "Show system status",
	Long: `One-page operational snapshot: queue depth by status and type,
source health, content volume, and the most recent CVE sync and site
build outcomes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			report, err := svc.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(report)
				return nil
			}
			printStatus(report)
			return nil
		})
	},
}

func printStatus(r *ops.StatusReport) {
	fmt.Println(ui.RenderHeader("queue"))
	if len(r.Queue.ByStatus) == 0 {
		fmt.Println("  empty")
	}
	for _, st := range []types.JobStatus{types.JobQueued, types.JobRunning, types.JobSucceeded, types.JobFailed, types.JobCanceled} {
		if n := r.Queue.ByStatus[st]; n > 0 {
			fmt.Printf("  %-10s %d\n", ui.RenderJobStatus(string(st)), n)
		}
	}
	if len(r.Queue.ByType) > 0 {
		jobTypes := make([]string, 0, len(r.Queue.ByType))
		for jt := range r.Queue.ByType {
			jobTypes = append(jobTypes, jt)
		}
		sort.Strings(jobTypes)
		for _, jt := range jobTypes {
			fmt.Printf("  %s%-24s %d\n", "  ", jt, r.Queue.ByType[jt])
		}
	}

	fmt.Println(ui.RenderHeader("sources"))
	fmt.Printf("  total %d, enabled %d", r.Sources.Total, r.Sources.Enabled)
	if r.Sources.Paused > 0 {
		fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("paused %d", r.Sources.Paused)))
	}
	if r.Sources.Erroring > 0 {
		fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("erroring %d", r.Sources.Erroring)))
	}
	fmt.Println()

	fmt.Println(ui.RenderHeader("content"))
	fmt.Printf("  articles %d, cves %d, events %d\n",
		r.Content.Articles, r.Content.CVEs, r.Content.Events)

	printDigest := func(label string, d *ops.JobDigest) {
		fmt.Println(ui.RenderHeader(label))
		if d == nil {
			fmt.Println("  never run")
			return
		}
		fmt.Printf("  %s %s", d.ID, ui.RenderJobStatus(d.Status))
		if d.FinishedAt != nil {
			fmt.Printf(" at %s", fmtTime(d.FinishedAt))
		}
		fmt.Println()
		if d.Error != "" {
			fmt.Printf("  %s\n", ui.RenderFail(ui.FirstLine(d.Error, 100)))
		}
	}
	printDigest("last cve sync", r.LastCveSync)
	printDigest("last build", r.LastBuild)

	if len(r.Routes) > 0 {
		fmt.Println(ui.RenderHeader("llm routes"))
		stages := make([]string, 0, len(r.Routes))
		for s := range r.Routes {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		for _, s := range stages {
			fmt.Printf("  %s -> %s\n", s, r.Routes[s])
		}
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
