package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var (
	sourceAllFlag bool

	addNameFlag     string
	addKindFlag     string
	addURLFlag      string
	addIntervalFlag int
	addTagsFlag     []string
	addAllowFlag    []string
	addDenyFlag     []string
	addDisabledFlag bool

	pauseForFlag    string
	pauseReasonFlag string
)

var sourceCmd = &cobra.Command{
	Use:     "source",
	GroupID: "content",
	Short:   "Manage ingest sources",
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			sources, err := svc.ListSources(ctx, sourceAllFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(sources)
				return nil
			}
			if len(sources) == 0 {
				fmt.Println("No sources configured")
				return nil
			}

			now := time.Now().UTC()
			rows := make([][]string, 0, len(sources))
			for _, s := range sources {
				state := "enabled"
				if !s.Enabled {
					state = "disabled"
				} else if s.PauseUntil != nil && s.PauseUntil.After(now) {
					state = "paused"
				}
				rows = append(rows, []string{
					s.ID,
					string(s.Kind),
					state,
					fmt.Sprintf("%dm", s.IntervalMinutes),
					fmtAgo(s.LastRunAt, now),
					ui.TruncateChars(s.URL, 60),
				})
			}
			printTable([]string{"ID", "KIND", "STATE", "INTERVAL", "LAST RUN", "URL"}, rows)
			return nil
		})
	},
}

var sourceShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one source and its recent health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			src, err := svc.GetSource(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(src)
				return nil
			}
			printSourceDetail(src)
			return nil
		})
	},
}

func printSourceDetail(s *types.Source) {
	fmt.Printf("%s  %s\n", s.ID, ui.RenderMuted(s.Name))
	fmt.Println(ui.RenderSeparator())
	fmt.Printf("Kind:       %s\n", s.Kind)
	fmt.Printf("URL:        %s\n", s.URL)
	fmt.Printf("Enabled:    %v\n", s.Enabled)
	fmt.Printf("Interval:   %dm\n", s.IntervalMinutes)
	if len(s.Tags) > 0 {
		fmt.Printf("Tags:       %s\n", strings.Join(s.Tags, ", "))
	}
	if s.PauseUntil != nil && s.PauseUntil.After(time.Now()) {
		fmt.Printf("Paused:     until %s (%s)\n",
			fmtTime(s.PauseUntil), ui.RenderWarn(s.PausedReason))
	}
	if len(s.AllowKeywords) > 0 {
		fmt.Printf("Allow:      %s\n", strings.Join(s.AllowKeywords, ", "))
	}
	if len(s.DenyKeywords) > 0 {
		fmt.Printf("Deny:       %s\n", strings.Join(s.DenyKeywords, ", "))
	}
	if s.LastRunAt != nil {
		fmt.Printf("Last run:   %s\n", fmtTime(s.LastRunAt))
	}
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			src := &types.Source{
				ID:              args[0],
				Name:            addNameFlag,
				Kind:            types.SourceKind(addKindFlag),
				URL:             addURLFlag,
				Enabled:         !addDisabledFlag,
				IntervalMinutes: addIntervalFlag,
				Tags:            addTagsFlag,
				AllowKeywords:   addAllowFlag,
				DenyKeywords:    addDenyFlag,
			}
			if err := svc.UpsertSource(ctx, src); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(src)
				return nil
			}
			fmt.Printf("Saved source %s\n", src.ID)
			return nil
		})
	},
}

var sourceImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import sources from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			res, err := svc.ImportSources(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(res)
				return nil
			}
			fmt.Printf("Imported %d source(s): %s\n", res.Imported, strings.Join(res.IDs, ", "))
			return nil
		})
	},
}

var sourcePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a source so the scheduler skips it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			var d time.Duration
			if pauseForFlag != "" {
				var err error
				if d, err = time.ParseDuration(pauseForFlag); err != nil {
					return types.Tagf(types.KindValidation, "--for: %v", err)
				}
			}
			src, err := svc.PauseSource(ctx, args[0], d, pauseReasonFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(src)
				return nil
			}
			fmt.Printf("Paused %s until %s\n", src.ID, fmtTime(src.PauseUntil))
			return nil
		})
	},
}

var sourceResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Clear a source's pause",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			src, err := svc.ResumeSource(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(src)
				return nil
			}
			fmt.Printf("Resumed %s\n", src.ID)
			return nil
		})
	},
}

var sourceIngestCmd = &cobra.Command{
	Use:   "ingest <id>",
	Short: "Enqueue an immediate ingest for one source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			job, err := svc.IngestSourceNow(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(job)
				return nil
			}
			fmt.Printf("Enqueued ingest_source %s for %s\n", job.ID, args[0])
			return nil
		})
	},
}

func init() {
	sourceListCmd.Flags().BoolVar(&sourceAllFlag, "all", false, "Include disabled sources")

	sourceAddCmd.Flags().StringVar(&addNameFlag, "name", "", "Display name")
	sourceAddCmd.Flags().StringVar(&addKindFlag, "kind", "rss", "Source kind: rss, atom, jsonfeed, html")
	sourceAddCmd.Flags().StringVar(&addURLFlag, "url", "", "Feed or page URL (required)")
	sourceAddCmd.Flags().IntVar(&addIntervalFlag, "interval", 0, "Ingest interval in minutes (default from config)")
	sourceAddCmd.Flags().StringSliceVar(&addTagsFlag, "tags", nil, "Tags applied to accepted articles")
	sourceAddCmd.Flags().StringSliceVar(&addAllowFlag, "allow", nil, "Allow keywords (absent = accept all)")
	sourceAddCmd.Flags().StringSliceVar(&addDenyFlag, "deny", nil, "Deny keywords (deny beats allow)")
	sourceAddCmd.Flags().BoolVar(&addDisabledFlag, "disabled", false, "Create the source disabled")
	_ = sourceAddCmd.MarkFlagRequired("url")

	sourcePauseCmd.Flags().StringVar(&pauseForFlag, "for", "", "Pause duration (e.g. 24h); omit for indefinite")
	sourcePauseCmd.Flags().StringVar(&pauseReasonFlag, "reason", "", "Reason shown on the source")

	sourceCmd.AddCommand(sourceListCmd, sourceShowCmd, sourceAddCmd, sourceImportCmd,
		sourcePauseCmd, sourceResumeCmd, sourceIngestCmd)
	rootCmd.AddCommand(sourceCmd)
}
