package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var (
	articleSourceFlag string
	articleLimitFlag  int
)

var articleCmd = &cobra.Command{
	Use:     "article",
	GroupID: "content",
	Short:   "Inspect ingested articles",
}

var articleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List articles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		articles, err := store.ListArticles(rootCtx, types.ArticleFilter{
			SourceID: articleSourceFlag,
			Limit:    articleLimitFlag,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(articles)
			return nil
		}
		if len(articles) == 0 {
			fmt.Println("No articles found")
			return nil
		}

		now := time.Now().UTC()
		rows := make([][]string, 0, len(articles))
		for _, a := range articles {
			stage := "ingested"
			switch {
			case a.PublishedMDPath != "":
				stage = "published"
			case a.SummaryLLM != "":
				stage = "summarized"
			case a.ContentFetchedAt != nil:
				stage = "fetched"
			case a.ContentError != "" || a.SummaryError != "":
				stage = "error"
			}
			ingested := a.IngestedAt
			rows = append(rows, []string{
				a.ID,
				a.SourceID,
				stage,
				fmtAgo(&ingested, now),
				ui.TruncateChars(a.Title, 70),
			})
		}
		printTable([]string{"ID", "SOURCE", "STAGE", "INGESTED", "TITLE"}, rows)
		return nil
	},
}

var articleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one article with its summary and CVE links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := rootCtx

		a, err := store.GetArticle(ctx, args[0])
		if err != nil {
			return err
		}
		links, err := store.ListArticleCVELinks(ctx, a.ID)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"article": a, "cve_links": links})
			return nil
		}

		fmt.Println(ui.RenderAccent(a.Title))
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("Source:     %s\n", a.SourceID)
		fmt.Printf("URL:        %s\n", a.CanonicalURL)
		if a.PublishedAt != nil {
			fmt.Printf("Published:  %s\n", fmtTime(a.PublishedAt))
		}
		ingested := a.IngestedAt
		fmt.Printf("Ingested:   %s\n", fmtTime(&ingested))
		if a.Author != "" {
			fmt.Printf("Author:     %s\n", a.Author)
		}
		if len(a.Tags) > 0 {
			fmt.Printf("Tags:       %s\n", strings.Join(a.Tags, ", "))
		}
		if a.PublishedMDPath != "" {
			fmt.Printf("Page:       %s\n", a.PublishedMDPath)
		}
		if len(links) > 0 {
			ids := make([]string, 0, len(links))
			for _, l := range links {
				ids = append(ids, l.CVEID)
			}
			fmt.Printf("CVEs:       %s\n", strings.Join(ids, ", "))
		}
		if a.ContentError != "" {
			fmt.Printf("Fetch err:  %s\n", ui.RenderFail(ui.FirstLine(a.ContentError, 100)))
		}
		if a.SummaryError != "" {
			fmt.Printf("Summary err: %s\n", ui.RenderFail(ui.FirstLine(a.SummaryError, 100)))
		}
		if a.SummaryLLM != "" {
			fmt.Println(ui.RenderHeader("summary"))
			fmt.Print(ui.RenderMarkdown(a.SummaryLLM))
		}
		return nil
	},
}

func init() {
	articleListCmd.Flags().StringVar(&articleSourceFlag, "source", "", "Filter by source id")
	articleListCmd.Flags().IntVar(&articleLimitFlag, "limit", 50, "Maximum rows")

	articleCmd.AddCommand(articleListCmd, articleShowCmd)
	rootCmd.AddCommand(articleCmd)
}
