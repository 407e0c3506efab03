package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/publish"
	"github.com/sempervigil/sempervigil/internal/storage/sqlite"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

// smokeFeed is the fixture feed the smoke cycle ingests. One item carries
// a CVE id so extraction has something to find.
const smokeFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Smoke Fixture Feed</title>
<link>https://smoke.invalid/</link>
<item>
  <title>Critical RCE CVE-2024-12345 patched in example server</title>
  <link>https://smoke.invalid/posts/rce-patched</link>
  <description>Vendor ships a fix for CVE-2024-12345; upgrade now.</description>
  <pubDate>Mon, 05 Jan 2026 09:00:00 GMT</pubDate>
</item>
<item>
  <title>Quarterly roundup of supply chain incidents</title>
  <link>https://smoke.invalid/posts/roundup</link>
  <description>A look back at the quarter.</description>
  <pubDate>Mon, 05 Jan 2026 10:00:00 GMT</pubDate>
</item>
</channel></rss>`

type smokeStep struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

var smokeCmd = &cobra.Command{
	Use:     "smoke",
	GroupID: "admin",
	Short:   "Run an end-to-end dry cycle against built-in fixtures",
	Long: `Exercises the pipeline against a throwaway database and a fixture
feed: ingest, CVE extraction, markdown rendering, and index writes, all
under a temporary directory. Nothing touches the configured database or
site. Containers use this as a health gate.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := runSmoke(rootCtx)
		if jsonOutput {
			outputJSON(map[string]interface{}{"steps": steps, "ok": err == nil})
		} else {
			for _, s := range steps {
				mark := ui.RenderOK("ok")
				if !s.OK {
					mark = ui.RenderFail("FAIL")
				}
				line := fmt.Sprintf("%-12s %s", s.Name, mark)
				if s.Detail != "" {
					line += "  " + ui.RenderMuted(s.Detail)
				}
				fmt.Println(line)
			}
		}
		if err != nil {
			return types.Tagf(types.KindInternal, "smoke cycle failed: %v", err)
		}
		return nil
	},
}

func runSmoke(ctx context.Context) ([]smokeStep, error) {
	var steps []smokeStep
	fail := func(name string, err error) ([]smokeStep, error) {
		steps = append(steps, smokeStep{Name: name, OK: false, Detail: err.Error()})
		return steps, err
	}
	pass := func(name, detail string) {
		steps = append(steps, smokeStep{Name: name, OK: true, Detail: detail})
	}

	work, err := os.MkdirTemp("", "sv-smoke")
	if err != nil {
		return fail("workdir", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	store, err := sqlite.New(ctx, filepath.Join(work, "smoke.db"))
	if err != nil {
		return fail("database", err)
	}
	defer func() { _ = store.Close() }()
	pass("database", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(smokeFeed))
	}))
	defer srv.Close()

	log := newLogger(os.Stderr)
	rt := config.DefaultRuntime()
	runner := ingest.NewRunner(store, ingest.NewFetcher(log), log)

	src := &types.Source{
		ID:      "smoke-fixture",
		Name:    "Smoke Fixture",
		Kind:    types.SourceRSS,
		URL:     srv.URL,
		Enabled: true,
	}
	if err := store.UpsertSource(ctx, src); err != nil {
		return fail("ingest", err)
	}
	res, err := runner.RunSource(ctx, src.ID, rt)
	if err != nil {
		return fail("ingest", err)
	}
	if res.Accepted == 0 {
		return fail("ingest", fmt.Errorf("no items accepted (found %d)", res.Found))
	}
	pass("ingest", fmt.Sprintf("%d accepted", res.Accepted))

	if res.CVELinks == 0 {
		return fail("extraction", fmt.Errorf("no CVE ids extracted"))
	}
	pass("extraction", fmt.Sprintf("%d cve link(s)", res.CVELinks))

	articles, err := store.ListArticles(ctx, types.ArticleFilter{Limit: 10})
	if err != nil || len(articles) == 0 {
		if err == nil {
			err = fmt.Errorf("no articles stored")
		}
		return fail("markdown", err)
	}
	md, err := publish.RenderArticleMarkdown(articles[0], src.Name)
	if err != nil {
		return fail("markdown", err)
	}
	if len(md) == 0 {
		return fail("markdown", fmt.Errorf("empty render"))
	}
	pass("markdown", fmt.Sprintf("%d bytes", len(md)))

	pub := publish.NewPublisher(store, filepath.Join(work, "site"), log)
	pres, err := pub.PublishArticle(ctx, articles[0].ID, rt)
	if err != nil {
		return fail("publish", err)
	}
	pass("publish", pres.Path)

	stats, err := pub.RefreshContent(ctx)
	if err != nil {
		return fail("indexes", err)
	}
	indexPath := filepath.Join(work, "site", "static", "index", "articles.json")
	if _, err := os.Stat(indexPath); err != nil {
		return fail("indexes", err)
	}
	pass("indexes", fmt.Sprintf("%d article(s) indexed", stats.Articles))
	return steps, nil
}

func init() {
	rootCmd.AddCommand(smokeCmd)
}
