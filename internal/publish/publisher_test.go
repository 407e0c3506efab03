package publish

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/storage/sqlite"
	"github.com/sempervigil/sempervigil/internal/types"
)

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "publish.db"))
	if err != nil {
		t.Fatalf("sqlite.New failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(t *testing.T, store storage.Storage) *Publisher {
	t.Helper()
	return NewPublisher(store, filepath.Join(t.TempDir(), "site"), quietLogger())
}

func seedSource(t *testing.T, store storage.Storage, id, name string) {
	t.Helper()
	src := &types.Source{
		ID:      id,
		Name:    name,
		Kind:    types.SourceRSS,
		URL:     "https://" + id + ".example/feed.xml",
		Enabled: true,
	}
	if err := store.UpsertSource(context.Background(), src); err != nil {
		t.Fatalf("UpsertSource(%s) failed: %v", id, err)
	}
}

func seedArticle(t *testing.T, store storage.Storage, a *types.Article) {
	t.Helper()
	if _, err := store.UpsertArticle(context.Background(), a); err != nil {
		t.Fatalf("UpsertArticle(%s) failed: %v", a.ID, err)
	}
}

func testRuntime() *config.Runtime {
	return config.DefaultRuntime()
}

func TestPublishArticle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := newTestPublisher(t, store)
	seedSource(t, store, "acme-blog", "Acme Security Blog")

	pub := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedArticle(t, store, &types.Article{
		ID:           "a1b2c3d4e5f6a7b8",
		SourceID:     "acme-blog",
		Title:        "Critical RCE in Acme Widget",
		CanonicalURL: "https://acme.example/blog/rce",
		PublishedAt:  &pub,
		IngestedAt:   pub.Add(time.Hour),
		SummaryLLM:   "Attackers can execute code remotely.",
		Tags:         []string{"security"},
	})

	res, err := p.PublishArticle(ctx, "a1b2c3d4e5f6a7b8", testRuntime())
	if err != nil {
		t.Fatalf("PublishArticle failed: %v", err)
	}
	want := filepath.Join("content", "posts", "2026-03-01-critical-rce-in-acme-widget-a1b2c3d4.md")
	if res.Path != want {
		t.Fatalf("path = %q, want %q", res.Path, want)
	}
	if res.NoSummary {
		t.Fatalf("NoSummary = true for an article with a summary")
	}

	page, err := os.ReadFile(filepath.Join(p.siteDir, res.Path))
	if err != nil {
		t.Fatalf("published page missing: %v", err)
	}
	text := string(page)
	if !strings.Contains(text, "Critical RCE in Acme Widget") {
		t.Errorf("page is missing the title:\n%s", text)
	}
	if !strings.Contains(text, "Acme Security Blog") {
		t.Errorf("page is missing the source category:\n%s", text)
	}

	stored, err := store.GetArticle(ctx, "a1b2c3d4e5f6a7b8")
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if stored.PublishedMDPath != res.Path {
		t.Errorf("PublishedMDPath = %q, want %q", stored.PublishedMDPath, res.Path)
	}
}

func TestPublishArticleSummaryFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := newTestPublisher(t, store)
	seedSource(t, store, "acme-blog", "Acme Security Blog")
	seedArticle(t, store, &types.Article{
		ID:           "art-nosum",
		SourceID:     "acme-blog",
		Title:        "Advisory without summary",
		CanonicalURL: "https://acme.example/blog/adv",
		IngestedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		SummaryError: "llm stage failed",
	})

	rt := testRuntime()
	rt.Publish.FailOpenOnSummaryError = false
	if _, err := p.PublishArticle(ctx, "art-nosum", rt); err == nil {
		t.Fatalf("fail-closed publish of a summaryless article succeeded")
	} else if types.Kind(err) != types.KindPermanent {
		t.Fatalf("fail-closed error kind = %s, want %s", types.Kind(err), types.KindPermanent)
	}

	rt.Publish.FailOpenOnSummaryError = true
	res, err := p.PublishArticle(ctx, "art-nosum", rt)
	if err != nil {
		t.Fatalf("fail-open publish failed: %v", err)
	}
	if !res.NoSummary {
		t.Errorf("NoSummary = false, want true")
	}
	page, err := os.ReadFile(filepath.Join(p.siteDir, res.Path))
	if err != nil {
		t.Fatalf("published page missing: %v", err)
	}
	if strings.Contains(string(page), "summary:") {
		t.Errorf("fail-open page carries a summary field:\n%s", page)
	}
}

func TestPublishArticleNotFound(t *testing.T) {
	store := newTestStore(t)
	p := newTestPublisher(t, store)
	_, err := p.PublishArticle(context.Background(), "missing", testRuntime())
	if types.Kind(err) != types.KindNotFound {
		t.Fatalf("error kind = %s, want %s", types.Kind(err), types.KindNotFound)
	}
}

// Two publishes inside the debounce window must coalesce into a single
// queued build.
func TestWriteArticleMarkdownHandlerCoalescesBuilds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := newTestPublisher(t, store)
	seedSource(t, store, "acme-blog", "Acme Security Blog")
	rt := testRuntime()
	handler := NewWriteArticleMarkdownHandler(p)

	for i, id := range []string{"art-h1", "art-h2"} {
		seedArticle(t, store, &types.Article{
			ID:           id,
			SourceID:     "acme-blog",
			Title:        "Handler article",
			CanonicalURL: "https://acme.example/blog/h" + id,
			IngestedAt:   time.Date(2026, 3, 3, 10, i, 0, 0, time.UTC),
			SummaryLLM:   "Summary.",
		})
		job := queue.NewArticleJob(types.JobTypeWriteArticleMarkdown, id)
		raw, err := handler(ctx, &queue.Task{Job: job, Runtime: rt, Log: quietLogger()})
		if err != nil {
			t.Fatalf("handler(%s) failed: %v", id, err)
		}
		var res PublishArticleResult
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if res.ArticleID != id {
			t.Errorf("result article = %q, want %q", res.ArticleID, id)
		}
	}

	builds, err := store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeBuildSite})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("queued builds = %d, want 1 (debounce should coalesce)", len(builds))
	}
	if builds[0].RunAfter == nil {
		t.Errorf("coalesced build has no run_after")
	}
}
