package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

const articlePage = `<html><head><style>p { color: red }</style></head><body>
<nav>Home | About</nav>
<article><h1>Go quietly</h1><p>The main body text.</p></article>
<div>unrelated sidebar content</div>
<footer>copyright</footer>
</body></html>`

const articlePageText = "Go quietly The main body text."

// TestExtractReadable walks the extraction ladder: boilerplate
// removed, first article element preferred, largest div next, body as
// the last resort.
func TestExtractReadable(t *testing.T) {
	tests := []struct {
		name        string
		page        string
		wantText    string
		wantExcerpt string
	}{
		{
			"article element wins",
			articlePage,
			articlePageText,
			"<article>",
		},
		{
			"largest div fallback",
			`<html><body>
<div class="s">short</div>
<div class="main">This is the substantially longer main region of the page with enough words to win.</div>
</body></html>`,
			"This is the substantially longer main region of the page with enough words to win.",
			`<div class="main">`,
		},
		{
			"body fallback strips scripts",
			`<html><body><p>Only paragraph.</p><script>var x = 1;</script></body></html>`,
			"Only paragraph.",
			"<body>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, excerpt, err := extractReadable([]byte(tt.page))
			if err != nil {
				t.Fatalf("extractReadable: %v", err)
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if !strings.Contains(excerpt, tt.wantExcerpt) {
				t.Errorf("excerpt = %q, want it to contain %q", excerpt, tt.wantExcerpt)
			}
		})
	}
}

// TestTruncateRunes checks the excerpt cut never splits a rune.
func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("abcdef", 10); got != "abcdef" {
		t.Errorf("short string = %q", got)
	}
	if got := truncateRunes("abcdef", 4); got != "abcd" {
		t.Errorf("ascii cut = %q", got)
	}
	// Each é is two bytes; a cut at byte 3 must back up to the rune start.
	if got := truncateRunes("ééé", 3); got != "é" {
		t.Errorf("multibyte cut = %q", got)
	}
}

// TestFetchContentStoresText fetches an article page end to end and
// checks the stored text, excerpt, fingerprint, and fetch marker.
func TestFetchContentStoresText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	upsertFeedSource(t, store, "blog", srv.URL+"/feed.xml")
	art := &types.Article{
		ID:           "a1",
		SourceID:     "blog",
		Title:        "Go quietly",
		CanonicalURL: srv.URL + "/posts/1",
		IngestedAt:   time.Now().UTC(),
	}
	if _, err := store.UpsertArticle(ctx, art); err != nil {
		t.Fatalf("upsert article: %v", err)
	}

	r := newTestRunner(store, srv)
	res, err := r.FetchContent(ctx, "a1", testRuntime())
	if err != nil {
		t.Fatalf("fetch content: %v", err)
	}
	if res.HTTPStatus != http.StatusOK || res.TextBytes != len(articlePageText) {
		t.Errorf("res = %+v", res)
	}
	if res.SummarizeEnqueued {
		t.Error("summarize enqueued without a stage route")
	}

	got, err := store.GetArticle(ctx, "a1")
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if got.ContentText != articlePageText {
		t.Errorf("content text = %q, want %q", got.ContentText, articlePageText)
	}
	if got.ContentFetchedAt == nil {
		t.Error("content fetched at not set")
	}
	if got.ContentError != "" {
		t.Errorf("content error = %q, want empty", got.ContentError)
	}
	if !strings.Contains(got.ContentHTMLExcerpt, "<article>") {
		t.Errorf("excerpt = %q, want the article region", got.ContentHTMLExcerpt)
	}
	if want := types.ContentFingerprint("Go quietly", articlePageText); got.ContentFingerprint != want {
		t.Errorf("fingerprint = %q, want %q", got.ContentFingerprint, want)
	}

	jobs, err := store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeSummarizeArticleLLM})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d summarize jobs, want 0", len(jobs))
	}
}

// TestFetchContentEnqueuesSummarize checks the LLM stage gate: with a
// profile routed for summarization, the follow-up job is enqueued.
func TestFetchContentEnqueuesSummarize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	upsertFeedSource(t, store, "blog", srv.URL+"/feed.xml")
	art := &types.Article{
		ID:           "a2",
		SourceID:     "blog",
		Title:        "Go quietly",
		CanonicalURL: srv.URL + "/posts/2",
		IngestedAt:   time.Now().UTC(),
	}
	if _, err := store.UpsertArticle(ctx, art); err != nil {
		t.Fatalf("upsert article: %v", err)
	}
	if err := store.SetStageRoute(ctx, types.StageSummarizeArticle, "default-profile"); err != nil {
		t.Fatalf("set stage route: %v", err)
	}

	r := newTestRunner(store, srv)
	res, err := r.FetchContent(ctx, "a2", testRuntime())
	if err != nil {
		t.Fatalf("fetch content: %v", err)
	}
	if !res.SummarizeEnqueued {
		t.Error("summarize not enqueued despite stage route")
	}

	jobs, err := store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeSummarizeArticleLLM})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d summarize jobs, want 1", len(jobs))
	}
	if want := types.JobTypeSummarizeArticleLLM + ":a2"; jobs[0].IdempotencyKey != want {
		t.Errorf("idempotency key = %q, want %q", jobs[0].IdempotencyKey, want)
	}
}

// TestFetchContentRecordsError checks that a failed page fetch stores
// the error on the article and fails the job for the queue to retry.
func TestFetchContentRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	upsertFeedSource(t, store, "blog", srv.URL+"/feed.xml")
	art := &types.Article{
		ID:           "a3",
		SourceID:     "blog",
		Title:        "Gone",
		CanonicalURL: srv.URL + "/posts/3",
		IngestedAt:   time.Now().UTC(),
	}
	if _, err := store.UpsertArticle(ctx, art); err != nil {
		t.Fatalf("upsert article: %v", err)
	}

	r := newTestRunner(store, srv)
	_, err := r.FetchContent(ctx, "a3", testRuntime())
	if err == nil {
		t.Fatal("expected error")
	}
	if types.Kind(err) != types.KindPermanent {
		t.Errorf("kind = %s, want %s", types.Kind(err), types.KindPermanent)
	}

	got, gerr := store.GetArticle(ctx, "a3")
	if gerr != nil {
		t.Fatalf("get article: %v", gerr)
	}
	if !strings.Contains(got.ContentError, "HTTP 404") {
		t.Errorf("content error = %q, want HTTP 404", got.ContentError)
	}
	if got.ContentFetchedAt != nil {
		t.Errorf("content fetched at = %v, want nil on failure", got.ContentFetchedAt)
	}
}

// TestFetchContentUnknownArticle checks the not-found tag.
func TestFetchContentUnknownArticle(t *testing.T) {
	store := newTestStore(t)
	r := NewRunner(store, nil, quietLogger())

	_, err := r.FetchContent(context.Background(), "ghost", testRuntime())
	if err == nil {
		t.Fatal("expected error")
	}
	if types.Kind(err) != types.KindNotFound {
		t.Errorf("kind = %s, want %s", types.Kind(err), types.KindNotFound)
	}
}
