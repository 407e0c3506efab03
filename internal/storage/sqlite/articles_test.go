package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

func insertTestArticle(t *testing.T, store *SQLiteStore, id, sourceID string, ingestedAt time.Time) *types.Article {
	t.Helper()
	a := &types.Article{
		ID:           id,
		SourceID:     sourceID,
		Title:        "Title " + id,
		CanonicalURL: "https://example.com/" + id,
		IngestedAt:   ingestedAt,
	}
	inserted, err := store.UpsertArticle(context.Background(), a)
	if err != nil {
		t.Fatalf("UpsertArticle %s failed: %v", id, err)
	}
	if !inserted {
		t.Fatalf("expected article %s to be inserted", id)
	}
	return a
}

// TestUpsertArticleFirstWriterWins verifies a duplicate canonical URL from
// the same source is reported as not-inserted and leaves the original row
// untouched.
func TestUpsertArticleFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	upsertTestSource(t, store, "src", true)

	first := &types.Article{
		ID:           "art-1",
		SourceID:     "src",
		Title:        "Original title",
		CanonicalURL: "https://example.com/post",
		Tags:         []string{"news"},
	}
	inserted, err := store.UpsertArticle(ctx, first)
	if err != nil {
		t.Fatalf("UpsertArticle failed: %v", err)
	}
	if !inserted {
		t.Fatal("expected first write to insert")
	}

	dup := &types.Article{
		ID:           "art-1",
		SourceID:     "src",
		Title:        "Rewritten title",
		CanonicalURL: "https://example.com/post",
	}
	inserted, err = store.UpsertArticle(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate UpsertArticle failed: %v", err)
	}
	if inserted {
		t.Error("expected duplicate to report inserted=false")
	}

	got, err := store.GetArticle(ctx, "art-1")
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.Title != "Original title" {
		t.Errorf("expected original row kept, got title %q", got.Title)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "news" {
		t.Errorf("expected original tags kept, got %v", got.Tags)
	}
	if got.OriginalURL != got.CanonicalURL {
		t.Errorf("expected original_url defaulted to canonical, got %q", got.OriginalURL)
	}
}

// TestUpsertArticleValidates verifies the required fields.
func TestUpsertArticleValidates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bad := []*types.Article{
		{SourceID: "src", CanonicalURL: "https://e.example.com/x"},
		{ID: "a", CanonicalURL: "https://e.example.com/x"},
		{ID: "b", SourceID: "src"},
	}
	for _, a := range bad {
		if _, err := store.UpsertArticle(ctx, a); err == nil {
			t.Errorf("expected article %+v to be rejected", a)
		}
	}
}

// TestListArticlesFilters exercises the stage filters used by the fetch,
// summarize, and publish pipelines.
func TestListArticlesFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	upsertTestSource(t, store, "src-a", true)
	upsertTestSource(t, store, "src-b", true)

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	insertTestArticle(t, store, "a1", "src-a", base)
	insertTestArticle(t, store, "a2", "src-a", base.Add(time.Hour))
	insertTestArticle(t, store, "b1", "src-b", base.Add(2*time.Hour))

	if err := store.UpdateArticleContent(ctx, "a1", "body text", "<p>body</p>", "fp-1", base.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateArticleContent failed: %v", err)
	}
	if err := store.UpdateArticleSummary(ctx, "a2", "short summary"); err != nil {
		t.Fatalf("UpdateArticleSummary failed: %v", err)
	}
	if err := store.MarkArticlePublished(ctx, "b1", "content/articles/b1.md"); err != nil {
		t.Fatalf("MarkArticlePublished failed: %v", err)
	}

	all, err := store.ListArticles(ctx, types.ArticleFilter{})
	if err != nil {
		t.Fatalf("ListArticles failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "b1" || all[2].ID != "a1" {
		t.Errorf("expected newest-ingested first, got %v", articleIDs(all))
	}

	bySource, err := store.ListArticles(ctx, types.ArticleFilter{SourceID: "src-a"})
	if err != nil {
		t.Fatalf("ListArticles by source failed: %v", err)
	}
	if len(bySource) != 2 {
		t.Errorf("expected 2 src-a articles, got %v", articleIDs(bySource))
	}

	yes, no := true, false
	needFetch, err := store.ListArticles(ctx, types.ArticleFilter{HasContent: &no})
	if err != nil {
		t.Fatalf("ListArticles pending-content failed: %v", err)
	}
	if len(needFetch) != 2 {
		t.Errorf("expected 2 articles without content, got %v", articleIDs(needFetch))
	}

	summarized, err := store.ListArticles(ctx, types.ArticleFilter{HasSummary: &yes})
	if err != nil {
		t.Fatalf("ListArticles summarized failed: %v", err)
	}
	if len(summarized) != 1 || summarized[0].ID != "a2" {
		t.Errorf("expected only a2 summarized, got %v", articleIDs(summarized))
	}

	unpublished, err := store.ListArticles(ctx, types.ArticleFilter{Published: &no})
	if err != nil {
		t.Fatalf("ListArticles unpublished failed: %v", err)
	}
	if len(unpublished) != 2 {
		t.Errorf("expected 2 unpublished articles, got %v", articleIDs(unpublished))
	}

	since := base.Add(30 * time.Minute)
	recent, err := store.ListArticles(ctx, types.ArticleFilter{Since: &since})
	if err != nil {
		t.Fatalf("ListArticles since failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 recent articles, got %v", articleIDs(recent))
	}

	limited, err := store.ListArticles(ctx, types.ArticleFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListArticles limited failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "b1" {
		t.Errorf("expected newest single article, got %v", articleIDs(limited))
	}
}

func articleIDs(articles []*types.Article) []string {
	ids := make([]string, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	return ids
}

// TestUpdateArticleContentClearsError verifies a successful fetch wipes a
// previous failure and a later failure keeps the stored content.
func TestUpdateArticleContentClearsError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	upsertTestSource(t, store, "src", true)
	insertTestArticle(t, store, "art", "src", time.Now().UTC())

	if err := store.SetArticleContentError(ctx, "art", "timeout"); err != nil {
		t.Fatalf("SetArticleContentError failed: %v", err)
	}
	fetchedAt := time.Date(2026, 8, 21, 8, 30, 0, 0, time.UTC)
	if err := store.UpdateArticleContent(ctx, "art", "full text", "<article>full text</article>", "fp", fetchedAt); err != nil {
		t.Fatalf("UpdateArticleContent failed: %v", err)
	}

	got, err := store.GetArticle(ctx, "art")
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.ContentText != "full text" || got.ContentError != "" {
		t.Errorf("expected content set and error cleared, got text=%q err=%q", got.ContentText, got.ContentError)
	}
	if got.ContentHTMLExcerpt != "<article>full text</article>" {
		t.Errorf("expected html excerpt stored, got %q", got.ContentHTMLExcerpt)
	}
	if got.ContentFetchedAt == nil || !got.ContentFetchedAt.Equal(fetchedAt) {
		t.Errorf("expected fetched_at %v, got %v", fetchedAt, got.ContentFetchedAt)
	}

	// A retry failure records the error but keeps the old content.
	if err := store.SetArticleContentError(ctx, "art", "410 gone"); err != nil {
		t.Fatalf("SetArticleContentError failed: %v", err)
	}
	got, err = store.GetArticle(ctx, "art")
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.ContentText != "full text" || got.ContentError != "410 gone" {
		t.Errorf("expected content kept alongside error, got text=%q err=%q", got.ContentText, got.ContentError)
	}

	if err := store.UpdateArticleContent(ctx, "missing", "x", "", "fp", fetchedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing article, got %v", err)
	}
}

// TestUpdateArticleSummary verifies summary writes clear the stage error
// and missing ids surface ErrNotFound.
func TestUpdateArticleSummary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	upsertTestSource(t, store, "src", true)
	insertTestArticle(t, store, "art", "src", time.Now().UTC())

	if err := store.SetArticleSummaryError(ctx, "art", "schema mismatch"); err != nil {
		t.Fatalf("SetArticleSummaryError failed: %v", err)
	}
	if err := store.UpdateArticleSummary(ctx, "art", "two sentence summary"); err != nil {
		t.Fatalf("UpdateArticleSummary failed: %v", err)
	}

	got, err := store.GetArticle(ctx, "art")
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.SummaryLLM != "two sentence summary" || got.SummaryError != "" {
		t.Errorf("expected summary set and error cleared, got %q / %q", got.SummaryLLM, got.SummaryError)
	}

	if err := store.UpdateArticleSummary(ctx, "missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkArticlePublished(ctx, "missing", "p.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestReplaceArticleCVELinks verifies link replacement is idempotent and
// drops links no longer present.
func TestReplaceArticleCVELinks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	upsertTestSource(t, store, "src", true)
	insertTestArticle(t, store, "art", "src", time.Now().UTC())

	links := []*types.ArticleCVELink{
		{
			ArticleID:      "art",
			CVEID:          "CVE-2026-1000",
			Confidence:     0.95,
			ConfidenceBand: types.BandLinked,
			Reasons:        []string{types.RuleCVEExplicit},
		},
		{
			ArticleID:      "art",
			CVEID:          "CVE-2026-2000",
			Confidence:     0.5,
			ConfidenceBand: types.BandProbable,
			Reasons:        []string{types.RuleSharedProduct},
		},
	}
	if err := store.ReplaceArticleCVELinks(ctx, "art", links); err != nil {
		t.Fatalf("ReplaceArticleCVELinks failed: %v", err)
	}

	got, err := store.ListArticleCVELinks(ctx, "art")
	if err != nil {
		t.Fatalf("ListArticleCVELinks failed: %v", err)
	}
	if len(got) != 2 || got[0].CVEID != "CVE-2026-1000" {
		t.Fatalf("unexpected links: %+v", got)
	}
	if got[0].ConfidenceBand != types.BandLinked || got[0].Reasons[0] != types.RuleCVEExplicit {
		t.Errorf("link fields did not round-trip: %+v", got[0])
	}

	// Re-extraction found only one CVE this time.
	if err := store.ReplaceArticleCVELinks(ctx, "art", links[:1]); err != nil {
		t.Fatalf("second ReplaceArticleCVELinks failed: %v", err)
	}
	got, err = store.ListArticleCVELinks(ctx, "art")
	if err != nil {
		t.Fatalf("ListArticleCVELinks failed: %v", err)
	}
	if len(got) != 1 || got[0].CVEID != "CVE-2026-1000" {
		t.Errorf("expected stale link dropped, got %+v", got)
	}
}

// TestListArticlesForCVE verifies the reverse lookup used by event
// correlation.
func TestListArticlesForCVE(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	upsertTestSource(t, store, "src", true)

	base := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	insertTestArticle(t, store, "old", "src", base)
	insertTestArticle(t, store, "new", "src", base.Add(time.Hour))
	insertTestArticle(t, store, "other", "src", base.Add(2*time.Hour))

	link := func(articleID string) {
		err := store.ReplaceArticleCVELinks(ctx, articleID, []*types.ArticleCVELink{{
			ArticleID:      articleID,
			CVEID:          "CVE-2026-3000",
			Confidence:     1,
			ConfidenceBand: types.BandLinked,
			Reasons:        []string{types.RuleCVEExplicit},
		}})
		if err != nil {
			t.Fatalf("link %s failed: %v", articleID, err)
		}
	}
	link("old")
	link("new")

	articles, err := store.ListArticlesForCVE(ctx, "CVE-2026-3000")
	if err != nil {
		t.Fatalf("ListArticlesForCVE failed: %v", err)
	}
	if len(articles) != 2 || articles[0].ID != "new" || articles[1].ID != "old" {
		t.Errorf("expected [new old], got %v", articleIDs(articles))
	}

	none, err := store.ListArticlesForCVE(ctx, "CVE-2026-9999")
	if err != nil {
		t.Fatalf("ListArticlesForCVE failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no articles, got %v", articleIDs(none))
	}
}
