package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// SummarizeResult is the stored job result for summarize_article_llm.
type SummarizeResult struct {
	ArticleID    string `json:"article_id"`
	ProfileID    string `json:"profile_id"`
	SummaryChars int    `json:"summary_chars"`
	Repaired     bool   `json:"repaired,omitempty"`
}

// SummarizeArticle runs the summarize_article stage for one article and
// stores the result. Publishing is fail-open: every outcome, success or
// failure, enqueues write_article_markdown; failures additionally land
// in the article's summary_error so the page and the index say why the
// summary is missing.
func (r *Router) SummarizeArticle(ctx context.Context, articleID string) (*SummarizeResult, error) {
	a, err := r.store.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "article %s not found", articleID)
		}
		return nil, err
	}

	content := strings.TrimSpace(a.ContentText)
	if content == "" {
		content = strings.TrimSpace(a.Title)
	}
	if content == "" {
		return nil, r.failSummary(ctx, articleID,
			types.Tagf(types.KindPermanent, "article %s has no content to summarize", articleID))
	}

	input := summaryInput(a, r.sourceName(ctx, a.SourceID), content)
	res, err := r.Run(ctx, types.StageSummarizeArticle, input)
	if err != nil {
		if types.Kind(err) == types.KindCanceled {
			return nil, err
		}
		return nil, r.failSummary(ctx, articleID, err)
	}
	if !res.SchemaValid {
		return nil, r.failSummary(ctx, articleID,
			types.Tagf(types.KindPermanent, "summary failed schema validation after repair: %s", res.SchemaError))
	}
	text := summaryText(res)
	if text == "" {
		return nil, r.failSummary(ctx, articleID,
			types.Tagf(types.KindPermanent, "provider returned an empty summary"))
	}

	if err := r.store.UpdateArticleSummary(ctx, articleID, text); err != nil {
		return nil, err
	}
	if err := r.enqueueWrite(ctx, articleID); err != nil {
		return nil, err
	}
	return &SummarizeResult{
		ArticleID:    articleID,
		ProfileID:    res.ProfileID,
		SummaryChars: len(text),
		Repaired:     res.Repaired,
	}, nil
}

// failSummary records the failure on the article, keeps the publish
// pipeline moving, and hands the cause back for the job row.
func (r *Router) failSummary(ctx context.Context, articleID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.SetArticleSummaryError(ctx, articleID, cause.Error()); err != nil {
		r.log.Warn("record summary error", "article", articleID, "err", err)
	}
	if err := r.enqueueWrite(ctx, articleID); err != nil {
		r.log.Warn("enqueue markdown after summary failure", "article", articleID, "err", err)
	}
	return cause
}

func (r *Router) enqueueWrite(ctx context.Context, articleID string) error {
	job := queue.NewArticleJob(types.JobTypeWriteArticleMarkdown, articleID)
	_, err := r.store.EnqueueJob(ctx, job, storage.EnqueueOptions{})
	return err
}

func (r *Router) sourceName(ctx context.Context, sourceID string) string {
	src, err := r.store.GetSource(ctx, sourceID)
	if err != nil || src.Name == "" {
		return sourceID
	}
	return src.Name
}

// summaryInput frames the article for the prompt's {{input}} slot.
func summaryInput(a *types.Article, sourceName, content string) string {
	published := "unknown"
	if a.PublishedAt != nil {
		published = a.PublishedAt.UTC().Format(time.RFC3339)
	}
	url := a.OriginalURL
	if url == "" {
		url = a.CanonicalURL
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", a.Title)
	fmt.Fprintf(&b, "Source: %s\n", sourceName)
	fmt.Fprintf(&b, "Published: %s\n", published)
	fmt.Fprintf(&b, "URL: %s\n\n", url)
	fmt.Fprintf(&b, "Content:\n%s\n", content)
	return b.String()
}

// summaryText extracts the prose summary from provider output: the
// "summary" key of a JSON object when present, the raw text otherwise.
// Markdown pages and index entries consume this as plain text.
func summaryText(res *Result) string {
	if res.Parsed != nil {
		var obj struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(res.Parsed, &obj); err == nil && strings.TrimSpace(obj.Summary) != "" {
			return strings.TrimSpace(obj.Summary)
		}
	}
	return strings.TrimSpace(res.Raw)
}
