package llm

import (
	"context"
	"encoding/json"

	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/types"
)

// NewSummarizeArticleHandler returns the summarize_article_llm handler.
func NewSummarizeArticleHandler(r *Router) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var p queue.ArticlePayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.ArticleID == "" {
			return nil, types.Tagf(types.KindValidation, "summarize_article_llm: missing article_id")
		}
		res, err := r.SummarizeArticle(ctx, p.ArticleID)
		if err != nil {
			return nil, err
		}
		task.Log.Info("article summarized",
			"article", res.ArticleID, "profile", res.ProfileID,
			"chars", res.SummaryChars, "repaired", res.Repaired)
		return json.Marshal(res)
	}
}
