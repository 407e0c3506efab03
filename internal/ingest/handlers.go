package ingest

import (
	"context"
	"encoding/json"

	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/types"
)

// NewIngestSourceHandler returns the ingest_source job handler.
func NewIngestSourceHandler(r *Runner) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var p queue.SourcePayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.SourceID == "" {
			return nil, types.Tagf(types.KindValidation, "ingest_source: missing source_id")
		}
		res, err := r.RunSource(ctx, p.SourceID, task.Runtime)
		if err != nil {
			return nil, err
		}
		task.Log.Info("ingest run finished",
			"source", res.SourceID, "status", res.Status,
			"found", res.Found, "accepted", res.Accepted,
			"seen", res.Seen, "filtered", res.Filtered)
		return json.Marshal(res)
	}
}

// NewFetchContentHandler returns the fetch_article_content handler.
func NewFetchContentHandler(r *Runner) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var p queue.ArticlePayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.ArticleID == "" {
			return nil, types.Tagf(types.KindValidation, "fetch_article_content: missing article_id")
		}
		res, err := r.FetchContent(ctx, p.ArticleID, task.Runtime)
		if err != nil {
			return nil, err
		}
		task.Log.Info("article content fetched",
			"article", res.ArticleID, "status", res.HTTPStatus, "bytes", res.TextBytes)
		return json.Marshal(res)
	}
}
