package publish

import (
	"context"
	"encoding/json"

	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/types"
)

// NewWriteArticleMarkdownHandler returns the write_article_markdown
// handler. Every published page debounce-enqueues a site build, so a
// burst of publishes ends in a single build.
func NewWriteArticleMarkdownHandler(p *Publisher) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var pl queue.ArticlePayload
		if err := task.DecodePayload(&pl); err != nil {
			return nil, err
		}
		if pl.ArticleID == "" {
			return nil, types.Tagf(types.KindValidation, "write_article_markdown: missing article_id")
		}
		res, err := p.PublishArticle(ctx, pl.ArticleID, task.Runtime)
		if err != nil {
			return nil, err
		}
		if err := queue.EnqueueBuildSite(ctx, p.store, task.Runtime.Scheduler.BuildDebounce()); err != nil {
			return nil, err
		}
		task.Log.Info("article published",
			"article", res.ArticleID, "path", res.Path, "no_summary", res.NoSummary)
		return json.Marshal(res)
	}
}

// NewBuildSiteHandler returns the build_site handler. A builder failure
// still carries its partial result so the stdout and stderr tails land
// in the job row, where `sv jobs show` can surface them.
func NewBuildSiteHandler(p *Publisher) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		res, err := p.BuildSite(ctx, task.Runtime)
		if err != nil {
			if res == nil {
				return nil, err
			}
			raw, merr := json.Marshal(res)
			if merr != nil {
				return nil, err
			}
			return raw, err
		}
		return json.Marshal(res)
	}
}

// NewDailyBriefHandler returns the build_daily_brief handler. A brief
// that produced a page enqueues a debounced build; an empty day does not.
func NewDailyBriefHandler(p *Publisher) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var pl queue.DailyBriefPayload
		if err := task.DecodePayload(&pl); err != nil {
			return nil, err
		}
		res, err := p.BuildDailyBrief(ctx, pl.Date)
		if err != nil {
			return nil, err
		}
		if !res.Skipped {
			if err := queue.EnqueueBuildSite(ctx, p.store, task.Runtime.Scheduler.BuildDebounce()); err != nil {
				return nil, err
			}
		}
		task.Log.Info("daily brief built",
			"date", res.Date, "articles", res.Articles, "skipped", res.Skipped)
		return json.Marshal(res)
	}
}
