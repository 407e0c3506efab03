package ingest

import (
	"bytes"
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// htmlExcerptBytes bounds the raw-HTML excerpt stored for debugging
// extraction problems.
const htmlExcerptBytes = 4 << 10

// ContentResult is the JSON result of one content fetch.
type ContentResult struct {
	ArticleID         string `json:"article_id"`
	HTTPStatus        int    `json:"http_status"`
	TextBytes         int    `json:"text_bytes"`
	SummarizeEnqueued bool   `json:"summarize_enqueued,omitempty"`
}

// FetchContent pulls the article's page, extracts the readable text,
// and stores it. Unlike ingest runs, failures here return an error so
// the queue retries transient ones; the article keeps the last error
// either way.
func (r *Runner) FetchContent(ctx context.Context, articleID string, rt *config.Runtime) (*ContentResult, error) {
	art, err := r.store.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "article %s not found", articleID)
		}
		return nil, err
	}

	req := r.pageRequest(ctx, art, rt)
	resp, err := r.fetch.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if serr := r.store.SetArticleContentError(ctx, articleID, err.Error()); serr != nil {
			return nil, serr
		}
		return nil, err
	}

	text, excerpt, err := extractReadable(resp.Body)
	if err != nil {
		if serr := r.store.SetArticleContentError(ctx, articleID, err.Error()); serr != nil {
			return nil, serr
		}
		return nil, err
	}

	now := time.Now().UTC()
	fingerprint := types.ContentFingerprint(art.Title, text)
	if err := r.store.UpdateArticleContent(ctx, articleID, text, excerpt, fingerprint, now); err != nil {
		return nil, err
	}
	res := &ContentResult{ArticleID: articleID, HTTPStatus: resp.StatusCode, TextBytes: len(text)}

	// Summarization is optional: it runs only when an LLM profile is
	// routed for the stage.
	if _, err := r.store.GetStageRoute(ctx, types.StageSummarizeArticle); err == nil {
		job := queue.NewArticleJob(types.JobTypeSummarizeArticleLLM, articleID)
		if _, err := r.store.EnqueueJob(ctx, job, storage.EnqueueOptions{}); err != nil {
			return nil, err
		}
		res.SummarizeEnqueued = true
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return res, nil
}

// pageRequest builds the fetch request for an article page: the
// owning source's overrides apply, but never its cache validators.
func (r *Runner) pageRequest(ctx context.Context, art *types.Article, rt *config.Runtime) Request {
	src, err := r.store.GetSource(ctx, art.SourceID)
	if err != nil {
		return Request{
			URL:         art.CanonicalURL,
			UserAgent:   rt.Ingest.UserAgent,
			Timeout:     rt.Ingest.Timeout(),
			MaxRetries:  rt.Ingest.MaxRetries,
			Backoff:     rt.Ingest.Backoff(),
			MinInterval: rt.Ingest.MinRequestInterval(),
		}
	}
	req := NewRequest(src, rt.Ingest)
	req.URL = art.CanonicalURL
	req.ETag, req.LastModified = "", ""
	return req
}

// extractReadable mines the main prose out of an article page:
// boilerplate containers are dropped, then the first <article> wins,
// then the largest <div> by text length, then the whole body.
func extractReadable(body []byte) (text, htmlExcerpt string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", types.Tagf(types.KindPermanent, "parse article html: %v", err)
	}
	doc.Find("script, style, nav, footer, header, aside").Remove()

	region := doc.Find("article").First()
	if region.Length() == 0 {
		var best *goquery.Selection
		bestLen := 0
		doc.Find("div").Each(func(_ int, s *goquery.Selection) {
			if l := len(squeezeSpace(s.Text())); l > bestLen {
				best, bestLen = s, l
			}
		})
		region = best
	}
	if region == nil || region.Length() == 0 {
		region = doc.Find("body").First()
	}
	if region == nil || region.Length() == 0 {
		return squeezeSpace(doc.Text()), "", nil
	}

	text = squeezeSpace(region.Text())
	if h, herr := goquery.OuterHtml(region); herr == nil {
		htmlExcerpt = truncateRunes(h, htmlExcerptBytes)
	}
	return text, htmlExcerpt, nil
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
