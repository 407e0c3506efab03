// Package publish materializes the database into the static site: article
// and event pages as Markdown with YAML front matter, JSON indexes for
// client-side search, daily briefs, and the external builder invocation
// that turns the site directory into HTML.
//
// Writes follow two rules. Every file lands via write-to-temp-then-rename
// in the destination directory, so a builder or reader racing a writer
// sees either the old file or the new one, never a torn one. And the
// builder itself runs under a cross-process file lock: the queue already
// coalesces build_site jobs, the lock covers `sv publish build` racing a
// worker.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Publisher renders database rows into the site directory.
type Publisher struct {
	store   storage.Storage
	siteDir string
	log     *slog.Logger
}

// NewPublisher returns a Publisher rooted at siteDir (the builder source
// directory, holding content/ and static/).
func NewPublisher(store storage.Storage, siteDir string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{store: store, siteDir: siteDir, log: log}
}

func (p *Publisher) eventsDir() string { return filepath.Join(p.siteDir, "content", "events") }
func (p *Publisher) indexDir() string  { return filepath.Join(p.siteDir, "static", "index") }
func (p *Publisher) publicDir() string { return filepath.Join(p.siteDir, "public") }
func (p *Publisher) cacheDir() string  { return filepath.Join(p.siteDir, ".cache") }
func (p *Publisher) lockPath() string  { return filepath.Join(p.siteDir, ".build.lock") }

// PublishArticleResult is the stored result of a write_article_markdown job.
type PublishArticleResult struct {
	ArticleID string `json:"article_id"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
	NoSummary bool   `json:"no_summary,omitempty"`
}

// PublishArticle renders one article to content/posts and records the
// relative path on the row. An article whose summarize stage failed is
// published without a summary when publish.fail_open_on_summary_error is
// set, and fails the job otherwise.
func (p *Publisher) PublishArticle(ctx context.Context, articleID string, rt *config.Runtime) (*PublishArticleResult, error) {
	a, err := p.store.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "article %s not found", articleID)
		}
		return nil, err
	}

	noSummary := a.SummaryLLM == "" && a.SummaryError != ""
	if noSummary && !rt.Publish.FailOpenOnSummaryError {
		return nil, types.Tagf(types.KindPermanent,
			"article %s has no summary (%s) and publish is fail-closed", articleID, a.SummaryError)
	}

	sourceName := a.SourceID
	if src, err := p.store.GetSource(ctx, a.SourceID); err == nil && src.Name != "" {
		sourceName = src.Name
	}

	content, err := RenderArticleMarkdown(a, sourceName)
	if err != nil {
		return nil, types.Tag(types.KindPermanent, err)
	}
	rel := filepath.Join("content", "posts", articleFilename(a))
	if err := atomicWriteFile(filepath.Join(p.siteDir, rel), content); err != nil {
		return nil, types.Tag(types.KindTransient, fmt.Errorf("write article page: %w", err))
	}
	if err := p.store.MarkArticlePublished(ctx, a.ID, rel); err != nil {
		return nil, err
	}
	return &PublishArticleResult{
		ArticleID: a.ID,
		Path:      rel,
		Bytes:     len(content),
		NoSummary: noSummary,
	}, nil
}

// ContentStats counts what a content refresh materialized.
type ContentStats struct {
	Articles int
	CVEs     int
	Events   int
}

// RefreshContent re-renders database-derived pages and indexes without
// invoking the site builder. Normal builds go through BuildSite, which
// holds the build lock; callers of RefreshContent own any locking.
func (p *Publisher) RefreshContent(ctx context.Context) (ContentStats, error) {
	return p.refreshSiteContent(ctx)
}

// refreshSiteContent re-renders everything derived from the database:
// one page per event plus the three JSON indexes. Article and brief
// pages are written by their own jobs; events have no per-event job, so
// the build is where their pages catch up with the correlation engine.
func (p *Publisher) refreshSiteContent(ctx context.Context) (ContentStats, error) {
	var stats ContentStats

	articles, err := p.store.ListArticles(ctx, types.ArticleFilter{})
	if err != nil {
		return stats, err
	}
	cves, err := p.store.ListCVEs(ctx, types.CVEFilter{})
	if err != nil {
		return stats, err
	}
	events, err := p.store.ListEvents(ctx, types.EventFilter{})
	if err != nil {
		return stats, err
	}

	articleByID := make(map[string]*types.Article, len(articles))
	for _, a := range articles {
		articleByID[a.ID] = a
	}

	linksByEvent := make(map[string]*EventLinks, len(events))
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		links, err := p.eventLinks(ctx, e.ID)
		if err != nil {
			return stats, err
		}
		linksByEvent[e.ID] = links

		page, err := RenderEventMarkdown(e, links, articleByID)
		if err != nil {
			return stats, types.Tag(types.KindPermanent, err)
		}
		path := filepath.Join(p.eventsDir(), eventFilename(e))
		if err := atomicWriteFile(path, page); err != nil {
			return stats, types.Tag(types.KindTransient, fmt.Errorf("write event page: %w", err))
		}
	}

	if err := p.writeIndexes(articles, cves, events, linksByEvent); err != nil {
		return stats, err
	}
	stats.Articles = len(articles)
	stats.CVEs = len(cves)
	stats.Events = len(events)
	return stats, nil
}

// EventLinks bundles the three link sets of one event.
type EventLinks struct {
	CVEs     []*types.EventLink
	Products []*types.EventLink
	Articles []*types.EventLink
}

func (p *Publisher) eventLinks(ctx context.Context, eventID string) (*EventLinks, error) {
	var l EventLinks
	var err error
	if l.CVEs, err = p.store.ListEventLinks(ctx, eventID, types.EventItemCVE); err != nil {
		return nil, err
	}
	if l.Products, err = p.store.ListEventLinks(ctx, eventID, types.EventItemProduct); err != nil {
		return nil, err
	}
	if l.Articles, err = p.store.ListEventLinks(ctx, eventID, types.EventItemArticle); err != nil {
		return nil, err
	}
	return &l, nil
}

// excerptText squeezes whitespace and cuts s to at most max runes on a
// word boundary, appending an ellipsis when anything was dropped.
func excerptText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

// briefDate parses a YYYY-MM-DD brief date, defaulting to today (UTC)
// when empty.
func briefDate(date string) (time.Time, error) {
	if date == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, types.Tagf(types.KindValidation, "bad brief date %q: %v", date, err)
	}
	return day, nil
}
