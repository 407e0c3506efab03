// Package ingest pulls configured sources, normalizes their items into
// articles, and records per-run source health.
//
// A run is one pass over one source: conditional fetch, parse by kind,
// normalize and filter each item, persist the accepted ones together
// with their CVE links and follow-up jobs in a single transaction, then
// append a health row. Fetch failures are recorded as failed runs, not
// job errors: the scan scheduler provides the retry cadence, and the
// health history drives auto-pause.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Run statuses reported in job results and previews.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusSkipped     = "skipped"
	StatusNotModified = "not_modified"
)

// Runner executes source ingestion end to end.
type Runner struct {
	store storage.Storage
	fetch *Fetcher
	log   *slog.Logger
}

// NewRunner wires a Runner. A nil fetcher gets the default client.
func NewRunner(store storage.Storage, fetch *Fetcher, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if fetch == nil {
		fetch = NewFetcher(log)
	}
	return &Runner{store: store, fetch: fetch, log: log}
}

// RunResult is the JSON result of one ingest run.
type RunResult struct {
	SourceID     string `json:"source_id"`
	Status       string `json:"status"`
	HTTPStatus   *int   `json:"http_status,omitempty"`
	Found        int    `json:"found"`
	Accepted     int    `json:"accepted"`
	Seen         int    `json:"seen"`
	Filtered     int    `json:"filtered"`
	MissingURL   int    `json:"missing_url,omitempty"`
	CVELinks     int    `json:"cve_links,omitempty"`
	FetchJobs    int    `json:"fetch_jobs,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	PausedReason string `json:"paused_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RunSource ingests one source. Fetch and parse failures come back as
// Status "error" inside a successful run so the health history, not
// the job queue, owns the retry policy; only infrastructure failures
// (storage, context) return an error.
func (r *Runner) RunSource(ctx context.Context, sourceID string, rt *config.Runtime) (*RunResult, error) {
	start := time.Now()
	now := start.UTC()

	src, err := r.store.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "source %s not found", sourceID)
		}
		return nil, err
	}
	res := &RunResult{SourceID: src.ID, Status: StatusOK}

	// The source may have been disabled or paused after the job was
	// enqueued; record the skip so the run history shows it.
	if skip := skipReason(src, now); skip != "" {
		res.Status = StatusSkipped
		res.Error = skip
		res.DurationMS = time.Since(start).Milliseconds()
		h := &types.SourceHealth{SourceID: src.ID, TS: now, OK: true, LastError: skip, DurationMS: res.DurationMS}
		if err := r.store.AppendSourceHealth(ctx, h); err != nil {
			return nil, err
		}
		return res, nil
	}

	resp, err := r.fetch.Fetch(ctx, NewRequest(src, rt.Ingest))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.finishError(ctx, src, res, start, nil, err, rt)
	}
	res.HTTPStatus = &resp.StatusCode

	if resp.NotModified {
		res.Status = StatusNotModified
		res.DurationMS = time.Since(start).Milliseconds()
		if err := r.store.UpdateSourceFetchState(ctx, src.ID, resp.ETag, resp.LastModified, now); err != nil {
			return nil, err
		}
		h := &types.SourceHealth{SourceID: src.ID, TS: now, OK: true, HTTPStatus: res.HTTPStatus, DurationMS: res.DurationMS}
		if err := r.store.AppendSourceHealth(ctx, h); err != nil {
			return nil, err
		}
		return res, nil
	}

	items, err := parseItems(src, resp.Body, now)
	if err != nil {
		return r.finishError(ctx, src, res, start, res.HTTPStatus, err, rt)
	}
	res.Found = len(items)
	decisions := evaluate(src, rt.Ingest, items, now)

	// Accepted articles, their CVE rows, the fetch state, the health
	// row, and the follow-up jobs commit together: a crash mid-run
	// leaves no half-ingested batch behind.
	err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for i := range decisions {
			d := &decisions[i]
			if !d.Accepted {
				continue
			}
			art := buildArticle(src, d, items[i], now)
			inserted, err := tx.UpsertArticle(ctx, art)
			if err != nil {
				return err
			}
			if !inserted {
				d.Accepted = false
				d.Reasons = append(d.Reasons, reasonDuplicate)
				continue
			}
			for _, id := range d.CVEIDs {
				if err := tx.EnsureCVEStub(ctx, id, now); err != nil {
					return err
				}
			}
			if links := explicitCVELinks(art, d.CVEIDs, now); len(links) > 0 {
				if err := tx.ReplaceArticleCVELinks(ctx, art.ID, links); err != nil {
					return err
				}
				res.CVELinks += len(links)
			}
			if _, err := tx.EnqueueJob(ctx, queue.NewArticleJob(types.JobTypeFetchArticleContent, art.ID), storage.EnqueueOptions{}); err != nil {
				return err
			}
			res.FetchJobs++
		}

		res.Accepted, res.Seen, res.Filtered, res.MissingURL = tally(decisions)
		res.DurationMS = time.Since(start).Milliseconds()

		if err := tx.UpdateSourceFetchState(ctx, src.ID, resp.ETag, resp.LastModified, now); err != nil {
			return err
		}
		return tx.AppendSourceHealth(ctx, &types.SourceHealth{
			SourceID:      src.ID,
			TS:            now,
			OK:            true,
			HTTPStatus:    res.HTTPStatus,
			FoundCount:    res.Found,
			AcceptedCount: res.Accepted,
			SeenCount:     res.Seen,
			FilteredCount: res.Filtered,
			DurationMS:    res.DurationMS,
		})
	})
	if err != nil {
		return nil, err
	}

	reason, err := maybeAutoPause(ctx, r.store, src.ID, rt.Alerts.PauseOnFailure, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		res.PausedReason = reason
		r.log.Warn("source auto-paused", "source", src.ID, "reason", reason)
	}
	return res, nil
}

// finishError records a failed run: health row, advanced run marker
// with the old validators kept, and an auto-pause check. The job
// itself succeeds; Status carries the failure.
func (r *Runner) finishError(ctx context.Context, src *types.Source, res *RunResult, start time.Time, httpStatus *int, runErr error, rt *config.Runtime) (*RunResult, error) {
	now := start.UTC()
	res.Status = StatusError
	res.Error = runErr.Error()
	res.DurationMS = time.Since(start).Milliseconds()

	h := &types.SourceHealth{
		SourceID:   src.ID,
		TS:         now,
		OK:         false,
		HTTPStatus: httpStatus,
		DurationMS: res.DurationMS,
		LastError:  res.Error,
	}
	if err := r.store.AppendSourceHealth(ctx, h); err != nil {
		return nil, err
	}
	if err := r.store.UpdateSourceFetchState(ctx, src.ID, src.ETag, src.LastModified, now); err != nil {
		return nil, err
	}
	reason, err := maybeAutoPause(ctx, r.store, src.ID, rt.Alerts.PauseOnFailure, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		res.PausedReason = reason
		r.log.Warn("source auto-paused", "source", src.ID, "reason", reason)
	}
	r.log.Warn("ingest run failed", "source", src.ID, "error", res.Error)
	return res, nil
}

func skipReason(src *types.Source, now time.Time) string {
	if !src.Enabled {
		return "skipped:disabled"
	}
	if src.IsPaused(now) {
		return "skipped:paused:" + src.PausedReason
	}
	return ""
}

// evaluate produces one decision per item, index-aligned with items.
// Reason precedence is missing URL, then keyword filters, then
// in-batch duplicates; database duplicates are decided at write time.
func evaluate(src *types.Source, cfg config.IngestSettings, items []Item, fetchedAt time.Time) []Decision {
	filters := effectiveFilters(src, cfg)
	batch := make(map[string]bool, len(items))
	decisions := make([]Decision, len(items))

	for i, it := range items {
		d := &decisions[i]
		d.Title = stripTags(it.Title)
		d.OriginalURL = it.Link

		if it.Link == "" {
			d.Reasons = []string{reasonMissingURL}
			continue
		}
		canonical, err := NormalizeURL(it.Link)
		if err != nil {
			d.Reasons = []string{reasonMissingURL}
			continue
		}
		d.CanonicalURL = canonical
		d.ArticleID = types.StableArticleID(canonical, src.ID)
		pub, label := resolvePublished(it, fetchedAt)
		d.PublishedAt = &pub
		d.PublishedAtSource = label

		summary := stripTags(it.Summary)
		if rs := filters.reasons(d.Title, summary); len(rs) > 0 {
			d.Reasons = rs
			continue
		}
		if batch[d.ArticleID] {
			d.Reasons = []string{reasonDuplicate}
			continue
		}
		batch[d.ArticleID] = true
		d.Accepted = true
		d.CVEIDs = ExtractCVEIDs(d.Title, summary, it.Link)
	}
	return decisions
}

// buildArticle materializes an accepted decision. The feed summary
// seeds ContentText until the content fetch replaces it.
func buildArticle(src *types.Source, d *Decision, it Item, now time.Time) *types.Article {
	summary := stripTags(it.Summary)
	return &types.Article{
		ID:                 d.ArticleID,
		SourceID:           src.ID,
		Title:              d.Title,
		OriginalURL:        it.Link,
		CanonicalURL:       d.CanonicalURL,
		PublishedAt:        d.PublishedAt,
		IngestedAt:         now,
		Author:             it.Author,
		ContentText:        summary,
		Tags:               src.Tags,
		ContentFingerprint: types.ContentFingerprint(d.Title, summary),
	}
}

// tally classifies decisions into the health counts. Each item lands
// in exactly one bucket, so the count invariants hold.
func tally(decisions []Decision) (accepted, seen, filtered, missing int) {
	for _, d := range decisions {
		switch {
		case d.Accepted:
			accepted++
		case len(d.Reasons) == 0:
			// A rejected decision always carries a reason; counted
			// nowhere rather than guessed.
		case d.Reasons[0] == reasonMissingURL:
			missing++
		case hasReason(d.Reasons, reasonDuplicate):
			seen++
		default:
			filtered++
		}
	}
	return
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
