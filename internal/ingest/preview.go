package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Preview is the dry run of one source: fetch, parse, normalize, and
// filter, with nothing written. Decisions include would-be duplicates
// against both the batch and the database.
type Preview struct {
	SourceID    string     `json:"source_id"`
	HTTPStatus  int        `json:"http_status"`
	Found       int        `json:"found"`
	WouldAccept int        `json:"would_accept"`
	Seen        int        `json:"seen"`
	Filtered    int        `json:"filtered"`
	MissingURL  int        `json:"missing_url"`
	Decisions   []Decision `json:"decisions"`
}

// TestSource runs the pipeline for one source without persisting
// anything: no articles, no health row, no fetch-state update. Cache
// validators are not sent so the preview always sees items.
func (r *Runner) TestSource(ctx context.Context, sourceID string, rt *config.Runtime) (*Preview, error) {
	src, err := r.store.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "source %s not found", sourceID)
		}
		return nil, err
	}

	req := NewRequest(src, rt.Ingest)
	req.ETag, req.LastModified = "", ""
	resp, err := r.fetch.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	items, err := parseItems(src, resp.Body, now)
	if err != nil {
		return nil, err
	}

	p := &Preview{SourceID: src.ID, HTTPStatus: resp.StatusCode, Found: len(items)}
	decisions := evaluate(src, rt.Ingest, items, now)
	for i := range decisions {
		d := &decisions[i]
		if !d.Accepted {
			continue
		}
		_, err := r.store.GetArticle(ctx, d.ArticleID)
		switch {
		case err == nil:
			d.Accepted = false
			d.Reasons = append(d.Reasons, reasonDuplicate)
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, err
		}
	}
	p.WouldAccept, p.Seen, p.Filtered, p.MissingURL = tally(decisions)
	p.Decisions = decisions
	return p, nil
}
