package ops

import (
	"context"
	"errors"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// UpsertSource validates and stores one source. Runtime state on an
// existing row (pause, cache hints, last run) is preserved.
func (s *Service) UpsertSource(ctx context.Context, src *types.Source) error {
	src.SetDefaults()
	if err := src.Validate(); err != nil {
		return types.Tag(types.KindValidation, err)
	}
	if err := s.store.UpsertSource(ctx, src); err != nil {
		return types.Tag(types.KindInternal, err)
	}
	s.log.Info("source upserted", "source", src.ID, "kind", string(src.Kind))
	return nil
}

// SourceImportResult reports a sources-file import.
type SourceImportResult struct {
	Imported int      `json:"imported"`
	IDs      []string `json:"ids"`
}

// ImportSources loads a YAML sources file and upserts every entry.
// Parsing is all-or-nothing: one bad entry imports no sources.
func (s *Service) ImportSources(ctx context.Context, path string) (*SourceImportResult, error) {
	sources, err := config.LoadSourcesFile(path)
	if err != nil {
		return nil, types.Tag(types.KindValidation, err)
	}
	res := &SourceImportResult{IDs: make([]string, 0, len(sources))}
	for _, src := range sources {
		if err := s.store.UpsertSource(ctx, src); err != nil {
			return nil, types.Tag(types.KindInternal, err)
		}
		res.Imported++
		res.IDs = append(res.IDs, src.ID)
	}
	s.log.Info("sources imported", "file", path, "count", res.Imported)
	return res, nil
}

// GetSource returns one source row.
func (s *Service) GetSource(ctx context.Context, id string) (*types.Source, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "source %s not found", id)
		}
		return nil, types.Tag(types.KindInternal, err)
	}
	return src, nil
}

// ListSources lists sources, optionally including disabled ones.
func (s *Service) ListSources(ctx context.Context, includeDisabled bool) ([]*types.Source, error) {
	sources, err := s.store.ListSources(ctx, includeDisabled)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return sources, nil
}

// PauseSource pauses scheduling for a source. Zero duration means
// indefinite (ten years out, visible as such in listings).
func (s *Service) PauseSource(ctx context.Context, id string, d time.Duration, reason string) (*types.Source, error) {
	if _, err := s.GetSource(ctx, id); err != nil {
		return nil, err
	}
	if d <= 0 {
		d = 10 * 365 * 24 * time.Hour
	}
	if reason == "" {
		reason = "paused_by_admin"
	}
	until := time.Now().UTC().Add(d)
	if err := s.store.SetSourcePause(ctx, id, until, reason); err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("source paused", "source", id, "until", until, "reason", reason)
	return s.GetSource(ctx, id)
}

// ResumeSource clears a pause so the scheduler picks the source up on
// the next scan.
func (s *Service) ResumeSource(ctx context.Context, id string) (*types.Source, error) {
	if _, err := s.GetSource(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.ClearSourcePause(ctx, id); err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("source resumed", "source", id)
	return s.GetSource(ctx, id)
}

// TestSource dry-runs the ingest pipeline for one source: fetch, parse,
// normalize, filter, nothing persisted. The preview carries per-item
// decisions so an operator can see why entries would be dropped.
func (s *Service) TestSource(ctx context.Context, id string) (*ingest.Preview, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return s.ingest.TestSource(ctx, id, rt)
}

// IngestSourceNow enqueues an immediate ingest for one source,
// bypassing the interval check but not the per-source dedup key.
func (s *Service) IngestSourceNow(ctx context.Context, id string) (*types.Job, error) {
	if _, err := s.GetSource(ctx, id); err != nil {
		return nil, err
	}
	job, err := s.store.EnqueueJob(ctx, queue.NewIngestSourceJob(id), storage.EnqueueOptions{})
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return job, nil
}
