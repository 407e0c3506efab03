// Package ops is the typed command surface behind every admin entry
// point. CLI subcommands are thin wrappers over a Service method; the
// method validates input, performs the operation against storage, and
// returns a typed result. Errors carry a types.ErrorKind so callers can
// distinguish bad input from missing rows from real failures without
// parsing message text.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Service executes admin commands against the store.
type Service struct {
	store  storage.Storage
	ingest *ingest.Runner
	log    *slog.Logger
}

// NewService wires a Service. A nil runner gets a default one, so
// callers that never touch sources can skip constructing it.
func NewService(store storage.Storage, runner *ingest.Runner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = ingest.NewRunner(store, nil, log)
	}
	return &Service{store: store, ingest: runner, log: log}
}

// runtime loads the current runtime-config snapshot.
func (s *Service) runtime(ctx context.Context) (*config.Runtime, error) {
	rt, err := config.LoadRuntime(ctx, s.store)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return rt, nil
}

// EnqueueJob builds and enqueues a job of the given type. The payload
// must match the type's shape; singleton types coalesce with an
// already-queued copy via their idempotency key.
func (s *Service) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*types.Job, error) {
	job, err := queue.BuildJob(jobType, payload)
	if err != nil {
		return nil, err
	}
	queued, err := s.store.EnqueueJob(ctx, job, storage.EnqueueOptions{})
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("job enqueued", "job", queued.ID, "type", queued.JobType)
	return queued, nil
}

// GetJob returns one job row.
func (s *Service) GetJob(ctx context.Context, id string) (*types.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "job %s not found", id)
		}
		return nil, types.Tag(types.KindInternal, err)
	}
	return job, nil
}

// ListJobs lists jobs newest-first. A zero filter limit defaults to 50.
func (s *Service) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return jobs, nil
}

// CancelJob cancels a queued job immediately or flags a running one for
// cooperative cancellation. The returned job shows the resulting state.
func (s *Service) CancelJob(ctx context.Context, id string) (*types.Job, error) {
	job, err := s.store.CancelJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindNotFound, "job %s not found", id)
		}
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("job cancel requested", "job", job.ID, "type", job.JobType, "status", job.Status)
	return job, nil
}

// CancelAll cancels every queued job and flags every running one,
// returning how many rows were touched. An optional job type narrows
// the sweep.
func (s *Service) CancelAll(ctx context.Context, jobType string) (int, error) {
	if jobType != "" && !knownJobType(jobType) {
		return 0, types.Tagf(types.KindValidation,
			"unknown job type %q (known: %s)", jobType, strings.Join(types.KnownJobTypes, ", "))
	}
	n, err := s.store.CancelJobs(ctx, types.JobFilter{JobType: jobType})
	if err != nil {
		return 0, types.Tag(types.KindInternal, err)
	}
	s.log.Info("jobs canceled", "count", n, "type", jobType)
	return n, nil
}

func knownJobType(jobType string) bool {
	for _, t := range types.KnownJobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// RetryJob returns a terminally failed or canceled job to the queue
// with a fresh attempt budget.
func (s *Service) RetryJob(ctx context.Context, id string) (*types.Job, error) {
	err := s.store.RequeueJob(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil, types.Tagf(types.KindNotFound, "job %s not found", id)
	case errors.Is(err, storage.ErrConflict):
		return nil, types.Tag(types.KindPermanent, err)
	default:
		return nil, types.Tag(types.KindInternal, err)
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("job requeued", "job", job.ID, "type", job.JobType)
	return job, nil
}

// RunCveSyncNow enqueues a CVE sync. full=true requests a complete
// resync. If a sync is already queued or running the existing job is
// returned.
func (s *Service) RunCveSyncNow(ctx context.Context, full bool) (*types.Job, error) {
	job, err := s.store.EnqueueJob(ctx, queue.NewCveSyncJob(nil, nil, full), storage.EnqueueOptions{})
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return job, nil
}

// RebuildEvents enqueues the event correlation rebuild. Deduplicated:
// at most one rebuild is ever queued or running.
func (s *Service) RebuildEvents(ctx context.Context) (*types.Job, error) {
	job, err := s.store.EnqueueJob(ctx, queue.NewEventsRebuildJob(), storage.EnqueueOptions{})
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return job, nil
}

// PurgeResult reports a weak-event purge.
type PurgeResult struct {
	Purged      int      `json:"purged"`
	EventIDs    []string `json:"event_ids,omitempty"`
	MinArticles int      `json:"min_articles"`
	MinSeverity string   `json:"min_severity"`
}

// PurgeEvents deletes non-manual events below the configured evidence
// threshold and returns what went away.
func (s *Service) PurgeEvents(ctx context.Context) (*PurgeResult, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	minArticles := rt.Events.PurgeMinArticles
	minSeverity := rt.Events.MinSeverity()
	ids, err := s.store.PurgeWeakEvents(ctx, minArticles, minSeverity)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("weak events purged", "count", len(ids),
		"min_articles", minArticles, "min_severity", string(minSeverity))
	return &PurgeResult{
		Purged:      len(ids),
		EventIDs:    ids,
		MinArticles: minArticles,
		MinSeverity: string(minSeverity),
	}, nil
}

// ClearResult reports a content purge.
type ClearResult struct {
	Deleted      map[string]int64 `json:"deleted"`
	JobsCanceled int              `json:"jobs_canceled,omitempty"`
}

// contentTypes lists the clearable content types. "all" cancels active
// jobs first, then clears every content table.
var contentTypes = map[string][]string{
	"articles": {"articles"},
	"cves":     {"cves"},
	"events":   {"events"},
	"jobs":     {"jobs"},
	"all":      {"articles", "cves", "events"},
}

// ClearContentByType deletes all rows of one content type, link tables
// included. Confirmation is the caller's problem; this method assumes
// the operator meant it.
func (s *Service) ClearContentByType(ctx context.Context, contentType string) (*ClearResult, error) {
	tables, ok := contentTypes[contentType]
	if !ok {
		return nil, types.Tagf(types.KindValidation,
			"unknown content type %q (want articles, cves, events, jobs, or all)", contentType)
	}

	res := &ClearResult{Deleted: make(map[string]int64, len(tables))}
	if contentType == "all" {
		n, err := s.CancelAll(ctx, "")
		if err != nil {
			return nil, err
		}
		res.JobsCanceled = n
	}
	for _, t := range tables {
		n, err := s.store.ClearContentByType(ctx, t)
		if err != nil {
			return nil, types.Tag(types.KindInternal, err)
		}
		res.Deleted[t] = n
	}
	s.log.Warn("content cleared", "type", contentType, "deleted", res.Deleted)
	return res, nil
}

// PruneJobs deletes terminal job rows older than the retention window.
func (s *Service) PruneJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.store.PruneJobs(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, types.Tag(types.KindInternal, err)
	}
	return n, nil
}
