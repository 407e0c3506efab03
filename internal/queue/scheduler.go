package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// schedulerResult is the success payload recorded on each scan job.
type schedulerResult struct {
	DueSources     int  `json:"due_sources"`
	CveSyncStale   bool `json:"cve_sync_stale"`
	CveSyncEnqueue bool `json:"cve_sync_enqueued"`
}

// NewSchedulerHandler returns the ingest_due_sources handler. Each run
// fans out one ingest_source job per due source and, when the last
// successful CVE sync is older than the configured interval, enqueues a
// cve_sync. Idempotency keys make both enqueues no-ops while a copy is
// already queued or running, so overlapping scans cannot duplicate work.
func NewSchedulerHandler(store storage.Storage) HandlerFunc {
	return func(ctx context.Context, task *Task) (json.RawMessage, error) {
		now := time.Now().UTC()

		due, err := store.ListDueSources(ctx, now)
		if err != nil {
			return nil, err
		}
		for _, src := range due {
			if _, err := store.EnqueueJob(ctx, NewIngestSourceJob(src.ID), storage.EnqueueOptions{}); err != nil {
				return nil, err
			}
		}
		if len(due) > 0 {
			task.Log.Info("ingest scan fanned out", "due_sources", len(due))
		}

		res := schedulerResult{DueSources: len(due)}
		res.CveSyncStale, err = cveSyncStale(ctx, store, now, task.Runtime.Scheduler.CveSyncInterval())
		if err != nil {
			return nil, err
		}
		if res.CveSyncStale {
			if _, err := store.EnqueueJob(ctx, NewCveSyncJob(nil, nil, false), storage.EnqueueOptions{}); err != nil {
				return nil, err
			}
			res.CveSyncEnqueue = true
		}
		return json.Marshal(res)
	}
}

// cveSyncStale reports whether the most recent successful cve_sync
// finished longer than interval ago. No prior success counts as stale,
// which seeds the first sync on a fresh install.
func cveSyncStale(ctx context.Context, store storage.Storage, now time.Time, interval time.Duration) (bool, error) {
	jobs, err := store.ListJobs(ctx, types.JobFilter{
		JobType: types.JobTypeCveSync,
		Status:  []types.JobStatus{types.JobSucceeded},
		Limit:   1,
	})
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return true, nil
	}
	last := jobs[0]
	if last.FinishedAt == nil {
		return true, nil
	}
	return now.Sub(*last.FinishedAt) > interval, nil
}
