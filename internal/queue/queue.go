// Package queue runs the durable job queue on top of the storage layer.
//
// A Pool claims jobs with lease-based ownership, executes registered
// handlers under a per-type hard timeout, renews leases while handlers
// run, and applies the retry and cancellation policy. Jobs survive
// process restarts because the queue is a table: a worker that dies
// mid-job leaves a stale lease, and the next claim cycle reclaims it.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Idempotency keys for singleton jobs: at most one queued-or-running
// copy of each exists at any time.
const (
	KeyIngestScan    = "ingest_due_sources"
	KeyCveSync       = "cve_sync"
	KeyEventsRebuild = "events_rebuild"
	KeyBuildSite     = "build_site"
)

// ingestKey returns the idempotency key guarding one ingest per source.
func ingestKey(sourceID string) string { return "ingest:" + sourceID }

// Task is what a handler receives: the claimed job, the runtime config
// snapshot taken for this execution, and a logger pre-tagged with the
// job's identity.
type Task struct {
	Job     *types.Job
	Runtime *config.Runtime
	Log     *slog.Logger
}

// DecodePayload unmarshals the job payload into v. Malformed payloads
// are a validation error: the job fails without retry.
func (t *Task) DecodePayload(v interface{}) error {
	if len(t.Job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Job.Payload, v); err != nil {
		return types.Tagf(types.KindValidation, "decode %s payload: %v", t.Job.JobType, err)
	}
	return nil
}

// HandlerFunc executes one claimed job. The context is canceled on
// cooperative cancellation, hard timeout, and worker shutdown; handlers
// must observe it at every suspension point. The returned JSON (may be
// nil) is stored as the job result.
type HandlerFunc func(ctx context.Context, task *Task) (json.RawMessage, error)

// Enqueuer is the enqueue-only slice of the storage contract. Both
// storage.Storage and storage.Transaction satisfy it, so handlers can
// enqueue follow-up jobs inside the transaction that commits their own
// effects.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *types.Job, opts storage.EnqueueOptions) (*types.Job, error)
}

// Payloads carried by each job type.

// SourcePayload identifies the source an ingest job operates on.
type SourcePayload struct {
	SourceID string `json:"source_id"`
}

// ArticlePayload identifies the article a pipeline stage operates on.
type ArticlePayload struct {
	ArticleID string `json:"article_id"`
}

// CveSyncPayload optionally narrows a CVE sync to an explicit modified
// window. Full requests a complete resync regardless of the journal.
type CveSyncPayload struct {
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	Full        bool       `json:"full,omitempty"`
}

// DailyBriefPayload selects the day a brief covers (YYYY-MM-DD,
// defaulting to today when empty).
type DailyBriefPayload struct {
	Date string `json:"date,omitempty"`
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; reaching this is a bug.
		panic(err)
	}
	return b
}

// NewIngestScanJob builds the scheduler heartbeat job. The scan claims
// ahead of backlogged pipeline work so ingestion keeps flowing.
func NewIngestScanJob() *types.Job {
	return &types.Job{
		JobType:        types.JobTypeIngestDueSources,
		Priority:       10,
		IdempotencyKey: KeyIngestScan,
	}
}

// NewIngestSourceJob builds an ingest job for one source, keyed so a
// source is never ingested twice concurrently.
func NewIngestSourceJob(sourceID string) *types.Job {
	return &types.Job{
		JobType:        types.JobTypeIngestSource,
		Payload:        mustJSON(SourcePayload{SourceID: sourceID}),
		IdempotencyKey: ingestKey(sourceID),
	}
}

// NewArticleJob builds a pipeline-stage job (fetch_article_content,
// summarize_article_llm, write_article_markdown) for one article.
func NewArticleJob(jobType, articleID string) *types.Job {
	return &types.Job{
		JobType:        jobType,
		Payload:        mustJSON(ArticlePayload{ArticleID: articleID}),
		IdempotencyKey: jobType + ":" + articleID,
	}
}

// NewCveSyncJob builds a CVE delta sync job. At most one sync is active
// at a time.
func NewCveSyncJob(windowStart, windowEnd *time.Time, full bool) *types.Job {
	return &types.Job{
		JobType:        types.JobTypeCveSync,
		Payload:        mustJSON(CveSyncPayload{WindowStart: windowStart, WindowEnd: windowEnd, Full: full}),
		IdempotencyKey: KeyCveSync,
	}
}

// NewEventsRebuildJob builds the event correlation rebuild job, keyed so
// at most one rebuild runs at a time.
func NewEventsRebuildJob() *types.Job {
	return &types.Job{
		JobType:        types.JobTypeEventsRebuild,
		IdempotencyKey: KeyEventsRebuild,
	}
}

// NewBuildSiteJob builds the site build job.
func NewBuildSiteJob() *types.Job {
	return &types.Job{
		JobType:        types.JobTypeBuildSite,
		IdempotencyKey: KeyBuildSite,
	}
}

// NewDailyBriefJob builds a daily brief job for date (YYYY-MM-DD, empty
// for today).
func NewDailyBriefJob(date string) *types.Job {
	return &types.Job{
		JobType:        types.JobTypeBuildDailyBrief,
		Payload:        mustJSON(DailyBriefPayload{Date: date}),
		IdempotencyKey: "build_daily_brief:" + date,
	}
}

// EnqueueBuildSite debounce-enqueues the site build: bursts of content
// writes inside the debounce window coalesce into a single build, and
// each new write pushes the pending build's run_after forward, up to
// the storage layer's cap so a long burst still builds eventually.
func EnqueueBuildSite(ctx context.Context, q Enqueuer, debounce time.Duration) error {
	job := NewBuildSiteJob()
	ra := time.Now().UTC().Add(debounce)
	job.RunAfter = &ra
	_, err := q.EnqueueJob(ctx, job, storage.EnqueueOptions{Debounce: debounce})
	return err
}

// BuildJob constructs a job of the given type from a raw payload,
// applying the same payload shape and idempotency key the system
// constructors use. Manual enqueues therefore coalesce with scheduled
// ones instead of racing them.
func BuildJob(jobType string, payload json.RawMessage) (*types.Job, error) {
	switch jobType {
	case types.JobTypeIngestDueSources:
		return NewIngestScanJob(), nil
	case types.JobTypeIngestSource:
		var p SourcePayload
		if err := decodeInto(jobType, payload, &p); err != nil {
			return nil, err
		}
		if p.SourceID == "" {
			return nil, types.Tagf(types.KindValidation, "%s: payload requires source_id", jobType)
		}
		return NewIngestSourceJob(p.SourceID), nil
	case types.JobTypeFetchArticleContent, types.JobTypeSummarizeArticleLLM, types.JobTypeWriteArticleMarkdown:
		var p ArticlePayload
		if err := decodeInto(jobType, payload, &p); err != nil {
			return nil, err
		}
		if p.ArticleID == "" {
			return nil, types.Tagf(types.KindValidation, "%s: payload requires article_id", jobType)
		}
		return NewArticleJob(jobType, p.ArticleID), nil
	case types.JobTypeCveSync:
		var p CveSyncPayload
		if err := decodeInto(jobType, payload, &p); err != nil {
			return nil, err
		}
		return NewCveSyncJob(p.WindowStart, p.WindowEnd, p.Full), nil
	case types.JobTypeEventsRebuild:
		return NewEventsRebuildJob(), nil
	case types.JobTypeBuildSite:
		return NewBuildSiteJob(), nil
	case types.JobTypeBuildDailyBrief:
		var p DailyBriefPayload
		if err := decodeInto(jobType, payload, &p); err != nil {
			return nil, err
		}
		return NewDailyBriefJob(p.Date), nil
	}
	return nil, types.Tagf(types.KindValidation,
		"unknown job type %q (known: %s)", jobType, strings.Join(types.KnownJobTypes, ", "))
}

func decodeInto(jobType string, payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return types.Tagf(types.KindValidation, "%s: bad payload: %v", jobType, err)
	}
	return nil
}
