// Package types defines the core data structures for SemperVigil.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Job type names. Every enqueue and every handler registration uses these
// constants; free-form type strings are rejected by Job.Validate.
const (
	JobTypeIngestDueSources     = "ingest_due_sources"
	JobTypeIngestSource         = "ingest_source"
	JobTypeFetchArticleContent  = "fetch_article_content"
	JobTypeSummarizeArticleLLM  = "summarize_article_llm"
	JobTypeWriteArticleMarkdown = "write_article_markdown"
	JobTypeCveSync              = "cve_sync"
	JobTypeEventsRebuild        = "events_rebuild"
	JobTypeBuildSite            = "build_site"
	JobTypeBuildDailyBrief      = "build_daily_brief"
)

// KnownJobTypes lists every job type the system can execute, in dispatch
// order for display purposes.
var KnownJobTypes = []string{
	JobTypeIngestDueSources,
	JobTypeIngestSource,
	JobTypeFetchArticleContent,
	JobTypeSummarizeArticleLLM,
	JobTypeWriteArticleMarkdown,
	JobTypeCveSync,
	JobTypeEventsRebuild,
	JobTypeBuildSite,
	JobTypeBuildDailyBrief,
}

// WorkerClass partitions job types across worker processes so slow or
// rate-limited work cannot starve fast work.
type WorkerClass string

const (
	// WorkerClassFetch serves ingest, content fetch, publishing, CVE sync
	// and site builds.
	WorkerClassFetch WorkerClass = "fetch"
	// WorkerClassLLM serves only LLM summarization, so provider rate limits
	// throttle nothing else.
	WorkerClassLLM WorkerClass = "llm"
)

// JobTypesForClass returns the job types a worker of the given class claims.
func JobTypesForClass(class WorkerClass) []string {
	switch class {
	case WorkerClassLLM:
		return []string{JobTypeSummarizeArticleLLM}
	case WorkerClassFetch:
		return []string{
			JobTypeIngestDueSources,
			JobTypeIngestSource,
			JobTypeFetchArticleContent,
			JobTypeWriteArticleMarkdown,
			JobTypeCveSync,
			JobTypeEventsRebuild,
			JobTypeBuildSite,
			JobTypeBuildDailyBrief,
		}
	default:
		return nil
	}
}

// ParseWorkerClass validates a --class flag value.
func ParseWorkerClass(s string) (WorkerClass, error) {
	switch WorkerClass(strings.ToLower(strings.TrimSpace(s))) {
	case WorkerClassFetch:
		return WorkerClassFetch, nil
	case WorkerClassLLM:
		return WorkerClassLLM, nil
	default:
		return "", fmt.Errorf("unknown worker class %q (want fetch or llm)", s)
	}
}

// Job is one durable unit of work. Workers claim jobs by taking a lease;
// a lease that expires without renewal makes the job claimable again.
type Job struct {
	ID             string          `json:"id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
	RunAfter       *time.Time      `json:"run_after,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	// CancelRequested marks a running job for cooperative cancellation.
	// Workers observe it at the next lease renewal.
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Validate checks the invariants a job row must satisfy before insert.
func (j *Job) Validate() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	known := false
	for _, t := range KnownJobTypes {
		if t == j.JobType {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown job type %q", j.JobType)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", j.MaxAttempts)
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// SetDefaults fills zero-value fields with their defaults.
func (j *Job) SetDefaults() {
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.RequestedAt.IsZero() {
		j.RequestedAt = time.Now().UTC()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage("{}")
	}
}

// Terminal reports whether the job is in a final state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	}
	return false
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   []JobStatus
	JobType  string
	Limit    int
	Since    *time.Time
	OrderAsc bool
}

// QueueStats summarizes queue depth for the status dashboard.
type QueueStats struct {
	ByStatus map[JobStatus]int `json:"by_status"`
	ByType   map[string]int    `json:"by_type"`
	Oldest   *time.Time        `json:"oldest_queued,omitempty"`
}
