// Package storage defines the persistence interface shared by every
// subsystem: the job queue, ingest, CVE sync, event correlation,
// publishing, and the LLM admin model. Implementations live in
// subpackages (currently sqlite).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned when a lease operation loses a race:
// the job is held by another worker or its lease was reclaimed.
var ErrAlreadyClaimed = errors.New("job already claimed")

// ErrConflict is returned when a write would violate a uniqueness
// invariant, such as enqueueing a second running job with the same
// idempotency key.
var ErrConflict = errors.New("conflict")

// EnqueueOptions controls duplicate handling at enqueue time.
type EnqueueOptions struct {
	// Debounce coalesces with an existing queued job that has the same
	// job type and idempotency key: instead of inserting a new row, the
	// existing job's run_after is pushed to now+Debounce, capped so a
	// sustained stream of enqueues cannot defer the job indefinitely.
	// Zero disables coalescing (a queued duplicate is returned as-is).
	Debounce time.Duration
}

// Storage is the persistence contract. All methods are safe for
// concurrent use. Implementations must make each method atomic: either
// the whole mutation is visible or none of it is.
type Storage interface {
	// Job queue operations
	//
	// EnqueueJob inserts a job, or returns the existing queued/running
	// job when the idempotency key already has one (coalescing per
	// opts.Debounce). The returned job carries the persisted state.
	EnqueueJob(ctx context.Context, job *types.Job, opts EnqueueOptions) (*types.Job, error)
	// ClaimNextJob atomically claims the next runnable job for workerID:
	// status is queued, or running with an expired lease; run_after is
	// unset or due; job type is in jobTypes; and the running count for
	// the job's type is below its cap in typeCaps (types absent from the
	// map are uncapped). Ordering is priority descending, then
	// requested_at ascending. Claiming increments attempts and stamps
	// the lease. Returns (nil, nil) when nothing is runnable.
	ClaimNextJob(ctx context.Context, workerID string, jobTypes []string, leaseTTL time.Duration, typeCaps map[string]int) (*types.Job, error)
	// RenewLease extends the lease for a running job owned by workerID
	// and reports whether cancellation has been requested. Returns
	// ErrAlreadyClaimed if the job is no longer owned by workerID.
	RenewLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (cancelRequested bool, err error)
	CompleteJob(ctx context.Context, jobID, workerID string, result json.RawMessage) error
	// FailJob records an attempt failure. When retryAt is non-nil the
	// job returns to queued with run_after=retryAt; otherwise it is
	// terminally failed. A non-empty result is stored so partial
	// outcomes (builder output tails, per-source counts) survive the
	// failure. Returns ErrAlreadyClaimed on lost leases.
	FailJob(ctx context.Context, jobID, workerID string, jobErr string, result json.RawMessage, retryAt *time.Time) error
	// CancelJob cancels a queued job immediately, or flags a running job
	// for cooperative cancellation. Terminal jobs are returned unchanged.
	CancelJob(ctx context.Context, jobID string) (*types.Job, error)
	CancelJobs(ctx context.Context, filter types.JobFilter) (int, error)
	// FinalizeCanceledJob moves a running job owned by workerID to
	// canceled, recording reason in the error column. Workers call it
	// after a handler stops for a cancel request or a hard timeout.
	FinalizeCanceledJob(ctx context.Context, jobID, workerID, reason string) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error)
	RequeueJob(ctx context.Context, jobID string) error
	CountRunningByType(ctx context.Context) (map[string]int, error)
	QueueStats(ctx context.Context) (*types.QueueStats, error)
	PruneJobs(ctx context.Context, olderThan time.Time) (int, error)

	// Source operations
	UpsertSource(ctx context.Context, src *types.Source) error
	GetSource(ctx context.Context, id string) (*types.Source, error)
	ListSources(ctx context.Context, includeDisabled bool) ([]*types.Source, error)
	// ListDueSources returns enabled, unpaused sources whose next poll
	// time (last_run_at + interval) is at or before now.
	ListDueSources(ctx context.Context, now time.Time) ([]*types.Source, error)
	DeleteSource(ctx context.Context, id string) error
	SetSourcePause(ctx context.Context, id string, until time.Time, reason string) error
	ClearSourcePause(ctx context.Context, id string) error
	// UpdateSourceFetchState persists the HTTP cache hints and the last
	// run timestamp after a fetch round, successful or not.
	UpdateSourceFetchState(ctx context.Context, id, etag, lastModified string, lastRunAt time.Time) error

	// Source health operations
	AppendSourceHealth(ctx context.Context, h *types.SourceHealth) error
	// RecentSourceHealth returns up to limit records, newest first.
	RecentSourceHealth(ctx context.Context, sourceID string, limit int) ([]*types.SourceHealth, error)

	// Article operations
	//
	// UpsertArticle inserts an article and reports whether a row was
	// created. A duplicate (source_id, stable_id) leaves the stored row
	// untouched and returns inserted=false.
	UpsertArticle(ctx context.Context, a *types.Article) (inserted bool, err error)
	GetArticle(ctx context.Context, id string) (*types.Article, error)
	ListArticles(ctx context.Context, f types.ArticleFilter) ([]*types.Article, error)
	UpdateArticleContent(ctx context.Context, id, content, htmlExcerpt, fingerprint string, fetchedAt time.Time) error
	SetArticleContentError(ctx context.Context, id, contentErr string) error
	UpdateArticleSummary(ctx context.Context, id, summary string) error
	SetArticleSummaryError(ctx context.Context, id, summaryErr string) error
	MarkArticlePublished(ctx context.Context, id, path string) error
	ReplaceArticleCVELinks(ctx context.Context, articleID string, links []*types.ArticleCVELink) error
	ListArticleCVELinks(ctx context.Context, articleID string) ([]*types.ArticleCVELink, error)
	// ListAllArticleCVELinks returns the full article-to-CVE relation,
	// ordered by (cve_id, article_id). Event correlation reads it in
	// one pass instead of issuing per-article queries.
	ListAllArticleCVELinks(ctx context.Context) ([]*types.ArticleCVELink, error)
	ListArticlesForCVE(ctx context.Context, cveID string) ([]*types.Article, error)

	// CVE operations
	UpsertCVE(ctx context.Context, c *types.CVE) error
	// EnsureCVEStub inserts a placeholder row for a CVE id mentioned in
	// an article before the NVD sync has seen it. Existing rows are left
	// untouched apart from advancing last_seen_at.
	EnsureCVEStub(ctx context.Context, cveID string, seenAt time.Time) error
	GetCVE(ctx context.Context, id string) (*types.CVE, error)
	ListCVEs(ctx context.Context, f types.CVEFilter) ([]*types.CVE, error)
	AppendCveChange(ctx context.Context, ch *types.CveChange) error
	ListCveChanges(ctx context.Context, cveID string, limit int) ([]*types.CveChange, error)
	ListRecentCveChanges(ctx context.Context, since time.Time, limit int) ([]*types.CveChange, error)
	UpsertVendor(ctx context.Context, v *types.Vendor) error
	UpsertProduct(ctx context.Context, p *types.Product) error
	ReplaceCVEProducts(ctx context.Context, cveID string, productKeys []string) error
	ListCVEProducts(ctx context.Context, cveID string) ([]string, error)
	// ListCveProductPairs returns every (cve_id, product_key) pair for
	// CVEs last modified at or after since. Used by event clustering.
	ListCveProductPairs(ctx context.Context, since time.Time) ([]types.CveProductPair, error)

	// Event operations
	UpsertEvent(ctx context.Context, e *types.Event) error
	GetEvent(ctx context.Context, id string) (*types.Event, error)
	GetEventByKey(ctx context.Context, key string) (*types.Event, error)
	ListEvents(ctx context.Context, f types.EventFilter) ([]*types.Event, error)
	ReplaceEventLinks(ctx context.Context, eventID string, itemType types.EventItemType, links []*types.EventLink) error
	ListEventLinks(ctx context.Context, eventID string, itemType types.EventItemType) ([]*types.EventLink, error)
	// PurgeWeakEvents deletes non-manual events that have fewer than
	// minArticles linked articles and severity below minSeverity,
	// returning the deleted event IDs.
	PurgeWeakEvents(ctx context.Context, minArticles int, minSeverity types.Severity) ([]string, error)
	DeleteEvents(ctx context.Context, ids []string) (int, error)
	// TransitionStaleEvents moves long-quiet events through the
	// time-based lifecycle edges: active/updating rows last seen before
	// dormantBefore become dormant, dormant rows last seen before
	// closeBefore become closed. Manual events never transition.
	// Returns (newly dormant, newly closed).
	TransitionStaleEvents(ctx context.Context, dormantBefore, closeBefore time.Time) (dormant, closed int, err error)
	// MarkEventsPublished returns non-manual updating events to active
	// once a site build has rendered their refreshed pages. Returns the
	// number of events flipped.
	MarkEventsPublished(ctx context.Context) (int, error)

	// LLM administration
	UpsertLLMProvider(ctx context.Context, p *types.LLMProvider) error
	GetLLMProvider(ctx context.Context, id string) (*types.LLMProvider, error)
	ListLLMProviders(ctx context.Context) ([]*types.LLMProvider, error)
	DeleteLLMProvider(ctx context.Context, id string) error
	PutLLMSecret(ctx context.Context, s *types.LLMSecret) error
	GetLLMSecret(ctx context.Context, id string) (*types.LLMSecret, error)
	UpsertLLMModel(ctx context.Context, m *types.LLMModel) error
	GetLLMModel(ctx context.Context, id string) (*types.LLMModel, error)
	ListLLMModels(ctx context.Context) ([]*types.LLMModel, error)
	UpsertLLMPrompt(ctx context.Context, p *types.LLMPrompt) error
	GetLLMPrompt(ctx context.Context, id string) (*types.LLMPrompt, error)
	UpsertLLMSchema(ctx context.Context, s *types.LLMSchema) error
	GetLLMSchema(ctx context.Context, id string) (*types.LLMSchema, error)
	UpsertLLMProfile(ctx context.Context, p *types.LLMProfile) error
	GetLLMProfile(ctx context.Context, id string) (*types.LLMProfile, error)
	ListLLMProfiles(ctx context.Context) ([]*types.LLMProfile, error)
	SetStageRoute(ctx context.Context, stage, profileID string) error
	GetStageRoute(ctx context.Context, stage string) (string, error)
	ListStageRoutes(ctx context.Context) (map[string]string, error)
	AppendLLMRun(ctx context.Context, run *types.LLMRun) error
	ListLLMRuns(ctx context.Context, f types.LLMRunFilter) ([]*types.LLMRun, error)

	// Runtime configuration (key -> JSON value)
	GetRuntimeConfig(ctx context.Context) (map[string]string, error)
	SetRuntimeConfigKey(ctx context.Context, key, jsonValue string) error

	// Maintenance
	//
	// ClearContentByType deletes all rows of a content type (articles,
	// cves, or events) together with their link rows.
	ClearContentByType(ctx context.Context, contentType string) (int64, error)
	ContentCounts(ctx context.Context) (articles, cves, events int64, err error)
	Migrate(ctx context.Context) error

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction is the subset of Storage available inside
// RunInTransaction. Handlers use it to commit a unit of work
// atomically: for example, ingest writes accepted articles, their CVE
// links, the health record, and the follow-up jobs in one transaction,
// so downstream jobs become visible only when the batch commits.
//
// Semantics:
//   - Returning nil from the callback commits.
//   - Returning an error rolls back everything.
//   - A panic rolls back and re-raises.
type Transaction interface {
	EnqueueJob(ctx context.Context, job *types.Job, opts EnqueueOptions) (*types.Job, error)

	UpsertArticle(ctx context.Context, a *types.Article) (inserted bool, err error)
	UpdateArticleContent(ctx context.Context, id, content, htmlExcerpt, fingerprint string, fetchedAt time.Time) error
	UpdateArticleSummary(ctx context.Context, id, summary string) error
	MarkArticlePublished(ctx context.Context, id, path string) error
	ReplaceArticleCVELinks(ctx context.Context, articleID string, links []*types.ArticleCVELink) error

	UpsertCVE(ctx context.Context, c *types.CVE) error
	EnsureCVEStub(ctx context.Context, cveID string, seenAt time.Time) error
	AppendCveChange(ctx context.Context, ch *types.CveChange) error
	UpsertVendor(ctx context.Context, v *types.Vendor) error
	UpsertProduct(ctx context.Context, p *types.Product) error
	ReplaceCVEProducts(ctx context.Context, cveID string, productKeys []string) error

	AppendSourceHealth(ctx context.Context, h *types.SourceHealth) error
	UpdateSourceFetchState(ctx context.Context, id, etag, lastModified string, lastRunAt time.Time) error
	SetSourcePause(ctx context.Context, id string, until time.Time, reason string) error

	UpsertEvent(ctx context.Context, e *types.Event) error
	GetEventByKey(ctx context.Context, key string) (*types.Event, error)
	ReplaceEventLinks(ctx context.Context, eventID string, itemType types.EventItemType, links []*types.EventLink) error

	AppendLLMRun(ctx context.Context, run *types.LLMRun) error
	SetRuntimeConfigKey(ctx context.Context, key, jsonValue string) error
}
