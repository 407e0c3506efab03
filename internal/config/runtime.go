package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// Runtime is the snapshot of database-backed settings a job handler works
// against. Handlers load one snapshot when they start and never re-read
// mid-run, so a patch applies atomically between jobs, never inside one.
//
// Storage holds one JSON document per top-level group; absent groups and
// absent fields keep their defaults.
type Runtime struct {
	Queue     QueueSettings     `json:"queue"`
	Scheduler SchedulerSettings `json:"scheduler"`
	Ingest    IngestSettings    `json:"ingest"`
	Alerts    AlertSettings     `json:"alerts"`
	CVE       CVESettings       `json:"cve"`
	Events    EventSettings     `json:"events"`
	Publish   PublishSettings   `json:"publish"`
	LLM       LLMSettings       `json:"llm"`
}

// QueueSettings tune the job queue and worker pool.
type QueueSettings struct {
	LeaseTTLSeconds           int            `json:"lease_ttl_seconds"`
	PollIntervalSeconds       int            `json:"poll_interval_seconds"`
	BackoffBaseSeconds        int            `json:"backoff_base_seconds"`
	BackoffCapSeconds         int            `json:"backoff_cap_seconds"`
	MaxAttemptsDefault        int            `json:"max_attempts_default"`
	TypeCaps                  map[string]int `json:"type_caps"`
	TypeCapDefault            int            `json:"type_cap_default"`
	TypeTimeoutsSeconds       map[string]int `json:"type_timeouts_seconds"`
	TypeTimeoutDefaultSeconds int            `json:"type_timeout_default_seconds"`
}

// LeaseTTL returns the lease duration stamped on claimed jobs.
func (q QueueSettings) LeaseTTL() time.Duration {
	return time.Duration(q.LeaseTTLSeconds) * time.Second
}

// PollInterval returns how long an idle worker sleeps between claim
// attempts.
func (q QueueSettings) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (q QueueSettings) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the ceiling on retry delays.
func (q QueueSettings) BackoffCap() time.Duration {
	return time.Duration(q.BackoffCapSeconds) * time.Second
}

// Cap returns the concurrency cap for one job type.
func (q QueueSettings) Cap(jobType string) int {
	if c, ok := q.TypeCaps[jobType]; ok && c > 0 {
		return c
	}
	if q.TypeCapDefault > 0 {
		return q.TypeCapDefault
	}
	return 4
}

// ClaimCaps materializes the cap for every known job type, the shape the
// claim query consumes.
func (q QueueSettings) ClaimCaps() map[string]int {
	caps := make(map[string]int, len(types.KnownJobTypes))
	for _, jt := range types.KnownJobTypes {
		caps[jt] = q.Cap(jt)
	}
	return caps
}

// Timeout returns the hard handler deadline for one job type.
func (q QueueSettings) Timeout(jobType string) time.Duration {
	if s, ok := q.TypeTimeoutsSeconds[jobType]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	if q.TypeTimeoutDefaultSeconds > 0 {
		return time.Duration(q.TypeTimeoutDefaultSeconds) * time.Second
	}
	return 10 * time.Minute
}

// SchedulerSettings tune the recurring scheduler jobs.
type SchedulerSettings struct {
	IngestScanIntervalMinutes int `json:"ingest_scan_interval_minutes"`
	CveSyncIntervalMinutes    int `json:"cve_sync_interval_minutes"`
	BuildDebounceSeconds      int `json:"build_debounce_seconds"`
}

// IngestScanInterval returns the delay between ingest_due_sources runs.
func (s SchedulerSettings) IngestScanInterval() time.Duration {
	return time.Duration(s.IngestScanIntervalMinutes) * time.Minute
}

// CveSyncInterval returns the maximum age of the last successful CVE sync
// before the scheduler enqueues another.
func (s SchedulerSettings) CveSyncInterval() time.Duration {
	return time.Duration(s.CveSyncIntervalMinutes) * time.Minute
}

// BuildDebounce returns the coalescing window for build_site enqueues.
func (s SchedulerSettings) BuildDebounce() time.Duration {
	return time.Duration(s.BuildDebounceSeconds) * time.Second
}

// IngestSettings tune feed fetching and the global keyword filters.
// Per-source settings override the matching fields here.
type IngestSettings struct {
	GlobalAllowKeywords       []string `json:"global_allow_keywords"`
	GlobalDenyKeywords        []string `json:"global_deny_keywords"`
	DefaultIntervalMinutes    int      `json:"default_interval_minutes"`
	UserAgent                 string   `json:"user_agent"`
	TimeoutSeconds            int      `json:"timeout_seconds"`
	MaxRetries                int      `json:"max_retries"`
	BackoffSeconds            float64  `json:"backoff_seconds"`
	MinRequestIntervalSeconds float64  `json:"min_interval_between_requests_seconds"`
}

// Timeout returns the per-request deadline for feed and page fetches.
func (i IngestSettings) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// Backoff returns the base delay between fetch retries.
func (i IngestSettings) Backoff() time.Duration {
	return time.Duration(i.BackoffSeconds * float64(time.Second))
}

// MinRequestInterval returns the minimum spacing between requests to
// the same host.
func (i IngestSettings) MinRequestInterval() time.Duration {
	return time.Duration(i.MinRequestIntervalSeconds * float64(time.Second))
}

// AlertSettings control source health reactions.
type AlertSettings struct {
	PauseOnFailure PauseOnFailure `json:"pause_on_failure"`
}

// PauseOnFailure auto-pauses a source after consecutive empty or failed
// runs so one dead feed cannot burn the whole fetch budget.
type PauseOnFailure struct {
	Enabled      bool `json:"enabled"`
	ZeroStreak   int  `json:"zero_streak"`
	ErrorStreak  int  `json:"error_streak"`
	PauseMinutes int  `json:"pause_minutes"`
}

// PauseFor returns the pause duration applied on a streak trip.
func (p PauseOnFailure) PauseFor() time.Duration {
	return time.Duration(p.PauseMinutes) * time.Minute
}

// CVESettings tune the NVD sync.
type CVESettings struct {
	PreferV4         bool    `json:"prefer_v4"`
	LookbackHours    int     `json:"lookback_hours"`
	ResultsPerPage   int     `json:"results_per_page"`
	RateLimitSeconds float64 `json:"rate_limit_seconds"`
	MaxRetries       int     `json:"max_retries"`
	BackoffSeconds   float64 `json:"backoff_seconds"`
	APIBase          string  `json:"api_base"`
}

// Lookback returns the delta-sync overlap window.
func (c CVESettings) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// RateLimit returns the pause between NVD result pages.
func (c CVESettings) RateLimit() time.Duration {
	return time.Duration(c.RateLimitSeconds * float64(time.Second))
}

// Backoff returns the base retry delay for NVD requests.
func (c CVESettings) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds * float64(time.Second))
}

// EventSettings tune event clustering and lifecycle.
type EventSettings struct {
	MergeWindowDays  int    `json:"merge_window_days"`
	DormantAfterDays int    `json:"dormant_after_days"`
	CloseAfterDays   int    `json:"close_after_days"`
	PurgeMinArticles int    `json:"purge_min_articles"`
	PurgeMinSeverity string `json:"purge_min_severity"`
}

// MergeWindow returns the clustering window width.
func (e EventSettings) MergeWindow() time.Duration {
	return time.Duration(e.MergeWindowDays) * 24 * time.Hour
}

// DormantAfter returns how long an event stays active without updates.
func (e EventSettings) DormantAfter() time.Duration {
	return time.Duration(e.DormantAfterDays) * 24 * time.Hour
}

// CloseAfter returns the total inactivity before a dormant event closes.
func (e EventSettings) CloseAfter() time.Duration {
	return time.Duration(e.CloseAfterDays) * 24 * time.Hour
}

// MinSeverity returns the purge severity floor as a typed severity.
func (e EventSettings) MinSeverity() types.Severity {
	return types.ParseSeverity(e.PurgeMinSeverity)
}

// PublishSettings tune site output.
type PublishSettings struct {
	FailOpenOnSummaryError bool   `json:"fail_open_on_summary_error"`
	SiteBaseURL            string `json:"site_base_url"`
	BuilderCmd             string `json:"builder_cmd"`
	Minify                 bool   `json:"minify"`
}

// LLMSettings mirror the stage routing table. Patching an entry here
// writes the route through to the table (after the profile is checked
// to exist); `sv llm route` writes the table directly. Readers consult
// only the table.
type LLMSettings struct {
	Stages map[string]string `json:"stages"`
}

// DefaultRuntime returns the runtime settings used when nothing is stored.
func DefaultRuntime() *Runtime {
	return &Runtime{
		Queue: QueueSettings{
			LeaseTTLSeconds:     120,
			PollIntervalSeconds: 2,
			BackoffBaseSeconds:  10,
			BackoffCapSeconds:   3600,
			MaxAttemptsDefault:  5,
			TypeCaps: map[string]int{
				types.JobTypeSummarizeArticleLLM: 2,
				types.JobTypeIngestSource:        8,
				types.JobTypeBuildSite:           1,
			},
			TypeCapDefault: 4,
			TypeTimeoutsSeconds: map[string]int{
				types.JobTypeBuildSite:           1800,
				types.JobTypeCveSync:             1200,
				types.JobTypeSummarizeArticleLLM: 300,
			},
			TypeTimeoutDefaultSeconds: 600,
		},
		Scheduler: SchedulerSettings{
			IngestScanIntervalMinutes: 5,
			CveSyncIntervalMinutes:    60,
			BuildDebounceSeconds:      30,
		},
		Ingest: IngestSettings{
			DefaultIntervalMinutes:    30,
			UserAgent:                 "SemperVigilBot/1.0 (+https://sempervigil.dev)",
			TimeoutSeconds:            20,
			MaxRetries:                3,
			BackoffSeconds:            2,
			MinRequestIntervalSeconds: 2,
		},
		Alerts: AlertSettings{
			PauseOnFailure: PauseOnFailure{
				Enabled:      true,
				ZeroStreak:   5,
				ErrorStreak:  5,
				PauseMinutes: 1440,
			},
		},
		CVE: CVESettings{
			PreferV4:         true,
			LookbackHours:    26,
			ResultsPerPage:   2000,
			RateLimitSeconds: 6,
			MaxRetries:       3,
			BackoffSeconds:   4,
			APIBase:          "https://services.nvd.nist.gov/rest/json/cves/2.0",
		},
		Events: EventSettings{
			MergeWindowDays:  14,
			DormantAfterDays: 30,
			CloseAfterDays:   120,
			PurgeMinArticles: 2,
			PurgeMinSeverity: string(types.SeverityHigh),
		},
		Publish: PublishSettings{
			FailOpenOnSummaryError: true,
			BuilderCmd:             "hugo",
			Minify:                 true,
		},
		LLM: LLMSettings{
			Stages: map[string]string{},
		},
	}
}

// groupTarget maps a group name to the matching field of r.
func (r *Runtime) groupTarget(group string) (interface{}, bool) {
	switch group {
	case "queue":
		return &r.Queue, true
	case "scheduler":
		return &r.Scheduler, true
	case "ingest":
		return &r.Ingest, true
	case "alerts":
		return &r.Alerts, true
	case "cve":
		return &r.CVE, true
	case "events":
		return &r.Events, true
	case "publish":
		return &r.Publish, true
	case "llm":
		return &r.LLM, true
	}
	return nil, false
}

// RuntimeGroups lists the valid top-level group names, sorted.
func RuntimeGroups() []string {
	groups := []string{"queue", "scheduler", "ingest", "alerts", "cve", "events", "publish", "llm"}
	sort.Strings(groups)
	return groups
}

// Validate rejects snapshots that would stall or misconfigure workers.
func (r *Runtime) Validate() error {
	if r.Queue.LeaseTTLSeconds < 5 {
		return fmt.Errorf("queue.lease_ttl_seconds must be at least 5, got %d", r.Queue.LeaseTTLSeconds)
	}
	if r.Queue.PollIntervalSeconds < 1 {
		return fmt.Errorf("queue.poll_interval_seconds must be at least 1, got %d", r.Queue.PollIntervalSeconds)
	}
	if r.Queue.BackoffBaseSeconds < 1 {
		return fmt.Errorf("queue.backoff_base_seconds must be at least 1, got %d", r.Queue.BackoffBaseSeconds)
	}
	if r.Queue.BackoffCapSeconds < r.Queue.BackoffBaseSeconds {
		return fmt.Errorf("queue.backoff_cap_seconds (%d) below backoff_base_seconds (%d)",
			r.Queue.BackoffCapSeconds, r.Queue.BackoffBaseSeconds)
	}
	if r.Queue.MaxAttemptsDefault < 1 {
		return fmt.Errorf("queue.max_attempts_default must be at least 1, got %d", r.Queue.MaxAttemptsDefault)
	}
	if r.CVE.ResultsPerPage < 1 || r.CVE.ResultsPerPage > 2000 {
		return fmt.Errorf("cve.results_per_page must be 1..2000, got %d", r.CVE.ResultsPerPage)
	}
	if r.Events.MergeWindowDays < 1 {
		return fmt.Errorf("events.merge_window_days must be at least 1, got %d", r.Events.MergeWindowDays)
	}
	if r.Events.CloseAfterDays < r.Events.DormantAfterDays {
		return fmt.Errorf("events.close_after_days (%d) below dormant_after_days (%d)",
			r.Events.CloseAfterDays, r.Events.DormantAfterDays)
	}
	if types.Severity(strings.ToUpper(r.Events.PurgeMinSeverity)).Rank() < 0 {
		return fmt.Errorf("events.purge_min_severity %q is not a severity", r.Events.PurgeMinSeverity)
	}
	return nil
}

// SnapshotFromDocs overlays the stored group documents on the defaults.
// Unknown groups are ignored so older binaries tolerate newer stores.
func SnapshotFromDocs(docs map[string]string) (*Runtime, error) {
	r := DefaultRuntime()
	for group, doc := range docs {
		target, ok := r.groupTarget(group)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(doc), target); err != nil {
			return nil, fmt.Errorf("runtime config group %s: %w", group, err)
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// RuntimeSource is the slice of the storage layer the snapshot loader
// needs.
type RuntimeSource interface {
	GetRuntimeConfig(ctx context.Context) (map[string]string, error)
}

// LoadRuntime reads the stored documents and builds a snapshot.
func LoadRuntime(ctx context.Context, src RuntimeSource) (*Runtime, error) {
	docs, err := src.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load runtime config: %w", err)
	}
	return SnapshotFromDocs(docs)
}

// ApplyRuntimePatch sets one dotted key (group.field[.subfield]) to a new
// value against the stored documents and returns the group name and its
// updated document, ready to store. The raw value is parsed as JSON when
// possible ("90", "true", `["a"]`), otherwise treated as a bare string
// ("HIGH", "hugo").
//
// The patched document is type-checked against the group's struct with
// unknown fields disallowed, so typos in field names and wrong value types
// are rejected before anything is stored.
func ApplyRuntimePatch(docs map[string]string, dottedKey, rawValue string) (string, []byte, error) {
	parts := strings.SplitN(dottedKey, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, fmt.Errorf("key %q must be group.field (groups: %s)",
			dottedKey, strings.Join(RuntimeGroups(), ", "))
	}
	group := parts[0]

	base := DefaultRuntime()
	target, ok := base.groupTarget(group)
	if !ok {
		return "", nil, fmt.Errorf("unknown group %q (groups: %s)",
			group, strings.Join(RuntimeGroups(), ", "))
	}
	if doc, ok := docs[group]; ok && doc != "" {
		if err := json.Unmarshal([]byte(doc), target); err != nil {
			return "", nil, fmt.Errorf("stored group %s is corrupt: %w", group, err)
		}
	}

	// Work on the group as a generic map so nested fields patch cleanly.
	buf, err := json.Marshal(target)
	if err != nil {
		return "", nil, fmt.Errorf("encode group %s: %w", group, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(buf, &m); err != nil {
		return "", nil, fmt.Errorf("decode group %s: %w", group, err)
	}
	if err := setDottedPath(m, strings.Split(parts[1], "."), parseScalar(rawValue)); err != nil {
		return "", nil, fmt.Errorf("set %s: %w", dottedKey, err)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode group %s: %w", group, err)
	}

	// Round-trip through the typed struct to catch bad field names and
	// wrong value types.
	check, _ := DefaultRuntime().groupTarget(group)
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(check); err != nil {
		return "", nil, fmt.Errorf("invalid value for %s: %w", dottedKey, err)
	}
	patched := DefaultRuntime()
	pt, _ := patched.groupTarget(group)
	if err := json.Unmarshal(out, pt); err != nil {
		return "", nil, fmt.Errorf("invalid value for %s: %w", dottedKey, err)
	}
	if err := patched.Validate(); err != nil {
		return "", nil, err
	}
	return group, out, nil
}

// setDottedPath walks nested objects and sets the leaf. Intermediate
// segments must already be objects; the leaf itself may be new, which is
// how per-type maps gain entries.
func setDottedPath(m map[string]interface{}, path []string, value interface{}) error {
	for i, seg := range path[:len(path)-1] {
		next, ok := m[seg]
		if !ok {
			return fmt.Errorf("no field %q", strings.Join(path[:i+1], "."))
		}
		nm, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("field %q is not an object", strings.Join(path[:i+1], "."))
		}
		m = nm
	}
	m[path[len(path)-1]] = value
	return nil
}

// parseScalar interprets a CLI-provided value: JSON when it parses,
// otherwise a plain string.
func parseScalar(raw string) interface{} {
	var val interface{}
	if err := json.Unmarshal([]byte(raw), &val); err == nil {
		return val
	}
	return raw
}
