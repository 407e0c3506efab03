package types

import (
	"fmt"
	"net/url"
	"time"
)

// SourceKind selects the parser used for a source's fetched body.
type SourceKind string

const (
	SourceRSS      SourceKind = "rss"
	SourceAtom     SourceKind = "atom"
	SourceJSONFeed SourceKind = "jsonfeed"
	SourceHTML     SourceKind = "html"
)

// HTMLSelectors configures item extraction for html-kind sources.
// Selectors are goquery/CSS expressions evaluated against the fetched page.
type HTMLSelectors struct {
	Item  string `json:"item" yaml:"item"`
	Title string `json:"title" yaml:"title"`
	Link  string `json:"link" yaml:"link"`
	Date  string `json:"date,omitempty" yaml:"date,omitempty"`
}

// Source is one configured upstream feed or page.
type Source struct {
	ID              string     `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	Kind            SourceKind `json:"kind" yaml:"kind"`
	URL             string     `json:"url" yaml:"url"`
	Enabled         bool       `json:"enabled" yaml:"enabled"`
	IntervalMinutes int        `json:"interval_minutes" yaml:"interval_minutes"`
	Tags            []string   `json:"tags,omitempty" yaml:"tags,omitempty"`

	PauseUntil   *time.Time `json:"pause_until,omitempty" yaml:"pause_until,omitempty"`
	PausedReason string     `json:"paused_reason,omitempty" yaml:"paused_reason,omitempty"`

	// Per-source fetch overrides; zero values fall back to runtime config.
	UserAgent                 string            `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	Headers                   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds            int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries                int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BackoffSeconds            float64           `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
	MinRequestIntervalSeconds float64           `json:"min_request_interval_seconds,omitempty" yaml:"min_request_interval_seconds,omitempty"`

	AllowKeywords []string `json:"allow_keywords,omitempty" yaml:"allow_keywords,omitempty"`
	DenyKeywords  []string `json:"deny_keywords,omitempty" yaml:"deny_keywords,omitempty"`

	HTML *HTMLSelectors `json:"html,omitempty" yaml:"html,omitempty"`

	// HTTP caching hints round-tripped into conditional requests.
	ETag         string `json:"etag,omitempty" yaml:"-"`
	LastModified string `json:"last_modified,omitempty" yaml:"-"`

	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"-"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
}

// Validate checks the fields required before a source can be persisted.
func (s *Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.URL == "" {
		return fmt.Errorf("source %s: url is required", s.ID)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("source %s: url must be http(s), got %q", s.ID, s.URL)
	}
	switch s.Kind {
	case SourceRSS, SourceAtom, SourceJSONFeed:
	case SourceHTML:
		if s.HTML == nil || s.HTML.Item == "" || s.HTML.Link == "" {
			return fmt.Errorf("source %s: html kind requires item and link selectors", s.ID)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.IntervalMinutes < 0 {
		return fmt.Errorf("source %s: interval_minutes must not be negative", s.ID)
	}
	return nil
}

// SetDefaults fills zero-value fields with their defaults.
func (s *Source) SetDefaults() {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Kind == "" {
		s.Kind = SourceRSS
	}
	if s.IntervalMinutes == 0 {
		s.IntervalMinutes = 30
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = time.Now().UTC()
}

// IsPaused reports whether the scheduler must skip this source at the
// given instant.
func (s *Source) IsPaused(now time.Time) bool {
	return s.PauseUntil != nil && s.PauseUntil.After(now)
}

// Due reports whether the source should be ingested: enabled, not paused,
// and the configured interval has elapsed since the last run.
func (s *Source) Due(now time.Time) bool {
	if !s.Enabled || s.IsPaused(now) {
		return false
	}
	if s.LastRunAt == nil {
		return true
	}
	return now.Sub(*s.LastRunAt) >= time.Duration(s.IntervalMinutes)*time.Minute
}

// SourceHealth is one append-only record of an ingest attempt.
// Invariants: AcceptedCount <= FoundCount and
// SeenCount+FilteredCount+AcceptedCount <= FoundCount.
type SourceHealth struct {
	ID            int64     `json:"id"`
	SourceID      string    `json:"source_id"`
	TS            time.Time `json:"ts"`
	OK            bool      `json:"ok"`
	HTTPStatus    *int      `json:"http_status,omitempty"`
	FoundCount    int       `json:"found_count"`
	AcceptedCount int       `json:"accepted_count"`
	SeenCount     int       `json:"seen_count"`
	FilteredCount int       `json:"filtered_count"`
	DurationMS    int64     `json:"duration_ms"`
	LastError     string    `json:"last_error,omitempty"`
}

// Validate enforces the count invariants.
func (h *SourceHealth) Validate() error {
	if h.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if h.AcceptedCount > h.FoundCount {
		return fmt.Errorf("accepted (%d) exceeds found (%d)", h.AcceptedCount, h.FoundCount)
	}
	if h.SeenCount+h.FilteredCount+h.AcceptedCount > h.FoundCount {
		return fmt.Errorf("seen+filtered+accepted (%d) exceeds found (%d)",
			h.SeenCount+h.FilteredCount+h.AcceptedCount, h.FoundCount)
	}
	return nil
}
