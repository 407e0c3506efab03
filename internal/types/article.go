package types

import (
	"fmt"
	"time"
)

// Article is one normalized source item. Created on ingest, then mutated
// by the fetch, summarize, and publish stages. Uniqueness is on
// (SourceID, ID) where ID is the stable hash of the canonical URL plus
// the source id; ContentFingerprint groups cross-source duplicates
// without deleting anything.
type Article struct {
	ID                 string     `json:"id"`
	SourceID           string     `json:"source_id"`
	Title              string     `json:"title"`
	OriginalURL        string     `json:"original_url"`
	CanonicalURL       string     `json:"canonical_url"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	IngestedAt         time.Time  `json:"ingested_at"`
	Author             string     `json:"author,omitempty"`
	ContentText        string     `json:"content_text,omitempty"`
	ContentHTMLExcerpt string     `json:"content_html_excerpt,omitempty"`
	ContentFetchedAt   *time.Time `json:"content_fetched_at,omitempty"`
	ContentError       string     `json:"content_error,omitempty"`
	SummaryLLM         string     `json:"summary_llm,omitempty"`
	SummaryError       string     `json:"summary_error,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	PublishedMDPath    string     `json:"published_md_path,omitempty"`
	ContentFingerprint string     `json:"content_fingerprint,omitempty"`
}

// Validate checks the fields required before an article can be persisted.
func (a *Article) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("article id is required")
	}
	if a.SourceID == "" {
		return fmt.Errorf("article %s: source_id is required", a.ID)
	}
	if a.CanonicalURL == "" {
		return fmt.Errorf("article %s: canonical_url is required", a.ID)
	}
	return nil
}

// SetDefaults fills zero-value fields with their defaults.
func (a *Article) SetDefaults() {
	if a.IngestedAt.IsZero() {
		a.IngestedAt = time.Now().UTC()
	}
	if a.OriginalURL == "" {
		a.OriginalURL = a.CanonicalURL
	}
}

// ArticleCVELink ties an article to a CVE mentioned in it, with the
// evidence that produced the link. Primary key (ArticleID, CVEID) makes
// re-extraction idempotent.
type ArticleCVELink struct {
	ArticleID      string    `json:"article_id"`
	CVEID          string    `json:"cve_id"`
	Confidence     float64   `json:"confidence"`
	ConfidenceBand string    `json:"confidence_band"`
	Reasons        []string  `json:"reasons"`
	EvidenceJSON   string    `json:"evidence_json,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Confidence bands used on article and event links.
const (
	BandLinked   = "linked"
	BandProbable = "probable"
	BandWeak     = "weak"
)

// Stable rule identifiers recorded in link reasons and change evidence.
const (
	RuleCVEExplicit      = "rule.cve.explicit"
	RuleCVEBandChange    = "rule.cve.cvss.band_change"
	RuleCVEScoreChange   = "rule.cve.cvss.score_change"
	RuleCVEVersionChange = "rule.cve.cvss.version_change"
	RuleCVEVectorChange  = "rule.cve.vector.changed"
	RuleSharedProduct    = "rule.event.shared_product"
)

// ArticleFilter narrows ListArticles. Nil pointer fields are ignored.
type ArticleFilter struct {
	SourceID   string     `json:"source_id,omitempty"`
	HasContent *bool      `json:"has_content,omitempty"`
	HasSummary *bool      `json:"has_summary,omitempty"`
	Published  *bool      `json:"published,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}
