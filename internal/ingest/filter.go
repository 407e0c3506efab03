package ingest

import (
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Skip reasons recorded on item decisions. Deny reasons carry the
// matched keywords: "deny_keywords:casino,sponsored".
const (
	reasonMissingURL = "missing_url"
	reasonDuplicate  = "duplicate"
	reasonAllowMiss  = "allow_keywords:miss"
)

// Decision is the verdict for one parsed item. Runs aggregate these
// into health counts; test-source returns them verbatim.
type Decision struct {
	Accepted          bool       `json:"accepted"`
	Reasons           []string   `json:"reasons,omitempty"`
	Title             string     `json:"title"`
	OriginalURL       string     `json:"original_url,omitempty"`
	CanonicalURL      string     `json:"canonical_url,omitempty"`
	ArticleID         string     `json:"article_id,omitempty"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
	PublishedAtSource string     `json:"published_at_source,omitempty"`
	CVEIDs            []string   `json:"cve_ids,omitempty"`
}

// keywordFilters are the effective allow/deny lists for one source.
// Deny lists accumulate across source and global config; the source
// allow list replaces the global one when present.
type keywordFilters struct {
	allow []string
	deny  []string
}

func effectiveFilters(src *types.Source, cfg config.IngestSettings) keywordFilters {
	deny := make([]string, 0, len(src.DenyKeywords)+len(cfg.GlobalDenyKeywords))
	deny = append(deny, src.DenyKeywords...)
	deny = append(deny, cfg.GlobalDenyKeywords...)
	allow := src.AllowKeywords
	if len(allow) == 0 {
		allow = cfg.GlobalAllowKeywords
	}
	return keywordFilters{allow: allow, deny: deny}
}

// reasons applies deny-beats-allow to the item text: any deny hit
// skips the item regardless of allow matches, and a non-empty allow
// list requires at least one hit. Empty result means pass.
func (f keywordFilters) reasons(title, summary string) []string {
	text := title + " " + summary
	if hits := matchKeywords(text, f.deny); len(hits) > 0 {
		return []string{"deny_keywords:" + strings.Join(hits, ",")}
	}
	if len(f.allow) > 0 && len(matchKeywords(text, f.allow)) == 0 {
		return []string{reasonAllowMiss}
	}
	return nil
}

// matchKeywords returns the keywords contained in text, matched as
// case-insensitive substrings.
func matchKeywords(text string, keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var hits []string
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(lower, k) {
			hits = append(hits, strings.TrimSpace(kw))
		}
	}
	return hits
}
