package ingest

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// cvePattern matches CVE identifiers anywhere in article text. The
// numeric part has had 4-7 digits since the 2014 syntax change.
var cvePattern = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)

// ExtractCVEIDs returns the distinct CVE ids found across the given
// texts, uppercased and sorted.
func ExtractCVEIDs(texts ...string) []string {
	seen := make(map[string]bool)
	for _, t := range texts {
		if t == "" {
			continue
		}
		for _, m := range cvePattern.FindAllString(t, -1) {
			seen[strings.ToUpper(m)] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CVEEvidence is the extraction context stored on each explicit link.
type CVEEvidence struct {
	CVEIDs     []string `json:"cve_ids"`
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	Band       string   `json:"confidence_band"`
	RuleIDs    []string `json:"rule_ids"`
	Citations  []string `json:"citations,omitempty"`
}

// explicitCVELinks builds linked-band rows for ids extracted from the
// article's own text. An id literally present in the text is the
// strongest signal the pipeline has, so confidence is 1.0.
func explicitCVELinks(a *types.Article, ids []string, now time.Time) []*types.ArticleCVELink {
	if len(ids) == 0 {
		return nil
	}
	evidence := CVEEvidence{
		CVEIDs:     ids,
		Decision:   types.BandLinked,
		Confidence: 1.0,
		Band:       types.BandLinked,
		RuleIDs:    []string{types.RuleCVEExplicit},
		Citations:  []string{a.OriginalURL},
	}
	ev, err := json.Marshal(evidence)
	if err != nil {
		ev = nil
	}
	links := make([]*types.ArticleCVELink, 0, len(ids))
	for _, id := range ids {
		links = append(links, &types.ArticleCVELink{
			ArticleID:      a.ID,
			CVEID:          id,
			Confidence:     1.0,
			ConfidenceBand: types.BandLinked,
			Reasons:        []string{types.RuleCVEExplicit},
			EvidenceJSON:   string(ev),
			CreatedAt:      now,
		})
	}
	return links
}
