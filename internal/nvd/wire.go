package nvd

import (
	"fmt"
	"strings"
	"time"
)

// nvdTimeFormat is the timestamp shape the CVE API 2.0 emits: ISO-8601
// with millisecond precision, implicitly UTC, no zone designator.
const nvdTimeFormat = "2006-01-02T15:04:05.999"

// NVDTime wraps time.Time with the API's timestamp format. Some
// mirrors emit RFC 3339 instead, so unmarshaling accepts both.
type NVDTime struct {
	time.Time
}

// NewNVDTime wraps t for use in fixtures and request bodies.
func NewNVDTime(t time.Time) NVDTime {
	return NVDTime{Time: t.UTC()}
}

func (t *NVDTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(nvdTimeFormat, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse nvd time %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

func (t NVDTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(nvdTimeFormat) + `"`), nil
}

// Ptr returns the wrapped time as a nullable pointer, nil when unset.
func (t NVDTime) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// Page is the top-level envelope of one CVE API result page.
type Page struct {
	ResultsPerPage  int             `json:"resultsPerPage"`
	StartIndex      int             `json:"startIndex"`
	TotalResults    int             `json:"totalResults"`
	Format          string          `json:"format"`
	Version         string          `json:"version"`
	Timestamp       NVDTime         `json:"timestamp"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// Vulnerability is the per-record wrapper inside a page.
type Vulnerability struct {
	CVE Item `json:"cve"`
}

// Item is one CVE record as the API ships it, trimmed to the fields
// the sync consumes.
type Item struct {
	ID             string        `json:"id"`
	SourceID       string        `json:"sourceIdentifier"`
	Published      NVDTime       `json:"published"`
	LastModified   NVDTime       `json:"lastModified"`
	VulnStatus     string        `json:"vulnStatus"`
	Descriptions   []Description `json:"descriptions"`
	Metrics        *Metrics      `json:"metrics,omitempty"`
	Configurations []Config      `json:"configurations,omitempty"`
	References     []Reference   `json:"references,omitempty"`
}

// Description is one localized description entry.
type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// Metrics groups the CVSS metric lists by version.
type Metrics struct {
	CvssMetricV40 []MetricV40 `json:"cvssMetricV40,omitempty"`
	CvssMetricV31 []MetricV31 `json:"cvssMetricV31,omitempty"`
}

// MetricV31 is one CVSS v3.1 scoring entry.
type MetricV31 struct {
	Source              string   `json:"source"`
	Type                string   `json:"type"`
	CvssData            CvssData `json:"cvssData"`
	ExploitabilityScore *float64 `json:"exploitabilityScore,omitempty"`
	ImpactScore         *float64 `json:"impactScore,omitempty"`
}

// MetricV40 is one CVSS v4.0 scoring entry.
type MetricV40 struct {
	Source   string   `json:"source"`
	Type     string   `json:"type"`
	CvssData CvssData `json:"cvssData"`
}

// CvssData carries the scored fields shared by every CVSS version; the
// vector string preserves the rest of the metric verbatim.
type CvssData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

// Config is one applicability statement.
type Config struct {
	Operator string `json:"operator,omitempty"`
	Negate   bool   `json:"negate,omitempty"`
	Nodes    []Node `json:"nodes"`
}

// Node is one match group inside an applicability statement.
type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate,omitempty"`
	CPEMatch []CPEMatch `json:"cpeMatch"`
}

// CPEMatch is a CPE match string, optionally bounded to a version range.
type CPEMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	MatchCriteriaID       string `json:"matchCriteriaId,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
}

// Reference is one reference link attached to a CVE.
type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}
