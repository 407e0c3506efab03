package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity is a CVSS base severity band. Ordering is by Rank, not by
// string comparison.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRanks = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the severity, or -1 for unknown values.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// ParseSeverity normalizes a severity string; unknown input yields
// SeverityNone so dashboards never render raw upstream strings.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severityRanks[sev]; ok {
		return sev
	}
	return SeverityNone
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Preferred CVSS versions. "none" means no metrics were available.
const (
	CvssV40  = "4.0"
	CvssV31  = "3.1"
	CvssNone = "none"
)

// AffectedProduct is one (vendor, product, versions) triple extracted from
// a CVE's configuration nodes.
type AffectedProduct struct {
	Vendor   string   `json:"vendor"`
	Product  string   `json:"product"`
	Versions []string `json:"versions,omitempty"`
}

// Key returns the normalized product key for this entry.
func (p AffectedProduct) Key() string {
	return MakeProductKey(p.Vendor, p.Product)
}

// CVE is the canonical internal shape of one vulnerability record.
// The Preferred* fields always agree with PreferredCvssVersion.
type CVE struct {
	CVEID                 string            `json:"cve_id"`
	PublishedAt           *time.Time        `json:"published_at,omitempty"`
	LastModifiedAt        *time.Time        `json:"last_modified_at,omitempty"`
	LastSeenAt            time.Time         `json:"last_seen_at"`
	DescriptionText       string            `json:"description_text,omitempty"`
	PreferredCvssVersion  string            `json:"preferred_cvss_version"`
	PreferredBaseScore    *float64          `json:"preferred_base_score,omitempty"`
	PreferredBaseSeverity Severity          `json:"preferred_base_severity,omitempty"`
	PreferredVector       string            `json:"preferred_vector,omitempty"`
	CvssV31JSON           json.RawMessage   `json:"cvss_v31,omitempty"`
	CvssV40JSON           json.RawMessage   `json:"cvss_v40,omitempty"`
	AffectedProducts      []AffectedProduct `json:"affected_products,omitempty"`
	AffectedCPEs          []string          `json:"affected_cpes,omitempty"`
	ReferenceDomains      []string          `json:"reference_domains,omitempty"`
	SnapshotHash          string            `json:"snapshot_hash,omitempty"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Validate checks the invariants a CVE row must satisfy.
func (c *CVE) Validate() error {
	if c.CVEID == "" {
		return fmt.Errorf("cve_id is required")
	}
	switch c.PreferredCvssVersion {
	case CvssV40, CvssV31:
		if c.PreferredBaseScore == nil {
			return fmt.Errorf("%s: preferred version %s set without a base score", c.CVEID, c.PreferredCvssVersion)
		}
	case CvssNone:
		if c.PreferredBaseScore != nil || c.PreferredVector != "" {
			return fmt.Errorf("%s: preferred fields set with version none", c.CVEID)
		}
	default:
		return fmt.Errorf("%s: unknown preferred cvss version %q", c.CVEID, c.PreferredCvssVersion)
	}
	return nil
}

// ComputeSnapshotHash hashes the fields whose change constitutes an
// upstream delta. Two syncs seeing identical data produce identical
// hashes, so no change rows are journaled.
func (c *CVE) ComputeSnapshotHash() string {
	score := ""
	if c.PreferredBaseScore != nil {
		score = fmt.Sprintf("%.1f", *c.PreferredBaseScore)
	}
	products := make([]string, 0, len(c.AffectedProducts))
	for _, p := range c.AffectedProducts {
		products = append(products, p.Key()+"|"+strings.Join(p.Versions, ","))
	}
	sort.Strings(products)
	domains := append([]string(nil), c.ReferenceDomains...)
	sort.Strings(domains)
	cpes := append([]string(nil), c.AffectedCPEs...)
	sort.Strings(cpes)

	return ComputeContentHash(
		c.CVEID,
		c.PreferredCvssVersion,
		score,
		string(c.PreferredBaseSeverity),
		c.PreferredVector,
		string(c.CvssV31JSON),
		string(c.CvssV40JSON),
		c.DescriptionText,
		strings.Join(products, ";"),
		strings.Join(cpes, ";"),
		strings.Join(domains, ";"),
	)
}

// CveChangeType classifies one journaled CVE delta.
type CveChangeType string

const (
	ChangeSeverityUpgrade  CveChangeType = "severity_upgrade"
	ChangeScore            CveChangeType = "score_change"
	ChangeMetrics          CveChangeType = "metrics_change"
	ChangePreferredVersion CveChangeType = "preferred_version_changed"
)

// CveChange is one append-only journal row, emitted only when the
// snapshot hash of the CVE changed.
type CveChange struct {
	ID         int64           `json:"id"`
	CVEID      string          `json:"cve_id"`
	ChangeAt   time.Time       `json:"change_at"`
	ChangeType CveChangeType   `json:"change_type"`
	FromValue  string          `json:"from_value,omitempty"`
	ToValue    string          `json:"to_value,omitempty"`
	DiffJSON   json.RawMessage `json:"diff,omitempty"`
}

// Vendor is a normalized vendor entity.
type Vendor struct {
	ID          int64  `json:"id"`
	NameNorm    string `json:"name_norm"`
	DisplayName string `json:"display_name"`
}

// Product is a normalized product entity. ProductKey is
// "<vendor_norm>/<product_norm>" and is unique.
type Product struct {
	ID          int64  `json:"id"`
	VendorID    int64  `json:"vendor_id"`
	NameNorm    string `json:"name_norm"`
	DisplayName string `json:"display_name"`
	ProductKey  string `json:"product_key"`
}

// NormalizeName lowercases and squeezes an entity name into the canonical
// form used for vendor and product keys.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	prevUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// MakeProductKey builds the canonical product key for a vendor/product pair.
func MakeProductKey(vendor, product string) string {
	v := NormalizeName(vendor)
	p := NormalizeName(product)
	if v == "" {
		v = "unknown"
	}
	if p == "" {
		p = "unknown"
	}
	return v + "/" + p
}

// CVEFilter narrows ListCVEs. Nil pointer fields are ignored.
type CVEFilter struct {
	MinSeverity   *Severity  `json:"min_severity,omitempty"`
	ModifiedSince *time.Time `json:"modified_since,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// CveProductPair is one (cve_id, product_key) association together with
// the fields event clustering keys on.
type CveProductPair struct {
	CVEID        string    `json:"cve_id"`
	ProductKey   string    `json:"product_key"`
	Severity     Severity  `json:"severity"`
	LastModified time.Time `json:"last_modified"`
}
