package nvd

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// CvssSummary is the reduced per-version CVSS shape persisted on the
// canonical CVE row. The scored fields feed the preferred_* columns;
// the vector string preserves the rest of the metric.
type CvssSummary struct {
	BaseScore           float64  `json:"baseScore"`
	BaseSeverity        string   `json:"baseSeverity"`
	VectorString        string   `json:"vectorString"`
	ExploitabilityScore *float64 `json:"exploitabilityScore,omitempty"`
	ImpactScore         *float64 `json:"impactScore,omitempty"`
}

// Canonicalize maps one API record onto the internal CVE shape: pick
// the preferred CVSS version, take the English description, and
// extract product, CPE, and reference-domain signals. Records without
// an id yield nil.
func Canonicalize(item *Item, now time.Time, preferV4 bool) *types.CVE {
	if item == nil || item.ID == "" {
		return nil
	}
	c := &types.CVE{
		CVEID:                item.ID,
		PublishedAt:          item.Published.Ptr(),
		LastModifiedAt:       item.LastModified.Ptr(),
		LastSeenAt:           now,
		DescriptionText:      englishDescription(item.Descriptions),
		PreferredCvssVersion: types.CvssNone,
	}

	v31 := summarizeV31(item.Metrics)
	v40 := summarizeV40(item.Metrics)
	c.CvssV31JSON = marshalSummary(v31)
	c.CvssV40JSON = marshalSummary(v40)

	version, pick := choosePreferred(v31, v40, preferV4)
	if pick != nil {
		score := pick.BaseScore
		c.PreferredCvssVersion = version
		c.PreferredBaseScore = &score
		c.PreferredBaseSeverity = types.ParseSeverity(pick.BaseSeverity)
		c.PreferredVector = pick.VectorString
	}

	c.AffectedProducts, c.AffectedCPEs = extractProducts(item.Configurations)
	c.ReferenceDomains = referenceDomains(item.References)
	return c
}

// choosePreferred picks the metric the preferred_* fields mirror: the
// v4.0 entry when present and preferred, else v3.1, else v4.0 as a
// fallback, else nothing.
func choosePreferred(v31, v40 *CvssSummary, preferV4 bool) (string, *CvssSummary) {
	switch {
	case preferV4 && v40 != nil:
		return types.CvssV40, v40
	case v31 != nil:
		return types.CvssV31, v31
	case v40 != nil:
		return types.CvssV40, v40
	default:
		return types.CvssNone, nil
	}
}

// summarizeV31 reduces the first v3.1 metric entry. NVD orders entries
// with the primary source first.
func summarizeV31(m *Metrics) *CvssSummary {
	if m == nil || len(m.CvssMetricV31) == 0 {
		return nil
	}
	entry := m.CvssMetricV31[0]
	return &CvssSummary{
		BaseScore:           entry.CvssData.BaseScore,
		BaseSeverity:        entry.CvssData.BaseSeverity,
		VectorString:        entry.CvssData.VectorString,
		ExploitabilityScore: entry.ExploitabilityScore,
		ImpactScore:         entry.ImpactScore,
	}
}

// summarizeV40 reduces the first v4.0 metric entry.
func summarizeV40(m *Metrics) *CvssSummary {
	if m == nil || len(m.CvssMetricV40) == 0 {
		return nil
	}
	entry := m.CvssMetricV40[0]
	return &CvssSummary{
		BaseScore:    entry.CvssData.BaseScore,
		BaseSeverity: entry.CvssData.BaseSeverity,
		VectorString: entry.CvssData.VectorString,
	}
}

func marshalSummary(s *CvssSummary) json.RawMessage {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		b = nil
	}
	return b
}

// englishDescription returns the first English description entry.
func englishDescription(descs []Description) string {
	for _, d := range descs {
		if d.Lang == "en" {
			return d.Value
		}
	}
	return ""
}

// extractProducts walks the configuration nodes and groups vulnerable
// CPE matches into (vendor, product, versions) triples plus the flat
// CPE list. Matches with vulnerable=false name the platform an affected
// component runs on, not the component itself, so they are skipped.
// Output is sorted by product key so the snapshot hash is stable.
func extractProducts(configs []Config) ([]types.AffectedProduct, []string) {
	byKey := make(map[string]*types.AffectedProduct)
	versions := make(map[string]map[string]bool)
	cpes := make(map[string]bool)

	for _, cfg := range configs {
		for _, node := range cfg.Nodes {
			for i := range node.CPEMatch {
				m := &node.CPEMatch[i]
				if !m.Vulnerable || m.Criteria == "" {
					continue
				}
				cpes[m.Criteria] = true
				vendor, product, exact, ok := splitCPE(m.Criteria)
				if !ok {
					continue
				}
				key := types.MakeProductKey(vendor, product)
				if byKey[key] == nil {
					byKey[key] = &types.AffectedProduct{Vendor: vendor, Product: product}
					versions[key] = make(map[string]bool)
				}
				if label := versionLabel(m, exact); label != "" {
					versions[key][label] = true
				}
			}
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var products []types.AffectedProduct
	for _, k := range keys {
		p := byKey[k]
		p.Versions = sortedKeys(versions[k])
		products = append(products, *p)
	}
	return products, sortedKeys(cpes)
}

// splitCPE breaks a CPE 2.3 formatted string into its vendor, product,
// and version components. Escaped separators inside components are rare
// enough upstream that a plain split suffices.
func splitCPE(criteria string) (vendor, product, version string, ok bool) {
	parts := strings.Split(criteria, ":")
	if len(parts) < 5 || parts[0] != "cpe" {
		return "", "", "", false
	}
	vendor, product = parts[3], parts[4]
	if vendor == "" || vendor == "*" || product == "" || product == "*" {
		return "", "", "", false
	}
	if len(parts) > 5 {
		version = parts[5]
	}
	return vendor, product, version, true
}

// versionLabel renders the version constraint of one CPE match: the
// exact version when the criteria pins one, otherwise a range built
// from the bound fields.
func versionLabel(m *CPEMatch, exact string) string {
	if exact != "" && exact != "*" && exact != "-" {
		return exact
	}
	var bounds []string
	if m.VersionStartIncluding != "" {
		bounds = append(bounds, ">="+m.VersionStartIncluding)
	}
	if m.VersionStartExcluding != "" {
		bounds = append(bounds, ">"+m.VersionStartExcluding)
	}
	if m.VersionEndIncluding != "" {
		bounds = append(bounds, "<="+m.VersionEndIncluding)
	}
	if m.VersionEndExcluding != "" {
		bounds = append(bounds, "<"+m.VersionEndExcluding)
	}
	return strings.Join(bounds, " ")
}

// referenceDomains returns the distinct lowercased hosts of the
// reference URLs, sorted.
func referenceDomains(refs []Reference) []string {
	set := make(map[string]bool)
	for _, ref := range refs {
		u, err := url.Parse(ref.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		set[strings.ToLower(u.Hostname())] = true
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
