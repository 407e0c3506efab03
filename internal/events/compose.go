package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	maxSummaryDomains = 5
	maxExcerptRunes   = 240
)

// draft is a fully composed event plus its link rows, ready to upsert.
// Every field is a pure function of the stored CVEs and article links,
// never of the clock, so identical inputs compose identical drafts.
type draft struct {
	Key       string
	Title     string
	Summary   string
	Severity  types.Severity
	FirstSeen time.Time
	LastSeen  time.Time

	CVEs     []*types.EventLink
	Products []*types.EventLink
	Articles []*types.EventLink
}

// maxConfidence returns the strongest article link confidence, zero when
// the draft has no article links.
func (d *draft) maxConfidence() float64 {
	var m float64
	for _, l := range d.Articles {
		if l.Confidence > m {
			m = l.Confidence
		}
	}
	return m
}

// composeCluster turns one product window into an event draft. Member
// CVEs link with full confidence under the shared-product rule; article
// links are copied from the strongest underlying article_cves row.
func composeCluster(cl *cluster, cves map[string]*types.CVE, linksByCVE map[string][]*types.ArticleCVELink) *draft {
	members := memberCVEs(cl.CVEIDs, cves)
	articles := collectArticles(cl.CVEIDs, linksByCVE)
	display := displayProduct(cl.ProductKey)

	d := &draft{
		Key:       cl.Key(),
		Title:     fmt.Sprintf("%s vulnerabilities, %s", display, cl.Anchor.UTC().Format("2006-01-02")),
		Severity:  maxSeverity(members),
		FirstSeen: cl.Anchor.UTC(),
		Products: []*types.EventLink{{
			ItemType:       types.EventItemProduct,
			ItemKey:        cl.ProductKey,
			Confidence:     1,
			ConfidenceBand: types.BandLinked,
			Reasons:        []string{types.RuleSharedProduct},
		}},
		Articles: articles,
	}

	evidence, _ := json.Marshal(map[string]string{"product_key": cl.ProductKey})
	for _, id := range sortedCopy(cl.CVEIDs) {
		d.CVEs = append(d.CVEs, &types.EventLink{
			ItemType:       types.EventItemCVE,
			ItemKey:        id,
			Confidence:     1,
			ConfidenceBand: types.BandLinked,
			Reasons:        []string{types.RuleSharedProduct},
			Evidence:       evidence,
		})
	}

	var sb strings.Builder
	if len(members) == 1 {
		fmt.Fprintf(&sb, "1 CVE affecting %s: %s.", display, memberList(members))
	} else {
		fmt.Fprintf(&sb, "%d CVEs affecting %s: %s.", len(members), display, memberList(members))
	}
	appendEvidenceSentences(&sb, len(articles), referenceDomains(members))
	d.Summary = sb.String()

	d.LastSeen = lastEvidenceAt(d.FirstSeen, members, cl.CVEIDs, linksByCVE)
	return d
}

// composeSingle drafts a fallback event for one product-less CVE. The
// CVE link carries the explicit-citation rule since the event exists
// only because articles name the identifier.
func composeSingle(c *types.CVE, links []*types.ArticleCVELink) *draft {
	d := &draft{
		Key:      "cve:" + c.CVEID,
		Title:    "CVE activity: " + c.CVEID,
		Severity: c.PreferredBaseSeverity,
		CVEs: []*types.EventLink{{
			ItemType:       types.EventItemCVE,
			ItemKey:        c.CVEID,
			Confidence:     1,
			ConfidenceBand: types.BandLinked,
			Reasons:        []string{types.RuleCVEExplicit},
		}},
		Articles: collectArticles([]string{c.CVEID}, map[string][]*types.ArticleCVELink{c.CVEID: links}),
	}

	switch {
	case c.PublishedAt != nil:
		d.FirstSeen = c.PublishedAt.UTC()
	case len(links) > 0:
		first := links[0].CreatedAt
		for _, l := range links[1:] {
			if l.CreatedAt.Before(first) {
				first = l.CreatedAt
			}
		}
		d.FirstSeen = first.UTC()
	default:
		d.FirstSeen = c.LastSeenAt.UTC()
	}
	d.LastSeen = lastEvidenceAt(d.FirstSeen, []*types.CVE{c}, []string{c.CVEID},
		map[string][]*types.ArticleCVELink{c.CVEID: links})

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s).", c.CVEID, scoreTag(c))
	if c.DescriptionText != "" {
		sb.WriteString(" ")
		sb.WriteString(excerpt(c.DescriptionText, maxExcerptRunes))
	}
	appendEvidenceSentences(&sb, len(d.Articles), referenceDomains([]*types.CVE{c}))
	d.Summary = sb.String()
	return d
}

// memberCVEs resolves ids against the loaded corpus, ordered by severity
// rank descending then id ascending so summaries lead with the worst.
func memberCVEs(ids []string, cves map[string]*types.CVE) []*types.CVE {
	members := make([]*types.CVE, 0, len(ids))
	for _, id := range ids {
		if c, ok := cves[id]; ok {
			members = append(members, c)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if ar, br := a.PreferredBaseSeverity.Rank(), b.PreferredBaseSeverity.Rank(); ar != br {
			return ar > br
		}
		return a.CVEID < b.CVEID
	})
	return members
}

// collectArticles flattens the members' article links into event links,
// one per article. An article cited by several members keeps its
// highest-confidence row; ties go to the lowest CVE id.
func collectArticles(memberIDs []string, linksByCVE map[string][]*types.ArticleCVELink) []*types.EventLink {
	best := make(map[string]*types.ArticleCVELink)
	for _, id := range sortedCopy(memberIDs) {
		for _, l := range linksByCVE[id] {
			if cur, ok := best[l.ArticleID]; !ok || l.Confidence > cur.Confidence {
				best[l.ArticleID] = l
			}
		}
	}
	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*types.EventLink, 0, len(ids))
	for _, id := range ids {
		l := best[id]
		el := &types.EventLink{
			ItemType:       types.EventItemArticle,
			ItemKey:        l.ArticleID,
			Confidence:     l.Confidence,
			ConfidenceBand: l.ConfidenceBand,
			Reasons:        l.Reasons,
		}
		if l.EvidenceJSON != "" {
			el.Evidence = json.RawMessage(l.EvidenceJSON)
		}
		out = append(out, el)
	}
	return out
}

// lastEvidenceAt returns the newest evidence timestamp: the latest
// member modification or article citation, never before floor.
func lastEvidenceAt(floor time.Time, members []*types.CVE, memberIDs []string, linksByCVE map[string][]*types.ArticleCVELink) time.Time {
	last := floor
	for _, c := range members {
		if c.LastModifiedAt != nil && c.LastModifiedAt.After(last) {
			last = *c.LastModifiedAt
		}
	}
	for _, id := range memberIDs {
		for _, l := range linksByCVE[id] {
			if l.CreatedAt.After(last) {
				last = l.CreatedAt
			}
		}
	}
	return last.UTC()
}

func maxSeverity(members []*types.CVE) types.Severity {
	var sev types.Severity
	for _, c := range members {
		sev = types.MaxSeverity(sev, c.PreferredBaseSeverity)
	}
	return sev
}

// memberList renders "CVE-2025-1 (CRITICAL 9.8), CVE-2025-2 (HIGH 7.5)".
func memberList(members []*types.CVE) string {
	parts := make([]string, 0, len(members))
	for _, c := range members {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.CVEID, scoreTag(c)))
	}
	return strings.Join(parts, ", ")
}

// scoreTag labels one CVE with its severity band and score.
func scoreTag(c *types.CVE) string {
	sev := ""
	if c.PreferredBaseSeverity != "" && c.PreferredBaseSeverity != types.SeverityNone {
		sev = string(c.PreferredBaseSeverity)
	}
	switch {
	case sev != "" && c.PreferredBaseScore != nil:
		return fmt.Sprintf("%s %.1f", sev, *c.PreferredBaseScore)
	case sev != "":
		return sev
	case c.PreferredBaseScore != nil:
		return fmt.Sprintf("%.1f", *c.PreferredBaseScore)
	default:
		return "unscored"
	}
}

func appendEvidenceSentences(sb *strings.Builder, articleCount int, domains []string) {
	switch {
	case articleCount == 1:
		sb.WriteString(" Corroborated by 1 article.")
	case articleCount > 1:
		fmt.Fprintf(sb, " Corroborated by %d articles.", articleCount)
	}
	if len(domains) > 0 {
		fmt.Fprintf(sb, " References: %s.", strings.Join(domains, ", "))
	}
}

// referenceDomains unions the members' reference domains, sorted and
// capped so one link-heavy advisory cannot flood the summary.
func referenceDomains(members []*types.CVE) []string {
	set := make(map[string]bool)
	for _, c := range members {
		for _, d := range c.ReferenceDomains {
			if d != "" {
				set[d] = true
			}
		}
	}
	domains := make([]string, 0, len(set))
	for d := range set {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	if len(domains) > maxSummaryDomains {
		domains = domains[:maxSummaryDomains]
	}
	return domains
}

// displayProduct renders a product key for titles:
// "palo_alto_networks/pan_os" becomes "Palo Alto Networks Pan Os".
// An unknown or redundant vendor half is dropped.
func displayProduct(key string) string {
	vendor, product, found := strings.Cut(key, "/")
	if !found {
		vendor, product = "", key
	}
	if vendor == "unknown" || vendor == product {
		vendor = ""
	}
	return strings.TrimSpace(titleWords(vendor) + " " + titleWords(product))
}

func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == ' ' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// excerpt trims s to at most n runes, cutting at the last word break.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
