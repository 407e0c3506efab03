package publish

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

const briefExcerptRunes = 200

// BriefResult is the stored result of a build_daily_brief job.
type BriefResult struct {
	Date     string `json:"date"`
	Articles int    `json:"articles"`
	Sources  int    `json:"sources"`
	Callouts int    `json:"callouts"`
	Path     string `json:"path,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// BuildDailyBrief composes content/briefs/<date>.md from the articles
// ingested that day, grouped by source, with a call-out section up top
// for anything linked to a HIGH or CRITICAL CVE. Days with no articles
// produce no page.
func (p *Publisher) BuildDailyBrief(ctx context.Context, date string) (*BriefResult, error) {
	day, err := briefDate(date)
	if err != nil {
		return nil, err
	}
	dateStr := day.Format("2006-01-02")

	since := day
	all, err := p.store.ListArticles(ctx, types.ArticleFilter{Since: &since})
	if err != nil {
		return nil, err
	}
	end := day.Add(24 * time.Hour)
	var articles []*types.Article
	for _, a := range all {
		if a.IngestedAt.Before(end) {
			articles = append(articles, a)
		}
	}
	if len(articles) == 0 {
		return &BriefResult{Date: dateStr, Skipped: true}, nil
	}

	callouts, err := p.briefCallouts(ctx, articles)
	if err != nil {
		return nil, err
	}
	groups, names := p.briefGroups(ctx, articles)

	page, err := renderBrief(dateStr, day, articles, callouts, groups, names)
	if err != nil {
		return nil, err
	}
	rel := filepath.Join("content", "briefs", dateStr+".md")
	if err := atomicWriteFile(filepath.Join(p.siteDir, rel), page); err != nil {
		return nil, types.Tag(types.KindTransient, fmt.Errorf("write brief: %w", err))
	}
	return &BriefResult{
		Date:     dateStr,
		Articles: len(articles),
		Sources:  len(groups),
		Callouts: len(callouts),
		Path:     rel,
	}, nil
}

// briefCallout is one high-severity line at the top of a brief.
type briefCallout struct {
	Article *types.Article
	CVEID   string
	CVE     *types.CVE
}

// briefCallouts finds the day's articles linked to a CVE at or above
// HIGH, each annotated with its worst linked CVE.
func (p *Publisher) briefCallouts(ctx context.Context, articles []*types.Article) ([]briefCallout, error) {
	links, err := p.store.ListAllArticleCVELinks(ctx)
	if err != nil {
		return nil, err
	}
	cves, err := p.store.ListCVEs(ctx, types.CVEFilter{})
	if err != nil {
		return nil, err
	}
	cveByID := make(map[string]*types.CVE, len(cves))
	for _, c := range cves {
		cveByID[c.CVEID] = c
	}
	linksByArticle := make(map[string][]*types.ArticleCVELink)
	for _, l := range links {
		linksByArticle[l.ArticleID] = append(linksByArticle[l.ArticleID], l)
	}

	var out []briefCallout
	for _, a := range articles {
		var worst *types.CVE
		worstID := ""
		for _, l := range linksByArticle[a.ID] {
			c := cveByID[l.CVEID]
			if c == nil {
				continue
			}
			if worst == nil || c.PreferredBaseSeverity.Rank() > worst.PreferredBaseSeverity.Rank() {
				worst, worstID = c, c.CVEID
			}
		}
		if worst != nil && worst.PreferredBaseSeverity.Rank() >= types.SeverityHigh.Rank() {
			out = append(out, briefCallout{Article: a, CVEID: worstID, CVE: worst})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri := out[i].CVE.PreferredBaseSeverity.Rank()
		rj := out[j].CVE.PreferredBaseSeverity.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Article.Title < out[j].Article.Title
	})
	return out, nil
}

// briefGroups buckets articles by source and resolves display names,
// returning the groups plus a sorted id list for stable section order.
func (p *Publisher) briefGroups(ctx context.Context, articles []*types.Article) (map[string][]*types.Article, map[string]string) {
	groups := make(map[string][]*types.Article)
	names := make(map[string]string)
	for _, a := range articles {
		groups[a.SourceID] = append(groups[a.SourceID], a)
		if _, ok := names[a.SourceID]; !ok {
			names[a.SourceID] = a.SourceID
			if src, err := p.store.GetSource(ctx, a.SourceID); err == nil && src.Name != "" {
				names[a.SourceID] = src.Name
			}
		}
	}
	return groups, names
}

func renderBrief(dateStr string, day time.Time, articles []*types.Article, callouts []briefCallout, groups map[string][]*types.Article, names map[string]string) ([]byte, error) {
	fm := struct {
		Title string `yaml:"title"`
		Date  string `yaml:"date"`
		Draft bool   `yaml:"draft"`
	}{
		Title: "Daily brief: " + dateStr,
		Date:  day.UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, fm); err != nil {
		return nil, err
	}

	artPlural, srcPlural := "s", "s"
	if len(articles) == 1 {
		artPlural = ""
	}
	if len(groups) == 1 {
		srcPlural = ""
	}
	fmt.Fprintf(&buf, "%d article%s from %d source%s.\n", len(articles), artPlural, len(groups), srcPlural)

	if len(callouts) > 0 {
		buf.WriteString("\n## Needs attention\n\n")
		for _, c := range callouts {
			fmt.Fprintf(&buf, "- [%s](%s): %s (%s)\n",
				c.Article.Title, c.Article.CanonicalURL, c.CVEID, cveTag(c.CVE))
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return names[ids[i]] < names[ids[j]] })

	for _, id := range ids {
		fmt.Fprintf(&buf, "\n## %s\n\n", names[id])
		for _, a := range groups[id] {
			fmt.Fprintf(&buf, "- [%s](%s)", a.Title, a.CanonicalURL)
			if line := briefLine(a); line != "" {
				fmt.Fprintf(&buf, ": %s", line)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// briefLine is the one-line gloss after an article link: the summary
// when the pipeline produced one, otherwise the start of the fetched
// text.
func briefLine(a *types.Article) string {
	if a.SummaryLLM != "" {
		return excerptText(a.SummaryLLM, briefExcerptRunes)
	}
	if a.ContentText != "" {
		return excerptText(a.ContentText, briefExcerptRunes)
	}
	return ""
}

// cveTag renders "CRITICAL 9.8", "CRITICAL", or "9.8" depending on what
// the record carries.
func cveTag(c *types.CVE) string {
	sev := ""
	if c.PreferredBaseSeverity != "" && c.PreferredBaseSeverity != types.SeverityNone {
		sev = string(c.PreferredBaseSeverity)
	}
	if c.PreferredBaseScore != nil {
		score := fmt.Sprintf("%.1f", *c.PreferredBaseScore)
		if sev != "" {
			return sev + " " + score
		}
		return score
	}
	if sev != "" {
		return sev
	}
	return "unscored"
}
