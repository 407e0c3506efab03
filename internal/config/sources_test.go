package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sempervigil/sempervigil/internal/types"
)

const sourcesYAML = `
sources:
  - id: vendors-weekly
    name: Vendor Advisories
    kind: rss
    url: https://vendor.example.com/feed.xml
    interval_minutes: 60
    tags: [vendor, advisories]
    allow_keywords: [cve, vulnerability]
    deny_keywords: [webinar]
    headers:
      Accept-Language: en
  - id: scraped-blog
    kind: html
    url: https://blog.example.com/
    enabled: false
    html:
      item: article.post
      title: h2
      link: a.permalink
      date: time
  - id: minimal
    url: https://minimal.example.com/feed.xml
`

func TestParseSourcesFile(t *testing.T) {
	sources, err := ParseSourcesFile([]byte(sourcesYAML))
	if err != nil {
		t.Fatalf("ParseSourcesFile failed: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(sources))
	}

	full := sources[0]
	if full.ID != "vendors-weekly" || full.Name != "Vendor Advisories" {
		t.Errorf("identity fields wrong: %+v", full)
	}
	if !full.Enabled {
		t.Error("omitted enabled must default to true")
	}
	if full.IntervalMinutes != 60 || len(full.Tags) != 2 {
		t.Errorf("config fields wrong: %+v", full)
	}
	if full.Headers["Accept-Language"] != "en" || full.DenyKeywords[0] != "webinar" {
		t.Errorf("nested fields wrong: %+v", full)
	}

	scraped := sources[1]
	if scraped.Enabled {
		t.Error("explicit enabled: false must be honored")
	}
	if scraped.Kind != types.SourceHTML || scraped.HTML == nil || scraped.HTML.Item != "article.post" {
		t.Errorf("html selectors wrong: %+v", scraped.HTML)
	}

	minimal := sources[2]
	if minimal.Kind != types.SourceRSS {
		t.Errorf("omitted kind must default to rss, got %q", minimal.Kind)
	}
	if minimal.Name != "minimal" {
		t.Errorf("omitted name must default to the id, got %q", minimal.Name)
	}
	if minimal.IntervalMinutes != 30 {
		t.Errorf("omitted interval must default to 30, got %d", minimal.IntervalMinutes)
	}
}

func TestParseSourcesFileRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "sources: []", "no sources"},
		{"not yaml", "sources: [", "parse"},
		{
			"duplicate ids",
			"sources:\n  - {id: a, url: https://a.example.com/f}\n  - {id: a, url: https://b.example.com/f}",
			"duplicate source id",
		},
		{
			"bad url scheme",
			"sources:\n  - {id: a, url: ftp://a.example.com/f}",
			"url",
		},
		{
			"html without selectors",
			"sources:\n  - {id: a, kind: html, url: https://a.example.com/}",
			"html",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSourcesFile([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadSourcesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte(sourcesYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sources, err := LoadSourcesFile(path)
	if err != nil {
		t.Fatalf("LoadSourcesFile failed: %v", err)
	}
	if len(sources) != 3 {
		t.Errorf("expected 3 sources, got %d", len(sources))
	}

	if _, err := LoadSourcesFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
