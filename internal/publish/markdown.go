package publish

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	slugMaxLen = 64
	// maxLinkRows caps each event page section so a giant cluster cannot
	// render a megabyte page.
	maxLinkRows = 50
)

// slugify converts a title into a URL-safe filename fragment: lowercase
// alphanumeric runs joined by single hyphens, capped at slugMaxLen.
func slugify(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	slug := b.String()
	if len(slug) > slugMaxLen {
		slug = strings.TrimRight(slug[:slugMaxLen], "-")
	}
	if slug == "" {
		return "untitled"
	}
	return slug
}

// articleFilename is "<date>-<slug>-<id8>.md". The id suffix keeps two
// same-day articles with identical titles from colliding, and makes the
// name stable across republish.
func articleFilename(a *types.Article) string {
	date := a.IngestedAt
	if a.PublishedAt != nil {
		date = *a.PublishedAt
	}
	id8 := a.ID
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	return fmt.Sprintf("%s-%s-%s.md", date.UTC().Format("2006-01-02"), slugify(a.Title), id8)
}

// eventFilename keys event pages on the stable event key, so rebuilds
// overwrite the same file even when the title churns.
func eventFilename(e *types.Event) string {
	return slugify(e.EventKey) + ".md"
}

type articleFrontMatter struct {
	Title      string   `yaml:"title"`
	Date       string   `yaml:"date"`
	Tags       []string `yaml:"tags"`
	Categories []string `yaml:"categories"`
	Author     string   `yaml:"author,omitempty"`
	Summary    string   `yaml:"summary,omitempty"`
	SourceURL  string   `yaml:"source_url"`
	Draft      bool     `yaml:"draft"`
}

// RenderArticleMarkdown produces the page for one article: YAML front
// matter, the summary when one exists, and a link back to the origin.
// The body never embeds fetched article text; the site links out rather
// than republishing third-party content.
func RenderArticleMarkdown(a *types.Article, sourceName string) ([]byte, error) {
	date := a.IngestedAt
	if a.PublishedAt != nil {
		date = *a.PublishedAt
	}
	fm := articleFrontMatter{
		Title:      a.Title,
		Date:       date.UTC().Format(time.RFC3339),
		Tags:       a.Tags,
		Categories: []string{sourceName},
		Author:     a.Author,
		Summary:    a.SummaryLLM,
		SourceURL:  a.CanonicalURL,
	}
	if fm.Tags == nil {
		fm.Tags = []string{}
	}

	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, fm); err != nil {
		return nil, err
	}
	if a.SummaryLLM != "" {
		buf.WriteString(a.SummaryLLM)
		buf.WriteString("\n\n")
	}
	fmt.Fprintf(&buf, "[Read the original](%s)\n", a.CanonicalURL)
	return buf.Bytes(), nil
}

type eventFrontMatter struct {
	Title    string `yaml:"title"`
	Date     string `yaml:"date"`
	EventKey string `yaml:"event_key"`
	Kind     string `yaml:"kind"`
	Status   string `yaml:"status"`
	Severity string `yaml:"severity,omitempty"`
	Draft    bool   `yaml:"draft"`
}

// RenderEventMarkdown produces the page for one event: front matter, the
// summary, then the linked CVEs, products, and articles. Article rows
// render as title links when the articles map can resolve them and fall
// back to the bare id otherwise.
func RenderEventMarkdown(e *types.Event, links *EventLinks, articles map[string]*types.Article) ([]byte, error) {
	fm := eventFrontMatter{
		Title:    e.Title,
		Date:     e.FirstSeenAt.UTC().Format(time.RFC3339),
		EventKey: e.EventKey,
		Kind:     string(e.Kind),
		Status:   string(e.Status),
	}
	if e.Severity != "" && e.Severity != types.SeverityNone {
		fm.Severity = string(e.Severity)
	}

	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, fm); err != nil {
		return nil, err
	}
	if e.Summary != "" {
		buf.WriteString(e.Summary)
		buf.WriteString("\n")
	}

	writeLinkSection(&buf, "CVEs", links.CVEs, func(l *types.EventLink) string {
		return fmt.Sprintf("%s (%s, %.2f)", l.ItemKey, l.ConfidenceBand, l.Confidence)
	})
	writeLinkSection(&buf, "Products", links.Products, func(l *types.EventLink) string {
		return l.ItemKey
	})
	writeLinkSection(&buf, "Articles", links.Articles, func(l *types.EventLink) string {
		if a, ok := articles[l.ItemKey]; ok {
			return fmt.Sprintf("[%s](%s)", a.Title, a.CanonicalURL)
		}
		return l.ItemKey
	})
	return buf.Bytes(), nil
}

func writeFrontMatter(buf *bytes.Buffer, fm interface{}) error {
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString("---\n\n")
	return nil
}

func writeLinkSection(buf *bytes.Buffer, heading string, links []*types.EventLink, render func(*types.EventLink) string) {
	if len(links) == 0 {
		return
	}
	fmt.Fprintf(buf, "\n## %s\n\n", heading)
	shown := links
	if len(shown) > maxLinkRows {
		shown = shown[:maxLinkRows]
	}
	for _, l := range shown {
		fmt.Fprintf(buf, "- %s\n", render(l))
	}
	if rest := len(links) - len(shown); rest > 0 {
		fmt.Fprintf(buf, "- and %d more\n", rest)
	}
}
