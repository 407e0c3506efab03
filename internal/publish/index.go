package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sempervigil/sempervigil/internal/types"
)

// Index filenames under static/index/.
const (
	articlesIndexFile = "articles.json"
	cvesIndexFile     = "cves.json"
	eventsIndexFile   = "events.json"
)

const indexDescriptionRunes = 280

// indexFile is the envelope around every JSON index.
type indexFile struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Count       int         `json:"count"`
	Items       interface{} `json:"items"`
}

// articleIndexEntry is one row of articles.json: what client-side search
// needs and nothing heavier.
type articleIndexEntry struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	IngestedAt  time.Time  `json:"ingested_at"`
	Tags        []string   `json:"tags,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Page        string     `json:"page,omitempty"`
}

type cveIndexEntry struct {
	ID          string     `json:"id"`
	Severity    string     `json:"severity,omitempty"`
	Score       *float64   `json:"score,omitempty"`
	Description string     `json:"description,omitempty"`
	Products    []string   `json:"products,omitempty"`
	Modified    *time.Time `json:"modified,omitempty"`
}

type eventIndexEntry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Status    string    `json:"status"`
	Kind      string    `json:"kind"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	CVEs      []string  `json:"cves,omitempty"`
	Products  []string  `json:"products,omitempty"`
	Articles  int       `json:"articles"`
}

// writeIndexes materializes the three JSON indexes in parallel. Each file
// is written atomically, so a dashboard polling mid-build reads either
// the previous index or the new one.
func (p *Publisher) writeIndexes(articles []*types.Article, cves []*types.CVE, events []*types.Event, links map[string]*EventLinks) error {
	dir := p.indexDir()
	var g errgroup.Group
	g.Go(func() error {
		entries := articleIndexEntries(articles)
		return writeIndex(filepath.Join(dir, articlesIndexFile), len(entries), entries)
	})
	g.Go(func() error {
		entries := cveIndexEntries(cves)
		return writeIndex(filepath.Join(dir, cvesIndexFile), len(entries), entries)
	})
	g.Go(func() error {
		entries := eventIndexEntries(events, links)
		return writeIndex(filepath.Join(dir, eventsIndexFile), len(entries), entries)
	})
	return g.Wait()
}

func articleIndexEntries(articles []*types.Article) []articleIndexEntry {
	entries := make([]articleIndexEntry, 0, len(articles))
	for _, a := range articles {
		entries = append(entries, articleIndexEntry{
			ID:          a.ID,
			SourceID:    a.SourceID,
			Title:       a.Title,
			URL:         a.CanonicalURL,
			PublishedAt: a.PublishedAt,
			IngestedAt:  a.IngestedAt,
			Tags:        a.Tags,
			Summary:     a.SummaryLLM,
			Page:        a.PublishedMDPath,
		})
	}
	return entries
}

func cveIndexEntries(cves []*types.CVE) []cveIndexEntry {
	entries := make([]cveIndexEntry, 0, len(cves))
	for _, c := range cves {
		e := cveIndexEntry{
			ID:          c.CVEID,
			Score:       c.PreferredBaseScore,
			Description: excerptText(c.DescriptionText, indexDescriptionRunes),
			Modified:    c.LastModifiedAt,
		}
		if c.PreferredBaseSeverity != "" && c.PreferredBaseSeverity != types.SeverityNone {
			e.Severity = string(c.PreferredBaseSeverity)
		}
		for _, p := range c.AffectedProducts {
			e.Products = append(e.Products, p.Key())
		}
		entries = append(entries, e)
	}
	return entries
}

func eventIndexEntries(events []*types.Event, links map[string]*EventLinks) []eventIndexEntry {
	entries := make([]eventIndexEntry, 0, len(events))
	for _, ev := range events {
		e := eventIndexEntry{
			ID:        ev.ID,
			Key:       ev.EventKey,
			Title:     ev.Title,
			Summary:   ev.Summary,
			Status:    string(ev.Status),
			Kind:      string(ev.Kind),
			FirstSeen: ev.FirstSeenAt,
			LastSeen:  ev.LastSeenAt,
		}
		if ev.Severity != "" && ev.Severity != types.SeverityNone {
			e.Severity = string(ev.Severity)
		}
		if l := links[ev.ID]; l != nil {
			for _, c := range l.CVEs {
				e.CVEs = append(e.CVEs, c.ItemKey)
			}
			for _, pr := range l.Products {
				e.Products = append(e.Products, pr.ItemKey)
			}
			e.Articles = len(l.Articles)
		}
		entries = append(entries, e)
	}
	return entries
}

func writeIndex(path string, count int, items interface{}) error {
	data, err := json.MarshalIndent(indexFile{
		GeneratedAt: time.Now().UTC(),
		Count:       count,
		Items:       items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := atomicWriteFile(path, data); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// atomicWriteFile writes data to path via a temp file in the destination
// directory plus rename, so a concurrent reader never observes a partial
// file. The directory is created if missing.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		if werr != nil {
			return werr
		}
		return cerr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
