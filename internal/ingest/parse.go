package ingest

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/sempervigil/sempervigil/internal/timeparsing"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Item is one entry extracted from a fetched body, before
// normalization and filtering.
type Item struct {
	Title     string
	Link      string
	Summary   string
	Author    string
	Published *time.Time
	Updated   *time.Time
}

// parseItems turns a fetched body into items using the parser for the
// source's kind. RSS, Atom, and JSON Feed all go through gofeed's
// universal parser; html sources use the source's CSS selectors.
func parseItems(src *types.Source, body []byte, fetchedAt time.Time) ([]Item, error) {
	switch src.Kind {
	case types.SourceHTML:
		return parseHTMLItems(src, body, fetchedAt)
	default:
		return parseFeedItems(body)
	}
}

func parseFeedItems(body []byte) ([]Item, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, types.Tagf(types.KindPermanent, "parse feed: %v", err)
	}
	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		item := Item{
			Title:     strings.TrimSpace(it.Title),
			Link:      strings.TrimSpace(it.Link),
			Summary:   firstNonEmpty(it.Description, it.Content),
			Published: it.PublishedParsed,
			Updated:   it.UpdatedParsed,
		}
		if item.Link == "" && len(it.Links) > 0 {
			item.Link = strings.TrimSpace(it.Links[0])
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			item.Author = strings.TrimSpace(it.Authors[0].Name)
		}
		items = append(items, item)
	}
	return items, nil
}

// parseHTMLItems extracts items from an index page using the source's
// selectors. Relative links resolve against the source URL; a date
// selector is read from the datetime attribute first, then node text,
// and unparseable dates are simply left unset.
func parseHTMLItems(src *types.Source, body []byte, fetchedAt time.Time) ([]Item, error) {
	sel := src.HTML
	if sel == nil || sel.Item == "" {
		return nil, types.Tagf(types.KindValidation, "source %s: html kind without selectors", src.ID)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, types.Tagf(types.KindPermanent, "parse html: %v", err)
	}
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, types.Tagf(types.KindValidation, "source %s: parse url %q: %v", src.ID, src.URL, err)
	}

	var items []Item
	doc.Find(sel.Item).Each(func(_ int, node *goquery.Selection) {
		item := Item{}

		titleNode := node
		if sel.Title != "" {
			titleNode = node.Find(sel.Title).First()
		}
		item.Title = squeezeSpace(titleNode.Text())

		linkNode := node
		if sel.Link != "" {
			linkNode = node.Find(sel.Link).First()
		}
		href, ok := linkNode.Attr("href")
		if !ok {
			href, _ = linkNode.Find("a[href]").First().Attr("href")
		}
		if href != "" {
			if abs, err := base.Parse(href); err == nil {
				href = abs.String()
			}
		}
		item.Link = strings.TrimSpace(href)

		if sel.Date != "" {
			dateNode := node.Find(sel.Date).First()
			raw, ok := dateNode.Attr("datetime")
			if !ok {
				raw = dateNode.Text()
			}
			raw = squeezeSpace(raw)
			if raw != "" {
				if ts, err := timeparsing.Parse(raw, fetchedAt); err == nil {
					ts = ts.UTC()
					item.Published = &ts
				}
			}
		}

		if item.Title == "" && item.Link == "" {
			return
		}
		items = append(items, item)
	})
	return items, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// squeezeSpace trims and collapses all whitespace runs to single
// spaces, the shape page text is compared and stored in.
func squeezeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
