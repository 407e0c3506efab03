package ingest

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// trackingParams are dropped during URL canonicalization, matched
// case-insensitively. The same story shared through different
// campaigns must map to one canonical URL.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
}

// NormalizeURL canonicalizes a link: scheme and host lowercased
// (scheme defaults to http), empty path becomes "/", tracking
// parameters dropped, remaining query parameters sorted, fragment
// removed.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" && u.Host == "" {
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return "", fmt.Errorf("parse url %q: %w", raw, err)
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	if q := u.Query(); len(q) > 0 {
		kept := url.Values{}
		for k, vs := range q {
			if trackingParams[strings.ToLower(k)] {
				continue
			}
			kept[k] = vs
		}
		u.RawQuery = kept.Encode()
	}
	return u.String(), nil
}

// resolvePublished picks the item timestamp by ladder: the feed's
// published time, else its updated time, else the fetch time. The
// label records which rung was used.
func resolvePublished(it Item, fetchedAt time.Time) (time.Time, string) {
	if it.Published != nil && !it.Published.IsZero() {
		return it.Published.UTC(), "published"
	}
	if it.Updated != nil && !it.Updated.IsZero() {
		return it.Updated.UTC(), "modified"
	}
	return fetchedAt.UTC(), "guessed"
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripTags flattens markup fragments that feeds put in titles and
// summaries into plain text.
func stripTags(s string) string {
	return squeezeSpace(html.UnescapeString(tagRe.ReplaceAllString(s, " ")))
}
