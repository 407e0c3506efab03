package ingest

import (
	"testing"
	"time"
)

// TestNormalizeURL checks canonicalization: lowercased scheme and
// host, tracking parameters stripped, remaining query sorted, and
// the fragment dropped.
func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Posts/One", "https://example.com/Posts/One"},
		{"defaults empty path", "https://example.com", "https://example.com/"},
		{"strips tracking params", "https://example.com/a?utm_source=rss&utm_medium=feed&id=7", "https://example.com/a?id=7"},
		{"strips tracking params case-insensitively", "https://example.com/a?UTM_Source=x&id=7", "https://example.com/a?id=7"},
		{"drops query made only of tracking params", "https://example.com/a?utm_source=x&utm_campaign=y", "https://example.com/a"},
		{"sorts remaining query keys", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"drops fragment", "https://example.com/a#comments", "https://example.com/a"},
		{"adds scheme to bare host", "example.com/feed", "http://example.com/feed"},
		{"trims whitespace", "  https://example.com/a \n", "https://example.com/a"},
		{"keeps non-tracking params", "https://example.com/a?utm_source=rss&page=2", "https://example.com/a?page=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if err != nil {
				t.Fatalf("NormalizeURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestNormalizeURLRejects checks that unusable inputs are errors, not
// empty canonical URLs.
func TestNormalizeURLRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "http://%zz"} {
		if got, err := NormalizeURL(in); err == nil {
			t.Errorf("NormalizeURL(%q) = %q, want error", in, got)
		}
	}
}

// TestResolvePublished walks the timestamp ladder: the feed's
// published time wins, then its updated time, then the fetch time.
func TestResolvePublished(t *testing.T) {
	fetchedAt := time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)
	published := time.Date(2025, 8, 21, 7, 30, 0, 0, time.UTC)
	updated := time.Date(2025, 8, 21, 9, 0, 0, 0, time.UTC)
	var zero time.Time

	tests := []struct {
		name      string
		item      Item
		wantTS    time.Time
		wantLabel string
	}{
		{"published wins", Item{Published: &published, Updated: &updated}, published, "published"},
		{"updated fills in", Item{Updated: &updated}, updated, "modified"},
		{"fetch time is the last resort", Item{}, fetchedAt, "guessed"},
		{"zero published is ignored", Item{Published: &zero, Updated: &updated}, updated, "modified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, label := resolvePublished(tt.item, fetchedAt)
			if !ts.Equal(tt.wantTS) {
				t.Errorf("ts = %v, want %v", ts, tt.wantTS)
			}
			if label != tt.wantLabel {
				t.Errorf("label = %q, want %q", label, tt.wantLabel)
			}
		})
	}
}

// TestStripTags checks that markup in feed titles and summaries
// flattens to clean plain text.
func TestStripTags(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"Fish &amp; Chips", "Fish & Chips"},
		{"plain text stays", "plain text stays"},
		{"line\none\n\n  line two", "line one line two"},
		{"<div><script>x</script>visible</div>", "x visible"},
		{"A&lt;B", "A<B"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stripTags(tt.in); got != tt.want {
			t.Errorf("stripTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
