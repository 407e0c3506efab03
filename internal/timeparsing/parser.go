// Package timeparsing resolves the time expressions the platform
// accepts from humans and scrapes from pages: CLI flags like
// --since -7d, pause windows like +2h, and article dates in shapes
// ranging from RFC3339 to "yesterday".
//
// Parsing is layered: compact offsets first, then absolute layouts,
// then natural language.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactOffsetRe matches ±N{h,d,w,m,y}: -7d, +6h, 2w.
var compactOffsetRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// ParseCompactOffset resolves an offset expression against now.
// Units: h hours, d days, w weeks, m months, y years. No sign counts
// forward; since-flags pass -7d, pause windows pass +2h.
func ParseCompactOffset(s string, now time.Time) (time.Time, error) {
	m := compactOffsetRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact offset: %q", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("offset amount %q: %w", m[2], err)
	}
	if m[1] == "-" {
		n = -n
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, n), nil
	case "w":
		return now.AddDate(0, 0, 7*n), nil
	case "m":
		return now.AddDate(0, n, 0), nil
	default: // y
		return now.AddDate(n, 0, 0), nil
	}
}

// IsCompactOffset reports whether s looks like a compact offset.
func IsCompactOffset(s string) bool {
	return compactOffsetRe.MatchString(strings.TrimSpace(s))
}

// absoluteLayouts are tried in order. Feed and page dates arrive in
// all of these shapes.
var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"2006/01/02",
}

// ParseAbsolute parses s against the known absolute layouts. Layouts
// without a zone are read as UTC so results do not depend on the
// worker's host timezone.
func ParseAbsolute(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range absoluteLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an absolute timestamp: %q", s)
}

// naturalParser is built once; when.Parser is safe for concurrent
// Parse calls as long as rules are not added afterwards.
var naturalParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseNaturalLanguage resolves english expressions like "yesterday"
// or "next friday 10am" against now.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	r, err := naturalParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression %q", s)
	}
	return r.Time, nil
}

// Parse resolves s through the layers in order: compact offset,
// absolute timestamp, natural language.
func Parse(s string, now time.Time) (time.Time, error) {
	if IsCompactOffset(s) {
		return ParseCompactOffset(s, now)
	}
	if ts, err := ParseAbsolute(s); err == nil {
		return ts, nil
	}
	return ParseNaturalLanguage(s, now)
}
