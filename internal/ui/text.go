package ui

import (
	"strings"
	"unicode/utf8"
)

// TruncateChars shortens s to at most max runes, appending an ellipsis.
// Used for inline display of error text and summaries in list output.
func TruncateChars(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// FirstLine returns s up to its first newline, truncated to max runes.
// Job errors and build tails are multi-line; lists show one line.
func FirstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return TruncateChars(strings.TrimSpace(s), max)
}

// TailLines returns the last n lines of s, for displaying build output
// tails without flooding the terminal.
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
