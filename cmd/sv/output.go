package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// outputJSON pretty-prints v to stdout for --json consumers.
func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// outputJSONError prints the error envelope to stderr and exits. The
// kind tag lets scripted callers branch without parsing prose.
func outputJSONError(err error) {
	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(types.Kind(err)),
	})
	os.Exit(exitCode(err))
}

// errorMessage strips the kind prefix a TaggedError adds; the human
// line should read naturally and the exit code already carries the kind.
func errorMessage(err error) string {
	msg := err.Error()
	kind := string(types.Kind(err))
	return strings.TrimPrefix(msg, kind+": ")
}

// exitCode maps error kinds to exit codes: 2 for caller mistakes
// (validation, not found), 1 for everything else.
func exitCode(err error) int {
	switch types.Kind(err) {
	case types.KindValidation, types.KindNotFound:
		return 2
	default:
		return 1
	}
}

// fmtTime renders a timestamp for table output, blank for nil.
func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// fmtAgo renders a timestamp as a relative age, for list columns where
// absolute times are noise.
func fmtAgo(t *time.Time, now time.Time) string {
	if t == nil {
		return ""
	}
	d := now.Sub(*t)
	switch {
	case d < 0:
		return "in " + shortDuration(-d)
	case d < time.Second:
		return "now"
	default:
		return shortDuration(d) + " ago"
	}
}

func shortDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// printTable writes rows in aligned columns. Column widths come from
// the widest cell; headers render through the muted style.
func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(fmt.Sprintf("%-*s", widths[i], h))
	}
	fmt.Println(strings.TrimRight(b.String(), " "))
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if i == len(row)-1 {
				b.WriteString(cell)
			} else {
				b.WriteString(fmt.Sprintf("%-*s", widths[i], cell))
			}
		}
		fmt.Println(strings.TrimRight(b.String(), " "))
	}
}
