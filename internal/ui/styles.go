// Package ui provides terminal styling for sv CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Ayu theme color palette, adaptive between light and dark terminals.
var (
	ColorOK = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

var (
	OKStyle     = lipgloss.NewStyle().Foreground(ColorOK)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const SeparatorLight = "──────────────────────────────────────────"

// styled applies st only when color output is enabled, so piped output
// stays clean for scripts and log files.
func styled(st lipgloss.Style, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return st.Render(s)
}

func RenderOK(s string) string     { return styled(OKStyle, s) }
func RenderWarn(s string) string   { return styled(WarnStyle, s) }
func RenderFail(s string) string   { return styled(FailStyle, s) }
func RenderMuted(s string) string  { return styled(MutedStyle, s) }
func RenderAccent(s string) string { return styled(AccentStyle, s) }

// RenderHeader renders a section header in uppercase.
func RenderHeader(s string) string {
	return styled(HeaderStyle, strings.ToUpper(s))
}

func RenderSeparator() string {
	return RenderMuted(SeparatorLight)
}

// RenderJobStatus colors a job status the way the jobs dashboard does:
// green for succeeded, yellow for queued/running, red for failed,
// muted for canceled.
func RenderJobStatus(status string) string {
	switch status {
	case "succeeded":
		return RenderOK(status)
	case "failed":
		return RenderFail(status)
	case "canceled":
		return RenderMuted(status)
	default:
		return RenderWarn(status)
	}
}

// RenderSeverity colors a CVSS severity label.
func RenderSeverity(sev string) string {
	switch strings.ToUpper(sev) {
	case "CRITICAL", "HIGH":
		return RenderFail(sev)
	case "MEDIUM":
		return RenderWarn(sev)
	case "LOW", "NONE":
		return RenderMuted(sev)
	default:
		return sev
	}
}
