package ui

import (
	"github.com/charmbracelet/glamour"
)

// maxReadableWidth caps markdown word wrap; wider lines are hard to
// track across a terminal.
const maxReadableWidth = 100

// RenderMarkdown renders markdown with glamour for terminal display,
// word-wrapped to the terminal width. Returns the input unchanged when
// color is off or rendering fails, so piped output stays plain.
func RenderMarkdown(markdown string) string {
	if !ShouldUseColor() {
		return markdown
	}

	wrapWidth := TerminalWidth(80)
	if wrapWidth > maxReadableWidth {
		wrapWidth = maxReadableWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return rendered
}
