// Package ui provides terminal styling for sv CLI output.
package ui

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTTY reports whether stdout is attached to a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor decides whether output gets ANSI styling.
// Precedence: NO_COLOR > CLICOLOR=0 > CLICOLOR_FORCE > TTY + terminal profile.
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	if !IsTTY() {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// TerminalWidth returns the stdout width, or fallback when it cannot be
// detected (pipes, tests).
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return fallback
}
