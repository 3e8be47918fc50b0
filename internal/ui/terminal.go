package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout should carry ANSI colors.
func ShouldUseColor() bool {
	return colorFor(os.Stdout)
}

// Setup disables styling for the rest of the process when stdout is not a
// color-capable terminal.
func Setup() {
	if !ShouldUseColor() {
		ForceNoColor()
	}
}

// colorFor applies NO_COLOR (https://no-color.org), then CLICOLOR_FORCE=1,
// then CLICOLOR=0, and finally falls back to TTY detection on f.
func colorFor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
