// Package ui renders terminal styling for the outreach CLI.
package ui

import "fmt"

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorPass   = 114 // green
	colorWarn   = 179 // amber
	colorFail   = 167 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderStatus colors an enrollment status or attempt result by outcome:
// green for finished, amber for in progress, red for stopped early.
// Unknown values are returned unstyled.
func RenderStatus(s string) string {
	switch s {
	case "completed", "sent":
		return paint(colorPass, s)
	case "pending", "active", "waiting", "skipped":
		return paint(colorWarn, s)
	case "terminated", "unsubscribed", "failed", "bounced":
		return paint(colorFail, s)
	}
	return s
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
