package main

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/alfredjeanlab/outreach/internal/ui"
	"github.com/spf13/cobra"
)

var (
	// Group and section headers such as "Enrollments:" or "Flags:".
	reHeader = regexp.MustCompile(`(?m)^([A-Z][A-Za-z ]*:)[ \t]*$`)

	// Subcommand rows: two-space indent, name, then column padding.
	reCommandRow = regexp.MustCompile(`(?m)^(  )([a-z][\w-]*)(  +)`)

	// Flag value types, e.g. "--limit int" or "--status strings".
	reFlagType = regexp.MustCompile(`(--[\w-]+ )(string|strings|stringArray|int|duration|bool)\b`)

	reDefault = regexp.MustCompile(`\(default [^)]*\)`)
)

// colorizedHelpFunc renders cobra's usage text through ANSI styling when
// stdout supports color.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)
		fmt.Fprint(out, colorizeHelp(buf.String()))
	}
}

func colorizeHelp(s string) string {
	s = reHeader.ReplaceAllStringFunc(s, ui.RenderAccent)
	s = reCommandRow.ReplaceAllString(s, "${1}"+ui.RenderCommand("${2}")+"${3}")
	s = reFlagType.ReplaceAllString(s, "${1}"+ui.RenderMuted("${2}"))
	return reDefault.ReplaceAllStringFunc(s, ui.RenderMuted)
}
