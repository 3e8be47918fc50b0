package ui

import (
	"strings"
	"testing"
)

func TestRenderStatus(t *testing.T) {
	defer func() { noColor = false }()
	noColor = false

	tests := []struct {
		status string
		code   string
	}{
		{"completed", "114"},
		{"sent", "114"},
		{"waiting", "179"},
		{"pending", "179"},
		{"terminated", "167"},
		{"unsubscribed", "167"},
		{"bounced", "167"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got := RenderStatus(tt.status)
			if !strings.Contains(got, "38;5;"+tt.code+"m"+tt.status) {
				t.Errorf("RenderStatus(%q) = %q, want color %s", tt.status, got, tt.code)
			}
		})
	}

	if got := RenderStatus("mystery"); got != "mystery" {
		t.Errorf("unknown status should be unstyled, got %q", got)
	}
}

func TestForceNoColor(t *testing.T) {
	defer func() { noColor = false }()
	ForceNoColor()
	for _, s := range []string{RenderAccent("a"), RenderMuted("b"), RenderCommand("c"), RenderStatus("completed")} {
		if strings.Contains(s, "\x1b[") {
			t.Errorf("expected plain text after ForceNoColor, got %q", s)
		}
	}
}

func TestShouldUseColor_Env(t *testing.T) {
	t.Setenv("CLICOLOR", "")
	t.Setenv("CLICOLOR_FORCE", "")

	t.Setenv("NO_COLOR", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR should disable color")
	}

	t.Setenv("NO_COLOR", "")
	t.Setenv("CLICOLOR_FORCE", "1")
	if !ShouldUseColor() {
		t.Error("CLICOLOR_FORCE=1 should enable color")
	}

	t.Setenv("CLICOLOR_FORCE", "")
	t.Setenv("CLICOLOR", "0")
	if ShouldUseColor() {
		t.Error("CLICOLOR=0 should disable color")
	}
}
