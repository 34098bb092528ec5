package ui

import (
	"strings"
	"testing"
)

func TestRenderKeepsText(t *testing.T) {
	renderers := map[string]func(string) string{
		"accent": RenderAccent,
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"muted":  RenderMuted,
		"header": RenderHeader,
	}
	for name, render := range renderers {
		if got := render("synced"); !strings.Contains(got, "synced") {
			t.Errorf("%s renderer dropped text: %q", name, got)
		}
	}
}

func TestRenderField(t *testing.T) {
	got := RenderField("Phase", "running")
	if !strings.HasPrefix(got, "Phase") || !strings.HasSuffix(got, "running") {
		t.Errorf("RenderField() = %q", got)
	}
}

func TestConfirm_NoTerminal(t *testing.T) {
	// go test does not attach a terminal to stdin
	if IsTerminal() {
		t.Skip("running under a terminal")
	}
	got, err := Confirm("Reset?", "", true)
	if err != nil || !got {
		t.Errorf("Confirm() = %v, %v; want default true", got, err)
	}
}
