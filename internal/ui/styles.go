// Package ui holds terminal styling and prompts shared by the CLI commands.
package ui

import (
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("240"))
	labelStyle = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("241"))
)

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders s in a dim color.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders s as an underlined section title.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// RenderField renders a "label  value" line with aligned labels.
func RenderField(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// IsTerminal reports whether stdin and stdout are both terminals.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Confirm asks a yes/no question. Without a terminal it returns def
// without prompting.
func Confirm(title, description string, def bool) (bool, error) {
	if !IsTerminal() {
		return def, nil
	}

	answer := def
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&answer).
		Run()
	if err != nil {
		return false, err
	}
	return answer, nil
}
