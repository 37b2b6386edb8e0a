// cmd/tui/styles.go
package main

import "github.com/charmbracelet/lipgloss"

// styles collects the lipgloss styles the model renders with. Grounded on
// theRebelliousNerd-codenerd's cmd/nerd/ui.Styles: a small hand-picked palette
// rather than a themeable light/dark pair, since this client has one target
// (a terminal attached to the player running their own story) and no
// accessibility-mode requirement to carry.
type styles struct {
	title      lipgloss.Style
	narration  lipgloss.Style
	prompt     lipgloss.Style
	suggestion lipgloss.Style
	statusBar  lipgloss.Style
	errorText  lipgloss.Style
	spinnerTag lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BC34A")).
			Padding(0, 1),
		narration: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f2f2f2")).
			Padding(0, 1),
		prompt: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#2196F3")),
		suggestion: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFC107")).
			Padding(0, 2),
		statusBar: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#141d2b")).
			Background(lipgloss.Color("#8BC34A")).
			Padding(0, 1),
		errorText: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#e53935")),
		spinnerTag: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BC34A")),
	}
}
