package ui

import "github.com/charmbracelet/lipgloss"

// Palette (Dracula, as the default flyer theme).
const (
	colorText    = "#f8f8f2"
	colorMuted   = "#6272a4"
	colorAccent  = "#bd93f9"
	colorSuccess = "#50fa7b"
	colorWarning = "#f1fa8c"
	colorDanger  = "#ff5555"
	colorBorder  = "#44475a"
)

// Styles holds the lipgloss styles used by the view.
type Styles struct {
	Title   lipgloss.Style
	Panel   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Counter lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style
}

// DefaultStyles returns the default styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorAccent)),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorBorder)).
			Padding(0, 2),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)).
			Width(11),
		Value: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorText)),
		Counter: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorText)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorSuccess)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorWarning)),
		Danger: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorDanger)),
	}
}
