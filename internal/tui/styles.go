package tui

import "github.com/charmbracelet/lipgloss"

var (
	// HeaderStyle styles the title and the column header row.
	HeaderStyle = lipgloss.NewStyle().Bold(true)

	statusStyles = map[string]lipgloss.Style{
		"cached":      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"mirror":      lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		"downloaded":  lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		"downloading": lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		"error":       lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// StatusStyle returns the lipgloss style for a payload status.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}
