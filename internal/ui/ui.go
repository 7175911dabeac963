// Package ui holds the terminal output styles shared by the gsync commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Pass renders a success marker.
func Pass(s string) string { return passStyle.Render(s) }

// Warn renders a warning marker.
func Warn(s string) string { return warnStyle.Render(s) }

// Err renders an error marker.
func Err(s string) string { return errStyle.Render(s) }

// Accent renders an emphasized value such as a header or a count.
func Accent(s string) string { return accentStyle.Render(s) }

// Dim renders secondary detail.
func Dim(s string) string { return dimStyle.Render(s) }

// ForResult maps a reconciliation result onto its display style.
func ForResult(result string) string {
	switch result {
	case "updated":
		return Pass(result)
	case "skipped":
		return Dim(result)
	case "error":
		return Err(result)
	default:
		return result
	}
}
