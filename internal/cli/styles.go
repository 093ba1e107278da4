package cli

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("#5FAFAF")
	secondaryColor = lipgloss.Color("#666666")
	successColor   = lipgloss.Color("#87AF87")
	warnColor      = lipgloss.Color("#D7AF5F")
	errorColor     = lipgloss.Color("#AF5F5F")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(secondaryColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

// statusStyle colors a phase, task or entity status for terminal output.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "done", "skipped":
		return successStyle
	case "active", "in-progress", "in-review":
		return warnStyle
	case "failed", "blocked", "aborted", "cancelled":
		return errorStyle
	}
	return subtleStyle
}
