package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	accent = lipgloss.Color("62")
	muted  = lipgloss.Color("240")

	paneBase = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(accent).Foreground(lipgloss.Color("0"))
)

// statusStyles colors counters, icons and bar segments by task status.
var statusStyles = map[string]lipgloss.Style{
	StatusPending:   lipgloss.NewStyle().Foreground(muted),
	StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true),
	StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true),
	StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
	StatusTimedOut:  lipgloss.NewStyle().Foreground(lipgloss.Color("magenta")).Bold(true),
}

// statusStyle returns the style for status; unknown values render as pending.
func statusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return statusStyles[StatusPending]
}

// paneStyle returns the bordered frame of a pane sized to width x height.
func paneStyle(focused bool, width, height int) lipgloss.Style {
	border := muted
	if focused {
		border = accent
	}
	return paneBase.BorderForeground(border).Width(width - 2).Height(height - 2)
}
