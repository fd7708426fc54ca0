package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appstartup/internal/events"
)

// ProgressPaneModel shows aggregate run progress.
type ProgressPaneModel struct {
	runID     string
	total     int
	succeeded int
	running   int
	failed    int
	timedOut  int
	pending   int
	final     string // run state once finished
	duration  time.Duration
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.RunProgressEvent:
		m.runID = msg.Run
		m.total = msg.Total
		m.succeeded = msg.Succeeded
		m.running = msg.Running
		m.failed = msg.Failed
		m.timedOut = msg.TimedOut
		m.pending = msg.Pending

	case events.RunFinishedEvent:
		m.runID = msg.Run
		m.final = msg.State
		m.duration = msg.Duration
	}

	return m, nil
}

// Finished reports whether a run.finished event was seen.
func (m ProgressPaneModel) Finished() bool { return m.final != "" }

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.runID != "" {
		b.WriteString(fmt.Sprintf("Run:       %s\n", m.runID))
	}
	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Succeeded: %s\n", statusStyle(StatusSucceeded).Render(fmt.Sprintf("%d", m.succeeded))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", statusStyle(StatusRunning).Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", statusStyle(StatusFailed).Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Timed out: %s\n", statusStyle(StatusTimedOut).Render(fmt.Sprintf("%d", m.timedOut))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", statusStyle(StatusPending).Render(fmt.Sprintf("%d", m.pending))))
	b.WriteString("\n")

	if m.total > 0 {
		b.WriteString(m.bar(min(m.width-4, 40)))
		b.WriteString("\n")
	}
	if m.final != "" {
		b.WriteString(fmt.Sprintf("\nFinished: %s in %v\n", m.final, m.duration.Round(time.Millisecond)))
	}

	return paneStyle(m.focused, m.width, m.height).Render(b.String())
}

func (m ProgressPaneModel) bar(width int) string {
	if width <= 0 {
		return ""
	}
	succeededWidth := (m.succeeded * width) / m.total
	failedWidth := ((m.failed + m.timedOut) * width) / m.total
	runningWidth := (m.running * width) / m.total
	pendingWidth := width - succeededWidth - failedWidth - runningWidth

	bar := statusStyle(StatusSucceeded).Render(strings.Repeat("=", max(0, succeededWidth)))
	bar += statusStyle(StatusFailed).Render(strings.Repeat("!", max(0, failedWidth)))
	bar += statusStyle(StatusRunning).Render(strings.Repeat("-", max(0, runningWidth)))
	bar += statusStyle(StatusPending).Render(strings.Repeat(".", max(0, pendingWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, m.succeeded+m.failed+m.timedOut, m.total)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
