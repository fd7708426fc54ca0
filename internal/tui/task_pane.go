package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appstartup/internal/events"
)

// Task display states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed-out"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	Name      string
	Mode      string
	Status    string
	Log       []string // Lifecycle lines shown in the detail viewport
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists the tasks of a run next to a detail viewport for the
// selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // dependency order, then first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

const listWidth = 25

// NewTaskPaneModel creates a pane pre-populated with names as pending tasks.
func NewTaskPaneModel(names []string) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
	for _, name := range names {
		m.ensure(name)
	}
	m.updateViewportContent()
	return m
}

func (m *TaskPaneModel) ensure(name string) *TaskState {
	if ts, ok := m.tasks[name]; ok {
		return ts
	}
	ts := &TaskState{Name: name, Status: StatusPending}
	m.tasks[name] = ts
	m.order = append(m.order, name)
	return ts
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		ts := m.ensure(msg.Task)
		ts.Status = StatusRunning
		ts.Mode = msg.Mode
		ts.StartTime = msg.Timestamp
		ts.Log = append(ts.Log, fmt.Sprintf("[%s] started (%s)", stamp(msg.Timestamp), msg.Mode))
		m.refreshIfSelected(msg.Task)

	case events.TaskSucceededEvent:
		ts := m.ensure(msg.Task)
		ts.Status = StatusSucceeded
		ts.Duration = msg.Duration
		if msg.Carried {
			ts.Log = append(ts.Log, fmt.Sprintf("[%s] succeeded (result carried from an earlier run)", stamp(msg.Timestamp)))
		} else {
			ts.Log = append(ts.Log, fmt.Sprintf("[%s] succeeded in %v", stamp(msg.Timestamp), msg.Duration))
		}
		m.refreshIfSelected(msg.Task)

	case events.TaskFailedEvent:
		ts := m.ensure(msg.Task)
		ts.Status = StatusFailed
		ts.Duration = msg.Duration
		ts.Log = append(ts.Log, fmt.Sprintf("[%s] failed: %v", stamp(msg.Timestamp), msg.Err))
		m.refreshIfSelected(msg.Task)

	case events.TaskTimedOutEvent:
		ts := m.ensure(msg.Task)
		ts.Status = StatusTimedOut
		scope := "task"
		if msg.RunWide {
			scope = "run"
		}
		ts.Log = append(ts.Log, fmt.Sprintf("[%s] timed out (%s deadline %v)", stamp(msg.Timestamp), scope, msg.Timeout))
		m.refreshIfSelected(msg.Task)
	}

	return m, cmd
}

func stamp(t time.Time) string {
	return t.Format("15:04:05.000")
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneStyle(m.focused, m.width, m.height).Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(statusStyle(StatusPending).Render("Waiting..."))
	}
	for i, name := range m.order {
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[m.order[i]].Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return statusStyle(StatusRunning).Render("●")
	case StatusSucceeded:
		return statusStyle(StatusSucceeded).Render("✓")
	case StatusFailed:
		return statusStyle(StatusFailed).Render("✗")
	case StatusTimedOut:
		return statusStyle(StatusTimedOut).Render("⌛")
	default:
		return statusStyle(StatusPending).Render("○")
	}
}

// Task returns the pane's state for name.
func (m TaskPaneModel) Task(name string) (TaskState, bool) {
	ts, ok := m.tasks[name]
	if !ok {
		return TaskState{}, false
	}
	return *ts, true
}

// Selected returns the name of the selected task, or "" when there is none.
func (m TaskPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) refreshIfSelected(name string) {
	if m.Selected() == name {
		m.updateViewportContent()
	}
}

func (m *TaskPaneModel) updateViewportContent() {
	ts, ok := m.tasks[m.Selected()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	if len(ts.Log) == 0 {
		m.viewport.SetContent(ts.Name + ": " + ts.Status)
		return
	}
	m.viewport.SetContent(strings.Join(ts.Log, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
