package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appstartup/internal/config"
	"github.com/aristath/appstartup/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	paneCount
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	hasSettings  bool
	showSettings bool
	focusedPane  PaneID
	eventSub     <-chan events.Event
	runID        string
	quitOnFinish bool
	width        int
	height       int
	quitting     bool
}

// New creates a new TUI model for one run. It subscribes to all events from
// the event bus right away, so create it before starting the run. order lists
// the tasks to show as pending up front. Events of other runs are ignored once
// runID is known; pass "" to follow the first run seen.
func New(eventBus *events.EventBus, runID string, order []string, quitOnFinish bool) Model {
	m := Model{
		taskPane:     NewTaskPaneModel(order),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(256),
		runID:        runID,
		quitOnFinish: quitOnFinish,
	}
	m.updateFocusStates()
	return m
}

// WithSettings enables the settings overlay ("s"), which edits cfg and saves
// it to globalPath or projectPath.
func (m Model) WithSettings(cfg *config.SchedulerConfig, globalPath, projectPath string) Model {
	m.settingsPane = NewSettingsPaneModel(cfg, globalPath, projectPath)
	m.settingsPane.SetSize(m.width, m.height)
	m.hasSettings = true
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			// Modal: every key goes to the form
			if msg.String() == KeyCtrlC {
				m.quitting = true
				return m, tea.Quit
			}
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			m.showSettings = m.settingsPane.IsVisible()
			return m, cmd
		}

		switch msg.String() {
		case KeySettings:
			if m.hasSettings {
				m.showSettings = true
				m.settingsPane.SetVisible(true)
				cmds = append(cmds, m.settingsPane.Init())
			}

		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.Event:
		cmds = append(cmds, waitForEvent(m.eventSub))
		if m.runID == "" {
			m.runID = msg.RunID()
		}
		if msg.RunID() != m.runID {
			break
		}

		switch msg.(type) {
		case events.RunProgressEvent, events.RunFinishedEvent:
			m.progressPane, _ = m.progressPane.Update(msg)
			if m.quitOnFinish && m.progressPane.Finished() {
				cmds = append(cmds, tea.Quit)
			}
		default:
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	default:
		// Cursor blinks and other form internals
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			m.showSettings = m.settingsPane.IsVisible()
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView(m.progressPane.Finished(), m.hasSettings))
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}

// Tasks returns the task pane, for inspection.
func (m Model) Tasks() TaskPaneModel { return m.taskPane }

// Progress returns the progress pane, for inspection.
func (m Model) Progress() ProgressPaneModel { return m.progressPane }

// Settings returns the settings pane.
func (m Model) Settings() SettingsPaneModel { return m.settingsPane }
