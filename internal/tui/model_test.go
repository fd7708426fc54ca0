package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/appstartup/internal/events"
)

func newTestModel(t *testing.T, quitOnFinish bool) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := New(bus, "run-1", []string{"config", "db"}, quitOnFinish)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	return updated.(Model)
}

func send(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

func TestModel_TaskLifecycle(t *testing.T) {
	m := newTestModel(t, false)
	now := time.Now()

	m, _ = send(t, m, events.TaskStartedEvent{Run: "run-1", Task: "config", Mode: "sync", Timestamp: now})
	if ts, _ := m.Tasks().Task("config"); ts.Status != StatusRunning {
		t.Fatalf("config status = %q, want running", ts.Status)
	}

	m, _ = send(t, m, events.TaskSucceededEvent{Run: "run-1", Task: "config", Duration: time.Millisecond, Timestamp: now})
	m, _ = send(t, m, events.TaskFailedEvent{Run: "run-1", Task: "db", Err: errors.New("refused"), Timestamp: now})
	m, _ = send(t, m, events.TaskTimedOutEvent{Run: "run-1", Task: "cache", Timeout: time.Second, Timestamp: now})

	tests := map[string]string{
		"config": StatusSucceeded,
		"db":     StatusFailed,
		"cache":  StatusTimedOut,
	}
	for name, want := range tests {
		ts, ok := m.Tasks().Task(name)
		if !ok {
			t.Errorf("task %s missing", name)
			continue
		}
		if ts.Status != want {
			t.Errorf("task %s status = %q, want %q", name, ts.Status, want)
		}
	}

	db, _ := m.Tasks().Task("db")
	if len(db.Log) != 1 || !strings.Contains(db.Log[0], "refused") {
		t.Errorf("db log = %q", db.Log)
	}
}

func TestModel_IgnoresOtherRuns(t *testing.T) {
	m := newTestModel(t, false)

	m, _ = send(t, m, events.TaskStartedEvent{Run: "run-2", Task: "config", Timestamp: time.Now()})
	if ts, _ := m.Tasks().Task("config"); ts.Status != StatusPending {
		t.Errorf("event from another run applied: %q", ts.Status)
	}
}

func TestModel_ProgressAndFinish(t *testing.T) {
	m := newTestModel(t, true)

	m, _ = send(t, m, events.RunProgressEvent{Run: "run-1", Total: 2, Succeeded: 1, Running: 1})
	if m.Progress().Finished() {
		t.Fatal("finished before run.finished")
	}

	m, cmd := send(t, m, events.RunFinishedEvent{Run: "run-1", State: "all-succeeded", Duration: time.Second})
	if !m.Progress().Finished() {
		t.Fatal("run.finished not recorded")
	}
	if cmd == nil {
		t.Fatal("expected a command after run.finished")
	}
	if !strings.Contains(m.View(), "all-succeeded") {
		t.Error("view does not show final state")
	}
}

func TestModel_KeyHandling(t *testing.T) {
	m := newTestModel(t, false)

	if got := m.Tasks().Selected(); got != "config" {
		t.Fatalf("initial selection = %q", got)
	}
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if got := m.Tasks().Selected(); got != "db" {
		t.Errorf("selection after j = %q, want db", got)
	}
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if got := m.Tasks().Selected(); got != "db" {
		t.Errorf("selection moved past the end: %q", got)
	}

	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("tab did not move focus, got %v", m.focusedPane)
	}
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("shift+tab did not move focus back, got %v", m.focusedPane)
	}

	m, cmd := send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil || !m.quitting {
		t.Error("q did not quit")
	}
	if m.View() != "Goodbye!\n" {
		t.Errorf("unexpected quit view %q", m.View())
	}
}

func TestModel_ViewBeforeResize(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	m := New(bus, "", nil, false)
	if m.View() != "Initializing..." {
		t.Errorf("unexpected view %q", m.View())
	}
}
