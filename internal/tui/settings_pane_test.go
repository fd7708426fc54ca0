package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/appstartup/internal/config"
)

func newTestSettings(t *testing.T) (SettingsPaneModel, string, string) {
	t.Helper()
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global", "config.json")
	projectPath := filepath.Join(dir, "project", "config.json")
	return NewSettingsPaneModel(config.DefaultConfig(), globalPath, projectPath), globalPath, projectPath
}

func TestSettingsPane_SaveWritesTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{name: "project", target: SaveProject},
		{name: "global", target: SaveGlobal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, globalPath, projectPath := newTestSettings(t)
			want := projectPath
			if tt.target == SaveGlobal {
				want = globalPath
			}

			m.saveTarget = tt.target
			m.defaultTimeout = "3s"
			m.runTimeout = "0s"
			m.concurrency = "8"
			m.breakerFailures = "2"
			m.save()

			if m.err != nil {
				t.Fatalf("save: %v", m.err)
			}
			if path, ok := m.Saved(); !ok || path != want {
				t.Fatalf("Saved() = %q, %v, want %q", path, ok, want)
			}

			loaded, err := config.Load("", want)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.DefaultTaskTimeout.Std() != 3*time.Second {
				t.Errorf("default timeout = %v, want 3s", loaded.DefaultTaskTimeout)
			}
			if loaded.RunTimeout != 0 {
				t.Errorf("run timeout = %v, want 0", loaded.RunTimeout)
			}
			if loaded.Concurrency != 8 || loaded.Retry.BreakerFailures != 2 {
				t.Errorf("concurrency = %d, breaker failures = %d", loaded.Concurrency, loaded.Retry.BreakerFailures)
			}
			if m.Config().Concurrency != 8 {
				t.Error("pane does not keep the saved config")
			}
		})
	}
}

func TestSettingsPane_InvalidValuesNotSaved(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(m *SettingsPaneModel)
		field string
	}{
		{name: "duration", edit: func(m *SettingsPaneModel) { m.runTimeout = "soon" }, field: "run timeout"},
		{name: "negative duration", edit: func(m *SettingsPaneModel) { m.maxInterval = "-1s" }, field: "max retry interval"},
		{name: "pool size", edit: func(m *SettingsPaneModel) { m.concurrency = "0" }, field: "worker pool size"},
		{name: "breaker", edit: func(m *SettingsPaneModel) { m.breakerFailures = "many" }, field: "breaker failures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, projectPath := newTestSettings(t)
			tt.edit(&m)
			m.save()

			if m.err == nil || !strings.Contains(m.err.Error(), tt.field) {
				t.Fatalf("err = %v, want mention of %q", m.err, tt.field)
			}
			if _, ok := m.Saved(); ok {
				t.Error("invalid form reported as saved")
			}
			if _, err := os.Stat(projectPath); !os.IsNotExist(err) {
				t.Errorf("config file written despite invalid input: %v", err)
			}
		})
	}
}

func TestSettingsPane_ReopenStartsFromSavedValues(t *testing.T) {
	m, _, _ := newTestSettings(t)
	m.concurrency = "6"
	m.save()
	if m.err != nil {
		t.Fatalf("save: %v", m.err)
	}

	m.concurrency = "99" // abandoned edit
	m.SetVisible(true)
	if m.concurrency != "6" {
		t.Errorf("reopened form shows concurrency %q, want 6", m.concurrency)
	}
}

func TestModel_SettingsOverlay(t *testing.T) {
	dir := t.TempDir()
	m := newTestModel(t, false).WithSettings(
		config.DefaultConfig(),
		filepath.Join(dir, "global.json"),
		filepath.Join(dir, "project.json"),
	)

	if !strings.Contains(m.View(), "s: settings") {
		t.Error("help bar does not mention settings")
	}

	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if !m.Settings().IsVisible() {
		t.Fatal("settings not shown after s")
	}
	if !strings.Contains(m.View(), "Settings") {
		t.Error("settings overlay not rendered")
	}

	// q belongs to the form while it is open
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if m.View() == "Goodbye!\n" {
		t.Fatal("q quit the program while settings were open")
	}

	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.Settings().IsVisible() {
		t.Error("esc did not close settings")
	}
	if _, saved := m.Settings().Saved(); saved {
		t.Error("esc saved the form")
	}
}

func TestModel_SettingsDisabled(t *testing.T) {
	m := newTestModel(t, false)
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if m.Settings().IsVisible() {
		t.Error("settings opened without WithSettings")
	}
	if strings.Contains(m.View(), "s: settings") {
		t.Error("help bar advertises settings that are not available")
	}
}
