package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/appstartup/internal/config"
)

// Save targets offered by the settings form.
const (
	SaveGlobal  = "global"
	SaveProject = "project"
)

// SettingsPaneModel is the scheduler settings form overlay. Saved values
// apply to the next run; the current run keeps the settings it started with.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.SchedulerConfig
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	savedTo     string
	err         error

	// Form bindings; huh edits strings
	saveTarget       string
	defaultTimeout   string
	runTimeout       string
	concurrency      string
	initialInterval  string
	maxInterval      string
	maxElapsedTime   string
	breakerFailures  string
	breakerOpenDelay string
}

// NewSettingsPaneModel creates a hidden settings pane editing a copy of cfg.
func NewSettingsPaneModel(cfg *config.SchedulerConfig, globalPath, projectPath string) SettingsPaneModel {
	copied := *cfg
	m := SettingsPaneModel{
		config:      &copied,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.reset()
	return m
}

// reset loads the form bindings from the current config and rebuilds the form.
func (m *SettingsPaneModel) reset() {
	c := m.config
	m.saveTarget = SaveProject
	m.defaultTimeout = c.DefaultTaskTimeout.String()
	m.runTimeout = c.RunTimeout.String()
	m.concurrency = strconv.Itoa(c.Concurrency)
	m.initialInterval = c.Retry.InitialInterval.String()
	m.maxInterval = c.Retry.MaxInterval.String()
	m.maxElapsedTime = c.Retry.MaxElapsedTime.String()
	m.breakerFailures = strconv.FormatUint(uint64(c.Retry.BreakerFailures), 10)
	m.breakerOpenDelay = c.Retry.BreakerOpenDelay.String()
	m.buildForm()
}

func (m *SettingsPaneModel) buildForm() {
	duration := func(key, title string, value *string) *huh.Input {
		return huh.NewInput().Key(key).Title(title).Value(value).Validate(validateDuration)
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", SaveProject),
					huh.NewOption("Global ("+m.globalPath+")", SaveGlobal),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			duration("defaultTimeout", "Default Task Timeout", &m.defaultTimeout),
			duration("runTimeout", "Run Timeout (0s disables)", &m.runTimeout),
			huh.NewInput().
				Key("concurrency").
				Title("Worker Pool Size").
				Value(&m.concurrency).
				Validate(validatePositive),
		).Title("Scheduler"),

		huh.NewGroup(
			duration("initialInterval", "Initial Retry Interval", &m.initialInterval),
			duration("maxInterval", "Max Retry Interval", &m.maxInterval),
			duration("maxElapsedTime", "Max Retry Time", &m.maxElapsedTime),
			huh.NewInput().
				Key("breakerFailures").
				Title("Failures Before Breaker Opens").
				Value(&m.breakerFailures).
				Validate(validatePositive),
			duration("breakerOpenDelay", "Breaker Open Delay", &m.breakerOpenDelay),
		).Title("Remote Retry"),
	)
	m.form.WithShowHelp(true)
	m.SetSize(m.width, m.height)
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1")
	}
	return nil
}

// Init initializes the settings form.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages while the pane is visible. Esc closes it without
// saving; completing the form saves and closes it.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == KeyEsc {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		if !m.saved && m.err == nil {
			m.save()
		}
		if m.err == nil {
			m.visible = false
		}
	case huh.StateAborted:
		m.visible = false
	}
	return m, cmd
}

// save applies the form bindings and writes the config to the chosen target.
func (m *SettingsPaneModel) save() {
	updated, err := m.apply()
	if err != nil {
		m.err = err
		return
	}
	path := m.projectPath
	if m.saveTarget == SaveGlobal {
		path = m.globalPath
	}
	if err := config.Save(updated, path); err != nil {
		m.err = err
		return
	}
	m.config = updated
	m.saved, m.savedTo, m.err = true, path, nil
}

// apply returns a copy of the config with the form values applied.
func (m *SettingsPaneModel) apply() (*config.SchedulerConfig, error) {
	c := *m.config

	durations := []struct {
		name string
		in   string
		out  *config.Duration
	}{
		{"default task timeout", m.defaultTimeout, &c.DefaultTaskTimeout},
		{"run timeout", m.runTimeout, &c.RunTimeout},
		{"initial retry interval", m.initialInterval, &c.Retry.InitialInterval},
		{"max retry interval", m.maxInterval, &c.Retry.MaxInterval},
		{"max retry time", m.maxElapsedTime, &c.Retry.MaxElapsedTime},
		{"breaker open delay", m.breakerOpenDelay, &c.Retry.BreakerOpenDelay},
	}
	for _, d := range durations {
		if err := validateDuration(d.in); err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		parsed, _ := time.ParseDuration(d.in)
		*d.out = config.Duration(parsed)
	}

	concurrency, err := strconv.Atoi(m.concurrency)
	if err != nil || concurrency < 1 {
		return nil, fmt.Errorf("worker pool size: invalid value %q", m.concurrency)
	}
	c.Concurrency = concurrency

	failures, err := strconv.ParseUint(m.breakerFailures, 10, 32)
	if err != nil || failures < 1 {
		return nil, fmt.Errorf("breaker failures: invalid value %q", m.breakerFailures)
	}
	c.Retry.BreakerFailures = uint32(failures)

	return &c, nil
}

// View renders the settings overlay.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = statusStyle(StatusFailed).Render(fmt.Sprintf("✗ Error saving: %v", m.err)) +
			"\n\n" + m.form.View()
	} else {
		content = m.form.View()
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(accent).Render("⚙ Settings")
	body := paneBase.BorderForeground(accent).Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4).
		Render(content)
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil && w > 8 && h > 8 {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the pane. Showing it starts a fresh form from the
// last saved values.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.err = nil
	if v {
		m.saved = false
		m.reset()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports where the last completed form was written, if anywhere.
func (m SettingsPaneModel) Saved() (string, bool) {
	return m.savedTo, m.saved
}

// Config returns the last saved settings.
func (m SettingsPaneModel) Config() config.SchedulerConfig {
	return *m.config
}
