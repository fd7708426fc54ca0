package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/appstartup/internal/bootstrap"
	"github.com/aristath/appstartup/internal/config"
	"github.com/aristath/appstartup/internal/events"
	"github.com/aristath/appstartup/internal/persistence"
	"github.com/aristath/appstartup/internal/scheduler"
	"github.com/aristath/appstartup/internal/taskexec"
	"github.com/aristath/appstartup/internal/tui"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1 // Run did not fully succeed, or setup failed
	exitUsage   = 2
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

const usage = `Usage:
  appstartup [flags]                 run the auto-start tasks of the manifest
  appstartup [flags] -tasks a,b      run the named tasks and their dependencies
  appstartup [flags] -action name    run the tasks whose matchRules match the launch
  appstartup tasks [flags]           list the manifest in dependency order
  appstartup history [flags]         list recorded runs
  appstartup show [flags] <run-id>   show one recorded run
  appstartup prune [flags] -keep N   delete all but the newest N recorded runs
  appstartup init [flags]            write the default config (to -config or .appstartup/config.json)

Flags:
`

// run dispatches the subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runTasks(ctx, args, stdout, stderr)
	case "tasks":
		return listTasks(args, stdout, stderr)
	case "history":
		return listHistory(ctx, args, stdout, stderr)
	case "show":
		return showRun(ctx, args, stdout, stderr)
	case "prune":
		return pruneHistory(ctx, args, stdout, stderr)
	case "init":
		return initConfig(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath   string
	manifestPath string
	historyPath  string
}

func newFlagSet(name string, stderr io.Writer, cf *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&cf.configPath, "config", "", "project config file (default .appstartup/config.json)")
	fs.StringVar(&cf.manifestPath, "manifest", "", "task manifest, .json or .hcl (overrides manifest_path)")
	fs.StringVar(&cf.historyPath, "history", "", `run history database, ":memory:" or "off" (overrides history_path)`)
	return fs
}

// loadConfig applies the flag overrides on top of the layered config files.
func (cf *commonFlags) loadConfig() (*config.SchedulerConfig, error) {
	var (
		cfg *config.SchedulerConfig
		err error
	)
	if cf.configPath != "" {
		cfg, err = config.Load("", cf.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if cf.manifestPath != "" {
		cfg.ManifestPath = cf.manifestPath
	}
	if cf.historyPath != "" {
		cfg.HistoryPath = cf.historyPath
	}
	return cfg, nil
}

// settingsPaths returns where the TUI settings form may save. -config
// replaces the project file.
func (cf *commonFlags) settingsPaths() (globalPath, projectPath string, err error) {
	globalPath, projectPath, err = config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if cf.configPath != "" {
		projectPath = cf.configPath
	}
	return globalPath, projectPath, nil
}

// openHistory opens the run history store, or returns nil when disabled.
func openHistory(ctx context.Context, cfg *config.SchedulerConfig) (*persistence.SQLiteStore, error) {
	switch cfg.HistoryPath {
	case "off":
		return nil, nil
	case ":memory:":
		return persistence.NewMemoryStore(ctx)
	case "":
		path, err := xdg.DataFile("appstartup/history.db")
		if err != nil {
			return nil, fmt.Errorf("resolving history path: %w", err)
		}
		return persistence.NewSQLiteStore(ctx, path)
	default:
		return persistence.NewSQLiteStore(ctx, cfg.HistoryPath)
	}
}

func loadManifest(cfg *config.SchedulerConfig) (*config.Manifest, error) {
	if cfg.ManifestPath == "" {
		return nil, errors.New("no manifest: pass -manifest or set manifest_path")
	}
	return config.LoadManifest(cfg.ManifestPath)
}

func runTasks(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		cf           commonFlags
		taskList     string
		useTUI       bool
		quitOnFinish bool
		verbose      bool
		launch       bootstrap.MatchRequest
	)
	fs := newFlagSet("run", stderr, &cf)
	fs.StringVar(&taskList, "tasks", "", "comma-separated task names to run instead of the auto-start set")
	fs.StringVar(&launch.URI, "uri", "", "launch URI matched against task matchRules")
	fs.StringVar(&launch.Action, "action", "", "launch action matched against task matchRules")
	fs.StringVar(&launch.InsightIntent, "intent", "", "insight intent matched against task matchRules")
	fs.StringVar(&launch.Customization, "customization", "", "customization matched against task matchRules (default from configEntry)")
	fs.BoolVar(&launch.PreStageLoad, "pre-stage", false, "run the preAbilityStageLoad phase instead of the regular one")
	fs.BoolVar(&useTUI, "tui", false, "show live progress in a terminal UI")
	fs.BoolVar(&quitOnFinish, "exit", false, "with -tui, close the UI as soon as the run finishes")
	fs.BoolVar(&verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := cf.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitFailure
	}
	manifest, err := loadManifest(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading manifest: %v\n", err)
		return exitFailure
	}

	logger := newLogger(stderr, verbose, useTUI)

	store, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening history: %v\n", err)
		return exitFailure
	}
	var history bootstrap.History
	if store != nil {
		defer store.Close()
		history = store
	}

	// ProcessManager tracks exec: task subprocesses
	pm := taskexec.NewProcessManager()

	registry := bootstrap.NewRegistry()
	breakers := bootstrap.NewCircuitBreakerRegistry(bootstrap.BreakerSettings{
		Failures:  cfg.Retry.BreakerFailures,
		OpenDelay: cfg.Retry.BreakerOpenDelay.Std(),
	}, logger)
	remote := bootstrap.NewRemoteCaller(bootstrap.NewServiceTable(), breakers, bootstrap.RetryConfigFrom(cfg.Retry))
	if err := bootstrap.RegisterBuiltins(registry, pm, remote); err != nil {
		fmt.Fprintf(stderr, "Error registering task bodies: %v\n", err)
		return exitFailure
	}

	bus := events.NewEventBus()
	defer bus.Close()

	mgr, err := bootstrap.NewManager(bootstrap.ManagerConfig{
		Config:    cfg,
		Manifest:  manifest,
		Registry:  registry,
		History:   history,
		Bus:       bus,
		Logger:    logger,
		Processes: pm,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	var program *tea.Program
	if useTUI {
		// Subscribe before the run starts so no event is missed
		model := tui.New(bus, "", mgr.Order(), quitOnFinish)
		if globalPath, projectPath, err := cf.settingsPaths(); err == nil {
			model = model.WithSettings(cfg, globalPath, projectPath)
		}
		program = tea.NewProgram(model, tea.WithAltScreen())
	}

	var r *scheduler.Run
	if taskList != "" {
		r, err = mgr.RunTasks(ctx, splitList(taskList)...)
	} else {
		r, err = mgr.RunMatched(ctx, launch)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error starting run: %v\n", err)
		closeManager(mgr)
		return exitFailure
	}

	interrupted := wait(ctx, r, program)
	if interrupted {
		log.Println("Shutdown signal received, cleaning up...")
	}
	if n := bus.Dropped(); n > 0 && program != nil {
		log.Printf("Progress view missed %d events", n)
	}

	// Close records history for finished runs and kills leftover subprocesses
	closeManager(mgr)

	rep := r.Snapshot()
	printReport(stdout, rep)

	if interrupted || rep.Err() != nil {
		return exitFailure
	}
	return exitOK
}

// wait blocks until the run is terminal, the TUI exits, or ctx is done. It
// reports whether ctx ended first.
func wait(ctx context.Context, r *scheduler.Run, program *tea.Program) bool {
	if program == nil {
		select {
		case <-r.Done():
			return false
		case <-ctx.Done():
			return true
		}
	}

	errChan := make(chan error, 1)
	go func() {
		final, err := program.Run()
		if m, ok := final.(tui.Model); ok {
			if path, saved := m.Settings().Saved(); saved {
				log.Printf("Settings saved to %s, applied from the next run", path)
			}
		}
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// User quit the TUI; the run keeps going until it is terminal
		if err != nil {
			log.Printf("TUI exit error: %v", err)
		}
		select {
		case <-r.Done():
			return false
		case <-ctx.Done():
			return true
		}
	case <-ctx.Done():
		program.Quit()
		select {
		case <-errChan:
		case <-time.After(shutdownTimeout):
			log.Println("Shutdown timeout exceeded, forcing exit")
		}
		return true
	}
}

func closeManager(mgr *bootstrap.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}

func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	if quiet && !verbose {
		// The alternate screen owns the terminal
		return slog.New(slog.DiscardHandler)
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func listTasks(args []string, stdout, stderr io.Writer) int {
	var cf commonFlags
	fs := newFlagSet("tasks", stderr, &cf)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := cf.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitFailure
	}
	manifest, err := loadManifest(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading manifest: %v\n", err)
		return exitFailure
	}

	registry := bootstrap.NewRegistry()
	remote := bootstrap.NewRemoteCaller(bootstrap.NewServiceTable(), nil, bootstrap.RetryConfigFrom(cfg.Retry))
	if err := bootstrap.RegisterBuiltins(registry, nil, remote); err != nil {
		fmt.Fprintf(stderr, "Error registering task bodies: %v\n", err)
		return exitFailure
	}
	tasks, err := registry.BuildTasks(manifest)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	dag, err := scheduler.Build(tasks)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	printTasks(stdout, dag, manifest)
	fmt.Fprintf(stdout, "\nTask bodies: %s\n", strings.Join(registry.Names(), ", "))
	return exitOK
}

func initConfig(args []string, stdout, stderr io.Writer) int {
	var (
		cf    commonFlags
		force bool
	)
	fs := newFlagSet("init", stderr, &cf)
	fs.BoolVar(&force, "force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	path := cf.configPath
	if path == "" {
		path = filepath.Join(".appstartup", "config.json")
	}
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(stderr, "%s already exists (use -force to overwrite)\n", path)
		return exitFailure
	}

	cfg := config.DefaultConfig()
	cfg.ManifestPath = cf.manifestPath
	cfg.HistoryPath = cf.historyPath
	if err := config.Save(cfg, path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return exitOK
}
