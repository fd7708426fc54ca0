package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aristath/appstartup/internal/config"
	"github.com/aristath/appstartup/internal/persistence"
	"github.com/aristath/appstartup/internal/scheduler"
)

// printReport writes a finished run as a table, one row per task in
// dependency order.
func printReport(w io.Writer, rep scheduler.Report) {
	fmt.Fprintf(w, "Run %s: %s", rep.RunID, rep.State)
	if !rep.StartedAt.IsZero() && !rep.FinishedAt.IsZero() {
		fmt.Fprintf(w, " in %v", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tMODE\tSTATE\tDURATION\tDETAIL")
	for _, st := range rep.Tasks {
		detail := ""
		switch {
		case st.Err != nil:
			detail = st.Err.Error()
		case st.Result != nil:
			detail = fmt.Sprintf("%v", st.Result)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.Mode, st.State, formatDuration(st.Duration()), detail)
	}
	tw.Flush()
}

func printTasks(w io.Writer, dag *scheduler.DAG, manifest *config.Manifest) {
	specs := make(map[string]config.TaskSpec, len(manifest.Tasks))
	for _, spec := range manifest.Tasks {
		specs[spec.Name] = spec
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tMODE\tAUTO\tPHASE\tTIMEOUT\tDEPENDS ON")
	for _, name := range dag.Order() {
		i, _ := dag.Index(name)
		t := dag.Task(i)
		timeout := "default"
		if t.Timeout > 0 {
			timeout = t.Timeout.String()
		}
		phase := "regular"
		if specs[name].PreStageLoad() {
			phase = "pre-stage"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", t.Name, t.Mode, t.IsAutoStart(), phase, timeout, joinOrDash(t.DependsOn))
	}
	tw.Flush()
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

// openStore opens the history store for the read-only subcommands.
func openStore(ctx context.Context, cf *commonFlags, stderr io.Writer) (*persistence.SQLiteStore, bool) {
	cfg, err := cf.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return nil, false
	}
	store, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening history: %v\n", err)
		return nil, false
	}
	if store == nil {
		fmt.Fprintln(stderr, "Run history is disabled")
		return nil, false
	}
	return store, true
}

func listHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		cf    commonFlags
		limit int
	)
	fs := newFlagSet("history", stderr, &cf)
	fs.IntVar(&limit, "n", 20, "number of runs to list (0 lists all)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, ok := openStore(ctx, &cf, stderr)
	if !ok {
		return exitFailure
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error listing runs: %v\n", err)
		return exitFailure
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No recorded runs")
		return exitOK
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATE\tSTARTED\tDURATION\tTASKS\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.State, humanize.Time(r.StartedAt), formatDuration(r.FinishedAt.Sub(r.StartedAt)), r.TaskCount, r.Failed)
	}
	tw.Flush()
	return exitOK
}

func showRun(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cf commonFlags
	fs := newFlagSet("show", stderr, &cf)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	store, ok := openStore(ctx, &cf, stderr)
	if !ok {
		return exitFailure
	}
	defer store.Close()

	rec, err := store.GetRun(ctx, fs.Arg(0))
	if errors.Is(err, persistence.ErrRunNotFound) {
		fmt.Fprintf(stderr, "No run %s\n", fs.Arg(0))
		return exitFailure
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error reading run: %v\n", err)
		return exitFailure
	}

	fmt.Fprintf(stdout, "Run %s: %s, started %s (%s)\n",
		rec.ID, rec.State, humanize.Time(rec.StartedAt), rec.StartedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tMODE\tSTATE\tDURATION\tDETAIL")
	for _, t := range rec.Tasks {
		detail := t.Result
		if t.Error != "" {
			detail = t.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Mode, t.State, formatDuration(t.Duration()), detail)
	}
	tw.Flush()
	return exitOK
}

func pruneHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		cf   commonFlags
		keep int
	)
	fs := newFlagSet("prune", stderr, &cf)
	fs.IntVar(&keep, "keep", 50, "number of newest runs to keep")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if keep < 0 {
		fmt.Fprintln(stderr, "-keep must not be negative")
		return exitUsage
	}

	store, ok := openStore(ctx, &cf, stderr)
	if !ok {
		return exitFailure
	}
	defer store.Close()

	n, err := store.PruneRuns(ctx, keep)
	if err != nil {
		fmt.Fprintf(stderr, "Error pruning runs: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "Deleted %d run(s)\n", n)
	return exitOK
}
