package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/config"
	"github.com/aristath/ruleflow/internal/events"
	"github.com/aristath/ruleflow/internal/logging"
	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/metrics"
	"github.com/aristath/ruleflow/internal/orchestrator"
	"github.com/aristath/ruleflow/internal/persistence"
	"github.com/aristath/ruleflow/internal/runner"
	"github.com/aristath/ruleflow/internal/scheduler"
	"github.com/aristath/ruleflow/internal/tui"
)

type runFlags struct {
	jobs        int
	cpuBudget   int
	executor    string
	tui         bool
	metricsAddr string
	showOutput  bool
}

func newRunCmd(o *options) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "Build targets, running only stale jobs",
		Long: `Build the named targets (rule names, job IDs or output paths), or the
pipeline's default target. Jobs whose completion markers are current are
skipped. Exits non-zero if any job fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.open()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, ws.cfg, f)
			if err := ws.cfg.Validate(); err != nil {
				return err
			}
			return runTargets(cmd.Context(), o, ws, ws.targets(args), f)
		},
	}

	cmd.Flags().IntVarP(&f.jobs, "jobs", "j", 0, "Maximum concurrently running jobs")
	cmd.Flags().IntVar(&f.cpuBudget, "cpu-budget", 0, "CPUs shared by local jobs")
	cmd.Flags().StringVar(&f.executor, "executor", "", "Executor: local, slurm or amqp")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "Show the live run monitor")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.showOutput, "show-output", false, "Stream job output to stdout")

	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg *config.EngineConfig, f runFlags) {
	if cmd.Flags().Changed("jobs") {
		cfg.MaxParallel = f.jobs
	}
	if cmd.Flags().Changed("cpu-budget") {
		cfg.CPUBudget = f.cpuBudget
	}
	if cmd.Flags().Changed("executor") {
		cfg.Executor = f.executor
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
}

func runTargets(ctx context.Context, o *options, ws *workspace, targets []string, f runFlags) error {
	out := o.output()

	logger := ws.logger
	if f.tui {
		// The monitor owns the terminal.
		logFile, err := openRunLog(ws)
		if err != nil {
			return err
		}
		defer logFile.Close()
		if logger, err = logging.Setup(ws.logLevel, ws.logFormat, logFile); err != nil {
			return err
		}
	}
	ctx = logging.WithLogger(ctx, logger)

	dag, err := scheduler.NewResolver(ws.dir, logger).Plan(ws.reg, targets...)
	if err != nil {
		return err
	}

	exec, closeExec, err := newExecutor(ctx, ws.cfg, logger)
	if err != nil {
		return err
	}
	defer closeExec()

	bus := events.NewEventBus()
	collector := metrics.NewCollector()
	processes := runner.NewProcessManager()
	defer processes.KillAll()

	if ws.cfg.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, ws.cfg.MetricsAddr, collector, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	r, err := orchestrator.New(orchestrator.Config{
		MaxParallel: ws.cfg.MaxParallel,
		Executor:    exec,
		Markers:     marker.NewStore(ws.dir),
		Dir:         ws.dir,
		Bus:         bus,
		Metrics:     collector,
		Processes:   processes,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var report *orchestrator.Report
	var runErr error
	if f.tui {
		report, runErr = runWithMonitor(ctx, r, dag, bus, ws)
	} else {
		streamed := make(chan struct{})
		if f.showOutput {
			go streamOutput(bus.Subscribe(events.TopicJob, 1024), out, streamed)
		} else {
			close(streamed)
		}
		report, runErr = r.Run(ctx, dag)
		bus.Close()
		<-streamed
	}
	if report == nil {
		return runErr
	}
	report.Targets = targets

	saveHistory(ctx, ws, report, logger)
	printReport(out, report)

	if !report.OK() {
		for _, j := range report.Jobs {
			switch j.Status {
			case scheduler.JobFailed:
				out.Message("failed: %s (%s): %v", j.ID, j.Rule, j.Err)
			case scheduler.JobUpstreamFailed:
				out.Message("not run: %s (%s): upstream job failed", j.ID, j.Rule)
			}
		}
		if report.Cancelled {
			return &ExitError{Code: 130, Err: runErr}
		}
		return &ExitError{Code: 1}
	}
	return nil
}

// runWithMonitor runs the DAG while the TUI owns the terminal. Quitting the
// monitor before the run ends cancels it.
func runWithMonitor(ctx context.Context, r *orchestrator.Runner, dag *scheduler.DAG, bus *events.EventBus, ws *workspace) (*orchestrator.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.New(bus, ws.cfg, ws.globalPath, ws.projectPath)

	type result struct {
		report *orchestrator.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.Run(runCtx, dag)
		bus.Close()
		done <- result{report, err}
	}()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-done
		return nil, fmt.Errorf("run monitor: %w", err)
	}
	cancel()
	res := <-done
	return res.report, res.err
}

func openRunLog(ws *workspace) (*os.File, error) {
	path := filepath.Join(ws.dir, config.DirName, "run.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func streamOutput(sub <-chan events.Event, out *output, done chan<- struct{}) {
	defer close(done)
	for ev := range sub {
		if line, ok := ev.(events.JobOutputEvent); ok {
			out.Line("[%s] %s", line.ID, line.Line)
		}
	}
}

func saveHistory(ctx context.Context, ws *workspace, report *orchestrator.Report, logger *slog.Logger) {
	if ws.cfg.HistoryDB == "" {
		return
	}
	// The run may have been cancelled; the record is still wanted.
	ctx = context.WithoutCancel(ctx)

	store, err := persistence.NewSQLiteStore(ctx, ws.path(ws.cfg.HistoryDB))
	if err != nil {
		logger.Warn("run history unavailable", "error", err)
		return
	}
	defer store.Close()
	if err := store.SaveReport(ctx, report); err != nil {
		logger.Warn("failed to record run", "run_id", report.RunID, "error", err)
	}
}

// jobView is the JSON form of a job in a run report.
type jobView struct {
	ID       string   `json:"id"`
	Rule     string   `json:"rule"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
	Error    string   `json:"error,omitempty"`
	Duration string   `json:"duration,omitempty"`
}

type reportView struct {
	RunID     string         `json:"run_id"`
	Targets   []string       `json:"targets"`
	OK        bool           `json:"ok"`
	Cancelled bool           `json:"cancelled"`
	Elapsed   string         `json:"elapsed"`
	Counts    map[string]int `json:"counts"`
	Jobs      []jobView      `json:"jobs"`
}

func printReport(out *output, report *orchestrator.Report) {
	view := reportView{
		RunID:     report.RunID,
		Targets:   report.Targets,
		OK:        report.OK(),
		Cancelled: report.Cancelled,
		Elapsed:   report.Finished.Sub(report.Started).Round(time.Millisecond).String(),
		Counts:    make(map[string]int),
	}
	rows := make([][]string, 0, len(report.Jobs))
	for _, j := range report.Jobs {
		view.Counts[j.Status.String()]++
		if j.Phony {
			continue
		}
		jv := jobView{ID: j.ID, Rule: j.Rule, Status: j.Status.String(), Outputs: j.Outputs}
		if j.Stale {
			jv.Reason = j.StaleReason
		}
		if j.Err != nil {
			jv.Error = j.Err.Error()
		}
		if d := j.Duration(); d > 0 {
			jv.Duration = d.Round(time.Millisecond).String()
		}
		view.Jobs = append(view.Jobs, jv)

		note := jv.Reason
		if jv.Error != "" {
			note = jv.Error
		}
		rows = append(rows, []string{jv.ID, jv.Rule, jv.Status, jv.Duration, note})
	}

	out.Print([]string{"JOB", "RULE", "STATUS", "DURATION", "NOTE"}, rows, view)

	parts := make([]string, 0, len(view.Counts))
	for _, status := range []scheduler.JobStatus{
		scheduler.JobSucceeded, scheduler.JobSkipped, scheduler.JobFailed,
		scheduler.JobUpstreamFailed, scheduler.JobCancelled,
	} {
		if n := view.Counts[status.String()]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(int64(n)), status))
		}
	}
	out.Line("\nrun %s: %s in %s", report.RunID, strings.Join(parts, ", "), view.Elapsed)
}
