// Package orchestrator drives a resolved job DAG to completion: it evaluates
// staleness, dispatches ready jobs to an executor, verifies outputs and
// writes completion markers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/ruleflow/internal/events"
	"github.com/aristath/ruleflow/internal/logging"
	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/metrics"
	"github.com/aristath/ruleflow/internal/runner"
	"github.com/aristath/ruleflow/internal/scheduler"
)

// Config configures a Runner.
type Config struct {
	MaxParallel int                    // Max concurrently dispatched jobs (default 4)
	Executor    scheduler.Executor     // Required
	Markers     *marker.Store          // Required
	Dir         string                 // Working directory for relative paths
	Bus         *events.EventBus       // Optional
	Metrics     *metrics.Collector     // Optional
	Processes   *runner.ProcessManager // Optional; handed to every task body
	Logger      *slog.Logger           // Defaults to the context logger
}

// Runner executes job DAGs.
type Runner struct {
	config Config
}

// pass is the state of a single Run call. A Runner may serve several runs
// at once, so nothing run-scoped lives on the Runner itself.
type pass struct {
	*Runner
	logger *slog.Logger
	oracle *scheduler.Oracle
}

// New creates a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if cfg.Markers == nil {
		return nil, errors.New("orchestrator: marker store is required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Runner{config: cfg}, nil
}

// finished is what a job goroutine reports back to the dispatch loop.
type finished struct {
	job      *scheduler.Job
	err      error
	started  time.Time
	finished time.Time
}

// Run evaluates staleness and executes every stale job of dag, respecting
// dependency order and MaxParallel. Job failures are recorded in the report
// and only stop their own descendants. The returned error is non-nil only if
// the DAG cannot be evaluated or the run was cancelled; in the latter case
// the report is still complete.
func (r *Runner) Run(ctx context.Context, dag *scheduler.DAG) (*Report, error) {
	logger := r.config.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	report := &Report{RunID: uuid.NewString(), Started: time.Now()}
	logger = logger.With("run_id", report.RunID)
	p := &pass{
		Runner: r,
		logger: logger,
		oracle: scheduler.NewOracle(r.config.Markers, r.config.Dir, logger),
	}

	stale, err := p.oracle.Evaluate(dag)
	if err != nil {
		return nil, err
	}
	r.config.Metrics.StaleJobs(stale)
	logger.Info("run started", "jobs", dag.Len(), "stale", stale, "executor", r.config.Executor.Name())

	for _, job := range dag.WithStatus(scheduler.JobSkipped) {
		r.publish(events.JobSkippedEvent{ID: job.ID, Rule: job.Rule, Reason: "up to date", Timestamp: time.Now()})
		r.config.Metrics.JobNotRun(job.Rule, metrics.OutcomeSkipped)
	}
	r.publishProgress(dag)

	results := make(chan finished, r.config.MaxParallel)
	var g errgroup.Group
	g.SetLimit(r.config.MaxParallel)

	running := 0
	done := ctx.Done()
	for {
		if ctx.Err() == nil {
			running += p.dispatch(ctx, dag, &g, results, r.config.MaxParallel-running)
		}
		if running == 0 {
			break
		}

		select {
		case res := <-results:
			running--
			p.complete(dag, res)
		case <-done:
			done = nil
			logger.Warn("run cancelled, waiting for running jobs", "running", running)
		}
	}
	g.Wait()

	if ctx.Err() != nil {
		report.Cancelled = true
		now := time.Now()
		for _, job := range dag.Jobs() {
			if job.Status.Terminal() {
				continue
			}
			dag.MarkCancelled(job.ID, now)
			r.publish(events.JobSkippedEvent{ID: job.ID, Rule: job.Rule, Reason: "cancelled", Timestamp: now})
			r.config.Metrics.JobNotRun(job.Rule, metrics.OutcomeCancelled)
		}
	}

	report.Finished = time.Now()
	report.Jobs = jobReports(dag)
	r.publishProgress(dag)
	r.publish(events.RunFinishedEvent{RunID: report.RunID, OK: report.OK(), Cancelled: report.Cancelled, Timestamp: report.Finished})
	r.config.Metrics.RunFinished(report.OK(), report.Cancelled)

	counts := report.Counts()
	logger.Info("run finished",
		"succeeded", counts[scheduler.JobSucceeded],
		"skipped", counts[scheduler.JobSkipped],
		"failed", counts[scheduler.JobFailed],
		"upstream_failed", counts[scheduler.JobUpstreamFailed],
		"cancelled", counts[scheduler.JobCancelled],
		"elapsed", report.Finished.Sub(report.Started).Round(time.Millisecond))

	if report.Cancelled {
		return report, fmt.Errorf("%w: %v", scheduler.ErrCancelled, ctx.Err())
	}
	return report, nil
}

// dispatch starts up to slots eligible jobs and returns how many it started.
// Phony jobs complete inline, which can make further jobs eligible, so it
// loops until no progress is possible.
func (p *pass) dispatch(ctx context.Context, dag *scheduler.DAG, g *errgroup.Group, results chan<- finished, slots int) int {
	started := 0
	for progress := true; progress; {
		progress = false
		for _, job := range dag.Eligible() {
			if !job.Phony() && started >= slots {
				continue
			}
			if err := dag.MarkReady(job.ID); err != nil {
				p.logger.Error("failed to mark job ready", "job_id", job.ID, "error", err)
				continue
			}
			now := time.Now()
			if err := dag.MarkRunning(job.ID, now); err != nil {
				p.logger.Error("failed to mark job running", "job_id", job.ID, "error", err)
				continue
			}

			if job.Phony() {
				dag.MarkSucceeded(job.ID, now)
				p.publish(events.JobSucceededEvent{ID: job.ID, Rule: job.Rule, Timestamp: now})
				p.publishProgress(dag)
				progress = true
				continue
			}

			started++
			p.publish(events.JobStartedEvent{ID: job.ID, Rule: job.Rule, Executor: p.config.Executor.Name(), Timestamp: now})
			p.config.Metrics.JobStarted()

			j := job
			g.Go(func() error {
				results <- p.execute(ctx, j)
				return nil
			})
		}
		if started > 0 {
			p.publishProgress(dag)
		}
	}
	return started
}

// execute runs one job end to end: prepare directories, drop the stale
// marker, run the body, verify outputs and record completion.
func (p *pass) execute(ctx context.Context, job *scheduler.Job) finished {
	res := finished{job: job, started: time.Now()}
	logger := logging.WithJob(p.logger, job.ID, job.Rule)
	logger.Info("job started", "reason", job.StaleReason)

	fail := func(err error) finished {
		res.err = err
		res.finished = time.Now()
		return res
	}

	if err := p.prepare(job); err != nil {
		return fail(err)
	}
	if err := p.config.Markers.Remove(job.Primary()); err != nil {
		return fail(fmt.Errorf("remove stale marker: %w", err))
	}

	tc := job.TaskContext(p.config.Dir)
	tc.Logger = logger
	tc.Processes = p.config.Processes
	out := newLineWriter(func(line string) {
		p.publish(events.JobOutputEvent{ID: job.ID, Line: line, Timestamp: time.Now()})
	})
	if p.config.Bus != nil {
		tc.Stdout = out
	}

	// Executors observe ctx, so on cancellation this returns once the body
	// has stopped or been killed.
	result := <-p.config.Executor.Submit(ctx, job, tc)
	out.Flush()

	if !result.Started.IsZero() {
		res.started = result.Started
	}
	if result.Err != nil {
		return fail(result.Err)
	}

	if missing := p.missingOutputs(job); len(missing) > 0 {
		return fail(fmt.Errorf("missing outputs: %s", strings.Join(missing, ", ")))
	}

	rec := marker.Record{JobID: job.ID, Rule: job.Rule, Outputs: job.Outputs}
	if err := p.config.Markers.Write(job.Primary(), rec); err != nil {
		return fail(fmt.Errorf("write completion marker: %w", err))
	}
	res.finished = time.Now()
	return res
}

// complete records a job's outcome in the DAG. It runs on the dispatch loop,
// so a dependent is never made eligible before its upstream is marked done.
func (p *pass) complete(dag *scheduler.DAG, res finished) {
	job := res.job
	logger := logging.WithJob(p.logger, job.ID, job.Rule)
	now := time.Now()
	elapsed := res.finished.Sub(res.started)

	switch {
	case res.err == nil:
		dag.MarkSucceeded(job.ID, now)
		logger.Info("job succeeded", "elapsed", elapsed.Round(time.Millisecond))
		p.publish(events.JobSucceededEvent{ID: job.ID, Rule: job.Rule, Duration: elapsed, Timestamp: now})
		p.config.Metrics.JobFinished(job.Rule, metrics.OutcomeSucceeded, elapsed)

	case errors.Is(res.err, scheduler.ErrCancelled):
		dag.MarkCancelled(job.ID, now)
		logger.Warn("job cancelled", "error", res.err)
		p.publish(events.JobSkippedEvent{ID: job.ID, Rule: job.Rule, Reason: "cancelled", Timestamp: now})
		p.config.Metrics.JobFinished(job.Rule, metrics.OutcomeCancelled, elapsed)

	default:
		jobErr := &scheduler.JobError{JobID: job.ID, Rule: job.Rule, Err: res.err}
		marked, err := dag.MarkFailed(job.ID, jobErr, now)
		if err != nil {
			logger.Error("failed to mark job failed", "error", err)
		}
		logger.Error("job failed", "error", res.err, "skipped_descendants", len(marked))

		outcome := metrics.OutcomeFailed
		if errors.Is(res.err, scheduler.ErrTimeout) {
			outcome = metrics.OutcomeTimeout
		}
		p.publish(events.JobFailedEvent{ID: job.ID, Rule: job.Rule, Err: res.err, Duration: elapsed, Timestamp: now})
		p.config.Metrics.JobFinished(job.Rule, outcome, elapsed)

		for _, id := range marked {
			desc, _ := dag.Get(id)
			p.publish(events.JobSkippedEvent{ID: id, Rule: desc.Rule, Reason: "upstream job " + job.ID + " failed", Timestamp: now})
			p.config.Metrics.JobNotRun(desc.Rule, metrics.OutcomeUpstreamFailed)
		}
	}
	p.publishProgress(dag)
}

// prepare creates the job's mkdir entries and every output's parent directory.
func (r *Runner) prepare(job *scheduler.Job) error {
	dirs := make([]string, 0, len(job.Mkdir)+len(job.Outputs))
	for _, d := range job.Mkdir {
		dirs = append(dirs, r.path(d))
	}
	for _, out := range job.Outputs {
		dirs = append(dirs, filepath.Dir(r.path(out)))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return nil
}

func (r *Runner) missingOutputs(job *scheduler.Job) []string {
	var missing []string
	for _, out := range job.Outputs {
		if _, err := os.Stat(r.path(out)); err != nil {
			missing = append(missing, out)
		}
	}
	return missing
}

func (r *Runner) path(p string) string {
	if filepath.IsAbs(p) || r.config.Dir == "" {
		return p
	}
	return filepath.Join(r.config.Dir, p)
}

func (r *Runner) publish(event events.Event) {
	r.config.Bus.Publish(event)
}

func (r *Runner) publishProgress(dag *scheduler.DAG) {
	if r.config.Bus == nil {
		return
	}
	counts := dag.Counts()
	r.publish(events.DAGProgressEvent{
		Total:     dag.Len(),
		Succeeded: counts[scheduler.JobSucceeded],
		Skipped:   counts[scheduler.JobSkipped] + counts[scheduler.JobCancelled],
		Running:   counts[scheduler.JobRunning],
		Failed:    counts[scheduler.JobFailed] + counts[scheduler.JobUpstreamFailed],
		Pending:   counts[scheduler.JobPending] + counts[scheduler.JobReady],
		Timestamp: time.Now(),
	})
}
