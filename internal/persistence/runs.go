package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/ruleflow/internal/orchestrator"
	"github.com/aristath/ruleflow/internal/scheduler"
)

// Run is one stored pipeline run.
type Run struct {
	ID        string
	Targets   []string
	Started   time.Time
	Finished  time.Time
	OK        bool
	Cancelled bool

	Succeeded      int
	Failed         int
	Skipped        int
	UpstreamFailed int
	CancelledJobs  int

	Jobs []JobResult // only populated by GetRun
}

// Duration is the run's wall time.
func (r Run) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// JobResult is the stored outcome of one job in a run.
type JobResult struct {
	RunID       string
	JobID       string
	Rule        string
	Status      string
	Stale       bool
	StaleReason string
	Outputs     []string
	Error       string
	Dispatched  time.Time
	Finished    time.Time
}

// Duration is the job's wall time, or zero if it never ran.
func (j JobResult) Duration() time.Duration {
	if j.Dispatched.IsZero() || j.Finished.IsZero() {
		return 0
	}
	return j.Finished.Sub(j.Dispatched)
}

// SaveReport stores a run report. Saving the same run id again replaces it.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *orchestrator.Report) error {
	targets, err := json.Marshal(report.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	counts := report.Counts()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The cascade drops the previous job rows of a re-saved run.
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, targets, started_at, finished_at, ok, cancelled,
			succeeded, failed, skipped, upstream_failed, cancelled_jobs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.RunID, string(targets), report.Started.UnixNano(), report.Finished.UnixNano(),
		report.OK(), report.Cancelled,
		counts[scheduler.JobSucceeded], counts[scheduler.JobFailed], counts[scheduler.JobSkipped],
		counts[scheduler.JobUpstreamFailed], counts[scheduler.JobCancelled])
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_results (run_id, job_id, rule, position, status, stale, stale_reason,
			outputs, error, dispatched_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare job insert: %w", err)
	}
	defer stmt.Close()

	for i, job := range report.Jobs {
		outputs, err := json.Marshal(job.Outputs)
		if err != nil {
			return fmt.Errorf("failed to encode outputs of %s: %w", job.ID, err)
		}
		errorStr := ""
		if job.Err != nil {
			errorStr = job.Err.Error()
		}
		_, err = stmt.ExecContext(ctx, report.RunID, job.ID, job.Rule, i, job.Status.String(),
			job.Stale, job.StaleReason, string(outputs), errorStr,
			nullTime(job.Dispatched), nullTime(job.Finished))
		if err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const runColumns = `id, targets, started_at, finished_at, ok, cancelled,
	succeeded, failed, skipped, upstream_failed, cancelled_jobs`

// GetRun retrieves a run and its job results in dependency order.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	jobs, err := s.queryJobs(ctx, `
		SELECT run_id, job_id, rule, status, stale, stale_reason, outputs, error, dispatched_at, finished_at
		FROM job_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	run.Jobs = jobs
	return &run, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// JobHistory returns the latest results of one job across runs, newest
// first.
func (s *SQLiteStore) JobHistory(ctx context.Context, jobID string, limit int) ([]JobResult, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx, `
		SELECT j.run_id, j.job_id, j.rule, j.status, j.stale, j.stale_reason, j.outputs, j.error,
			j.dispatched_at, j.finished_at
		FROM job_results j JOIN runs r ON r.id = j.run_id
		WHERE j.job_id = ?
		ORDER BY r.started_at DESC
		LIMIT ?
	`, jobID, limit)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var targets string
	var started, finished int64
	err := row.Scan(&run.ID, &targets, &started, &finished, &run.OK, &run.Cancelled,
		&run.Succeeded, &run.Failed, &run.Skipped, &run.UpstreamFailed, &run.CancelledJobs)
	if err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(targets), &run.Targets); err != nil {
		return Run{}, fmt.Errorf("decode targets of run %s: %w", run.ID, err)
	}
	run.Started = time.Unix(0, started)
	run.Finished = time.Unix(0, finished)
	return run, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]JobResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job results: %w", err)
	}
	defer rows.Close()

	var jobs []JobResult
	for rows.Next() {
		var j JobResult
		var outputs string
		var dispatched, finished sql.NullInt64
		err := rows.Scan(&j.RunID, &j.JobID, &j.Rule, &j.Status, &j.Stale, &j.StaleReason,
			&outputs, &j.Error, &dispatched, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}
		if err := json.Unmarshal([]byte(outputs), &j.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs of %s: %w", j.JobID, err)
		}
		if dispatched.Valid {
			j.Dispatched = time.Unix(0, dispatched.Int64)
		}
		if finished.Valid {
			j.Finished = time.Unix(0, finished.Int64)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job results: %w", err)
	}
	return jobs, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
