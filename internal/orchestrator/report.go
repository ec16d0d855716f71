package orchestrator

import (
	"time"

	"github.com/aristath/ruleflow/internal/scheduler"
)

// JobReport is the terminal state of one job in a run.
type JobReport struct {
	ID          string
	Rule        string
	Status      scheduler.JobStatus
	Phony       bool
	Stale       bool
	StaleReason string
	Outputs     []string
	Err         error
	Dispatched  time.Time
	Finished    time.Time
}

// Duration is the wall time between dispatch and completion, or zero for
// jobs that never ran.
func (j JobReport) Duration() time.Duration {
	if j.Dispatched.IsZero() || j.Finished.IsZero() {
		return 0
	}
	return j.Finished.Sub(j.Dispatched)
}

// Report enumerates every job's terminal state after a run.
type Report struct {
	RunID     string
	Targets   []string
	Started   time.Time
	Finished  time.Time
	Jobs      []JobReport // dependency order
	Cancelled bool
}

// OK reports whether every job succeeded or was skipped as up to date.
func (r *Report) OK() bool {
	if r.Cancelled {
		return false
	}
	for _, j := range r.Jobs {
		switch j.Status {
		case scheduler.JobSucceeded, scheduler.JobSkipped:
		default:
			return false
		}
	}
	return true
}

// Failed returns the jobs whose own body failed.
func (r *Report) Failed() []JobReport {
	var failed []JobReport
	for _, j := range r.Jobs {
		if j.Status == scheduler.JobFailed {
			failed = append(failed, j)
		}
	}
	return failed
}

// Counts returns the number of jobs per terminal status.
func (r *Report) Counts() map[scheduler.JobStatus]int {
	counts := make(map[scheduler.JobStatus]int)
	for _, j := range r.Jobs {
		counts[j.Status]++
	}
	return counts
}

// Executed returns how many task bodies were started.
func (r *Report) Executed() int {
	n := 0
	for _, j := range r.Jobs {
		if !j.Phony && !j.Dispatched.IsZero() {
			n++
		}
	}
	return n
}

// Job returns the report for jobID.
func (r *Report) Job(jobID string) (JobReport, bool) {
	for _, j := range r.Jobs {
		if j.ID == jobID {
			return j, true
		}
	}
	return JobReport{}, false
}

func jobReports(dag *scheduler.DAG) []JobReport {
	jobs := dag.Jobs()
	reports := make([]JobReport, 0, len(jobs))
	for _, job := range jobs {
		reports = append(reports, JobReport{
			ID:          job.ID,
			Rule:        job.Rule,
			Phony:       job.Phony(),
			Status:      job.Status,
			Stale:       job.Stale,
			StaleReason: job.StaleReason,
			Outputs:     job.Outputs,
			Err:         job.Error,
			Dispatched:  job.Dispatched,
			Finished:    job.Finished,
		})
	}
	return reports
}
