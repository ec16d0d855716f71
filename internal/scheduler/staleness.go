package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aristath/ruleflow/internal/marker"
)

// Oracle decides which jobs must run. A job is up to date only when its
// completion marker exists, records the same job ID, every declared output
// exists and no upstream job is stale. File modification times are never
// consulted.
type Oracle struct {
	Markers *marker.Store
	Dir     string
	Logger  *slog.Logger
}

// NewOracle creates an oracle reading markers from store and checking
// outputs relative to dir.
func NewOracle(store *marker.Store, dir string, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{Markers: store, Dir: dir, Logger: logger}
}

// Check evaluates a single job's own state, ignoring upstream jobs. It
// returns whether the job is stale and why.
func (o *Oracle) Check(job *Job) (bool, string) {
	if job.Phony() {
		return false, ""
	}

	rec, markerErr := o.Markers.Read(job.Primary())
	if errors.Is(markerErr, marker.ErrNotFound) {
		return true, "no completion marker"
	}

	for _, out := range job.Outputs {
		if _, err := os.Stat(resolvePath(o.Dir, out)); err != nil {
			o.logger().Warn("completion marker without output",
				"job_id", job.ID, "rule", job.Rule, "output", out,
				"error", fmt.Errorf("%w: %s missing", ErrMarkerCorruption, out))
			return true, fmt.Sprintf("output %s missing", out)
		}
	}

	if markerErr != nil {
		o.logger().Warn("unreadable completion marker", "job_id", job.ID, "rule", job.Rule, "error", markerErr)
		return true, "unreadable completion marker"
	}
	if rec.JobID != job.ID {
		return true, fmt.Sprintf("marker belongs to job %s", rec.JobID)
	}
	return false, ""
}

// IsStale evaluates a single job, treating it as stale when upstreamStale is set.
func (o *Oracle) IsStale(job *Job, upstreamStale bool) bool {
	if stale, _ := o.Check(job); stale {
		return true
	}
	return upstreamStale
}

// Evaluate walks the DAG in dependency order, records every pending job's
// verdict and marks up to date jobs JobSkipped. Staleness propagates to
// every descendant. It returns the number of stale jobs.
func (o *Oracle) Evaluate(dag *DAG) (int, error) {
	order, err := dag.Validate()
	if err != nil {
		return 0, err
	}

	stale := make(map[string]bool, len(order))
	count := 0
	for _, jobID := range order {
		job, _ := dag.Get(jobID)
		if job.Status != JobPending {
			continue
		}

		isStale, reason := o.Check(job)
		if !isStale {
			for _, dep := range job.DependsOn {
				if stale[dep] {
					isStale, reason = true, "upstream job "+dep+" is stale"
					break
				}
			}
		}

		stale[jobID] = isStale
		if err := dag.SetStale(jobID, isStale, reason); err != nil {
			return count, err
		}
		if !isStale {
			if err := dag.MarkSkipped(jobID); err != nil {
				return count, err
			}
			continue
		}
		count++
		o.logger().Debug("job is stale", "job_id", jobID, "rule", job.Rule, "reason", reason)
	}
	return count, nil
}

func (o *Oracle) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
