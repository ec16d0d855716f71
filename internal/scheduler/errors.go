package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/ruleflow/internal/runner"
)

// Construction-time errors. All of them abort a run before any job executes.
var (
	ErrCycleDetected   = errors.New("cycle detected")
	ErrUnresolvedInput = errors.New("unresolved input")
	ErrOutputCollision = errors.New("output collision")
	ErrUnknownTarget   = errors.New("unknown target")
)

// Execution-time errors.
var (
	// ErrJobFailed is matched by every job failure, including timeouts.
	ErrJobFailed = errors.New("job failed")

	// ErrTimeout marks a job stopped because its timeout expired.
	ErrTimeout = runner.ErrTimeout

	// ErrCancelled marks a job stopped because the run was cancelled.
	ErrCancelled = runner.ErrCancelled

	// ErrMarkerCorruption marks a completion marker whose outputs are missing.
	ErrMarkerCorruption = errors.New("marker corruption")
)

// JobError reports a failed job. It matches ErrJobFailed as well as the
// underlying cause, so errors.Is(err, ErrTimeout) works for timed out jobs.
type JobError struct {
	JobID string
	Rule  string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.Rule, e.Err)
}

func (e *JobError) Unwrap() []error { return []error{ErrJobFailed, e.Err} }

// UnresolvedError describes a rule whose jobs could not be materialized.
type UnresolvedError struct {
	Rule   string
	Reason string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Reason)
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolvedInput }

// CollisionError reports an output path declared by more than one job.
type CollisionError struct {
	Path   string
	Jobs   []string
	Parent string // set when Path lies inside another job's output directory
}

func (e *CollisionError) Error() string {
	if e.Parent != "" {
		return fmt.Sprintf("output %q lies inside output %q (jobs %s)", e.Path, e.Parent, strings.Join(e.Jobs, ", "))
	}
	return fmt.Sprintf("output %q declared by jobs %s", e.Path, strings.Join(e.Jobs, ", "))
}

func (e *CollisionError) Unwrap() error { return ErrOutputCollision }

// ResolveError collects the rules that failed to resolve. Other rules were
// still resolved and are present in the returned DAG.
type ResolveError struct {
	Unresolved []*UnresolvedError
}

func (e *ResolveError) Error() string {
	msgs := make([]string, 0, len(e.Unresolved))
	for _, u := range e.Unresolved {
		msgs = append(msgs, u.Error())
	}
	return fmt.Sprintf("%s: %s", ErrUnresolvedInput, strings.Join(msgs, "; "))
}

func (e *ResolveError) Unwrap() []error {
	errs := make([]error, 0, len(e.Unresolved))
	for _, u := range e.Unresolved {
		errs = append(errs, u)
	}
	return errs
}

// Rules returns the unresolved rule names, sorted.
func (e *ResolveError) Rules() []string {
	names := make([]string, 0, len(e.Unresolved))
	for _, u := range e.Unresolved {
		names = append(names, u.Rule)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the named rule failed to resolve.
func (e *ResolveError) Has(rule string) bool {
	for _, u := range e.Unresolved {
		if u.Rule == rule {
			return true
		}
	}
	return false
}
