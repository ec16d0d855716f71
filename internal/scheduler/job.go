package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aristath/ruleflow/internal/rule"
)

// JobStatus represents the current state of a job.
type JobStatus int

const (
	JobPending        JobStatus = iota // Waiting for dependencies
	JobReady                           // All dependencies resolved, waiting for a slot
	JobRunning                         // Dispatched to an executor
	JobSucceeded                       // Body succeeded and outputs verified
	JobFailed                          // Body failed, timed out or left outputs missing
	JobSkipped                         // Up to date, body never invoked
	JobUpstreamFailed                  // Never attempted because an ancestor failed
	JobCancelled                       // Stopped or never dispatched because the run was cancelled
)

var statusNames = [...]string{
	JobPending:        "pending",
	JobReady:          "ready",
	JobRunning:        "running",
	JobSucceeded:      "succeeded",
	JobFailed:         "failed",
	JobSkipped:        "skipped",
	JobUpstreamFailed: "upstream-failed",
	JobCancelled:      "cancelled",
}

func (s JobStatus) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// Terminal reports whether no further transition can happen in this run.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobUpstreamFailed, JobCancelled:
		return true
	}
	return false
}

// Job is one concrete instantiation of a rule.
type Job struct {
	ID        string
	Rule      string
	Kind      rule.Kind
	Inputs    []string // ordered; extra inputs last
	Outputs   []string // ordered; the first is the primary output
	DependsOn []string // job IDs
	Resources rule.Resources
	Params    map[string]string
	Mkdir     []string
	Body      rule.TaskBody

	Status      JobStatus
	Stale       bool
	StaleReason string
	Error       error
	Dispatched  time.Time
	Finished    time.Time
}

// Primary returns the primary output, which also names the job's marker.
func (j *Job) Primary() string {
	if len(j.Outputs) == 0 {
		return ""
	}
	return j.Outputs[0]
}

// Phony reports whether the job is an aggregation point without outputs.
func (j *Job) Phony() bool {
	return j.Kind == rule.KindTarget
}

// TaskContext builds the body's view of the job.
func (j *Job) TaskContext(dir string) *rule.TaskContext {
	return &rule.TaskContext{
		JobID:     j.ID,
		Rule:      j.Rule,
		Dir:       dir,
		Inputs:    append([]string(nil), j.Inputs...),
		Outputs:   append([]string(nil), j.Outputs...),
		Resources: j.Resources,
		Params:    j.Params,
	}
}

// JobID derives a stable identity from the rule and the resolved paths, so
// the same invocation always yields the same ID.
func JobID(ruleName string, inputs, outputs []string) string {
	h := sha256.New()
	h.Write([]byte(ruleName))
	h.Write([]byte{0})
	for _, in := range inputs {
		h.Write([]byte(in))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, out := range outputs {
		h.Write([]byte(out))
		h.Write([]byte{0})
	}
	return ruleName + "-" + hex.EncodeToString(h.Sum(nil))[:12]
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}

	cp := *job
	cp.Inputs = append([]string(nil), job.Inputs...)
	cp.Outputs = append([]string(nil), job.Outputs...)
	cp.DependsOn = append([]string(nil), job.DependsOn...)
	cp.Mkdir = append([]string(nil), job.Mkdir...)
	return &cp
}
