// Package cluster submits jobs to a remote batch system instead of running
// them in-process. A Backend speaks to one system (Slurm, an AMQP work
// queue); Executor adapts any Backend to the scheduler's executor contract.
package cluster

import (
	"context"
	"fmt"
	"time"
)

// Submission is the serialized form of a job sent to a cluster.
type Submission struct {
	JobID   string        `json:"job_id"`
	Rule    string        `json:"rule"`
	Script  string        `json:"script"`
	Dir     string        `json:"dir"`
	CPU     int           `json:"cpu"`
	Memory  uint64        `json:"memory"` // bytes; zero means the cluster default
	Options string        `json:"options,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Handle identifies a submitted job on its backend.
type Handle string

// State is the cluster-side state of a submission.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StatePending:   "pending",
	StateRunning:   "running",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the submission can no longer change state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Status is one poll result.
type Status struct {
	State    State  `json:"state"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// Backend is a remote batch system.
type Backend interface {
	Name() string
	Submit(ctx context.Context, sub Submission) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) error
}
