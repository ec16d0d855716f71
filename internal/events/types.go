package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	JobID() string
	Topic() string
}

// Topic constants
const (
	TopicJob = "job"
	TopicDAG = "dag"
)

// Event type constants
const (
	EventTypeJobStarted   = "job.started"
	EventTypeJobOutput    = "job.output"
	EventTypeJobSucceeded = "job.succeeded"
	EventTypeJobFailed    = "job.failed"
	EventTypeJobSkipped   = "job.skipped"
	EventTypeDAGProgress  = "dag.progress"
	EventTypeRunFinished  = "run.finished"
)

// JobStartedEvent is published when a job is dispatched to an executor.
type JobStartedEvent struct {
	ID        string
	Rule      string
	Executor  string
	Timestamp time.Time
}

func (e JobStartedEvent) EventType() string { return EventTypeJobStarted }
func (e JobStartedEvent) JobID() string     { return e.ID }
func (e JobStartedEvent) Topic() string     { return TopicJob }

// JobOutputEvent carries one line of job output.
type JobOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e JobOutputEvent) EventType() string { return EventTypeJobOutput }
func (e JobOutputEvent) JobID() string     { return e.ID }
func (e JobOutputEvent) Topic() string     { return TopicJob }

// JobSucceededEvent is published after a job's marker has been written.
type JobSucceededEvent struct {
	ID        string
	Rule      string
	Duration  time.Duration
	Timestamp time.Time
}

func (e JobSucceededEvent) EventType() string { return EventTypeJobSucceeded }
func (e JobSucceededEvent) JobID() string     { return e.ID }
func (e JobSucceededEvent) Topic() string     { return TopicJob }

// JobFailedEvent is published when a job fails or times out.
type JobFailedEvent struct {
	ID        string
	Rule      string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e JobFailedEvent) EventType() string { return EventTypeJobFailed }
func (e JobFailedEvent) JobID() string     { return e.ID }
func (e JobFailedEvent) Topic() string     { return TopicJob }

// JobSkippedEvent is published for jobs that will not run: up to date,
// behind a failed ancestor, or cut off by cancellation.
type JobSkippedEvent struct {
	ID        string
	Rule      string
	Reason    string
	Timestamp time.Time
}

func (e JobSkippedEvent) EventType() string { return EventTypeJobSkipped }
func (e JobSkippedEvent) JobID() string     { return e.ID }
func (e JobSkippedEvent) Topic() string     { return TopicJob }

// DAGProgressEvent is published when DAG progress changes.
type DAGProgressEvent struct {
	Total     int
	Succeeded int
	Skipped   int
	Running   int
	Failed    int // failed plus upstream-failed
	Pending   int // pending plus ready
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) JobID() string     { return "" }
func (e DAGProgressEvent) Topic() string     { return TopicDAG }

// Done returns how many jobs reached a terminal state.
func (e DAGProgressEvent) Done() int {
	return e.Total - e.Running - e.Pending
}

// RunFinishedEvent is the last event of a run.
type RunFinishedEvent struct {
	RunID     string
	OK        bool
	Cancelled bool
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) JobID() string     { return "" }
func (e RunFinishedEvent) Topic() string     { return TopicDAG }
