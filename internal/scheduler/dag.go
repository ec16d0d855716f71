package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// DAG represents a directed acyclic graph of jobs. Edges run from a job to
// every job consuming one of its outputs.
type DAG struct {
	mu         sync.RWMutex
	jobs       map[string]*Job     // All jobs indexed by ID
	dependents map[string][]string // Maps jobID -> list of jobs that depend on it
	order      []string            // topological order, set by Validate
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		jobs:       make(map[string]*Job),
		dependents: make(map[string][]string),
	}
}

// AddJob adds a job to the DAG. Returns error if the job ID already exists.
func (d *DAG) AddJob(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %q already exists", job.ID)
	}

	d.jobs[job.ID] = job
	d.order = nil

	for _, depID := range job.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], job.ID)
	}

	return nil
}

// Validate runs a topological sort over the jobs and returns their order.
// It fails with ErrCycleDetected if the graph is cyclic and also verifies
// every dependency refers to a job in the DAG.
func (d *DAG) Validate() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := d.sortedIDs()
	for _, jobID := range ids {
		for _, depID := range d.jobs[jobID].DependsOn {
			if _, exists := d.jobs[depID]; !exists {
				return nil, fmt.Errorf("job %q depends on non-existent job %q", jobID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, jobID := range ids {
		job := d.jobs[jobID]
		if len(job.DependsOn) == 0 {
			// Roots get an edge from nil so isolated jobs are included
			edges = append(edges, toposort.Edge{nil, jobID})
			continue
		}
		for _, depID := range job.DependsOn {
			edges = append(edges, toposort.Edge{depID, jobID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Jobs on a cycle with no root never enter the sort
	if len(order) != len(d.jobs) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, jobID := range ids {
			if !found[jobID] {
				missing = append(missing, jobID)
			}
		}
		return nil, fmt.Errorf("%w: jobs %s", ErrCycleDetected, strings.Join(missing, ", "))
	}

	// toposort leaves siblings in map order; fix them by depth, then id.
	depth := make(map[string]int, len(order))
	for _, id := range order {
		for _, dep := range d.jobs[id].DependsOn {
			depth[id] = max(depth[id], depth[dep]+1)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})

	d.order = order
	return append([]string(nil), order...), nil
}

// Eligible returns pending jobs whose dependencies have all succeeded or
// were skipped as up to date.
func (d *DAG) Eligible() []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()

	eligible := []*Job{}
	for _, jobID := range d.orderLocked() {
		job := d.jobs[jobID]
		if job.Status != JobPending {
			continue
		}
		if d.depsSatisfied(job) {
			eligible = append(eligible, cloneJob(job))
		}
	}
	return eligible
}

func (d *DAG) depsSatisfied(job *Job) bool {
	for _, depID := range job.DependsOn {
		dep, exists := d.jobs[depID]
		if !exists {
			return false
		}
		if dep.Status != JobSucceeded && dep.Status != JobSkipped {
			return false
		}
	}
	return true
}

// MarkReady moves a pending job with satisfied dependencies to JobReady.
func (d *DAG) MarkReady(jobID string) error {
	return d.transition(jobID, func(job *Job) error {
		if job.Status != JobPending {
			return fmt.Errorf("job %q is %s, not pending", jobID, job.Status)
		}
		if !d.depsSatisfied(job) {
			return fmt.Errorf("job %q has unfinished dependencies", jobID)
		}
		job.Status = JobReady
		return nil
	})
}

// MarkRunning records dispatch of a ready job.
func (d *DAG) MarkRunning(jobID string, at time.Time) error {
	return d.transition(jobID, func(job *Job) error {
		if job.Status != JobReady {
			return fmt.Errorf("job %q is %s, not ready", jobID, job.Status)
		}
		job.Status = JobRunning
		job.Dispatched = at
		return nil
	})
}

// MarkSucceeded records a successful job.
func (d *DAG) MarkSucceeded(jobID string, at time.Time) error {
	return d.transition(jobID, func(job *Job) error {
		job.Status = JobSucceeded
		job.Finished = at
		job.Error = nil
		return nil
	})
}

// MarkSkipped records a job that is up to date.
func (d *DAG) MarkSkipped(jobID string) error {
	return d.transition(jobID, func(job *Job) error {
		job.Status = JobSkipped
		return nil
	})
}

// MarkCancelled records a job stopped or never dispatched due to cancellation.
func (d *DAG) MarkCancelled(jobID string, at time.Time) error {
	return d.transition(jobID, func(job *Job) error {
		job.Status = JobCancelled
		if !job.Dispatched.IsZero() {
			job.Finished = at
		}
		return nil
	})
}

// MarkFailed records a failed job and marks every transitive descendant
// JobUpstreamFailed. It returns the IDs of the descendants it marked.
func (d *DAG) MarkFailed(jobID string, err error, at time.Time) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, exists := d.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %q not found", jobID)
	}
	job.Status = JobFailed
	job.Error = err
	job.Finished = at

	var marked []string
	for _, id := range d.descendantsLocked(jobID) {
		desc := d.jobs[id]
		if desc.Status.Terminal() {
			continue
		}
		desc.Status = JobUpstreamFailed
		desc.Error = fmt.Errorf("upstream job %s failed", jobID)
		marked = append(marked, id)
	}
	return marked, nil
}

// SetStale records the staleness verdict for a job.
func (d *DAG) SetStale(jobID string, stale bool, reason string) error {
	return d.transition(jobID, func(job *Job) error {
		job.Stale = stale
		job.StaleReason = reason
		return nil
	})
}

func (d *DAG) transition(jobID string, fn func(*Job) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, exists := d.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %q not found", jobID)
	}
	return fn(job)
}

// Get returns a copy of the job by ID.
func (d *DAG) Get(jobID string) (*Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	job, exists := d.jobs[jobID]
	if !exists {
		return nil, false
	}
	return cloneJob(job), true
}

// Jobs returns copies of all jobs, in topological order once validated.
func (d *DAG) Jobs() []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()

	jobs := make([]*Job, 0, len(d.jobs))
	for _, jobID := range d.orderLocked() {
		jobs = append(jobs, cloneJob(d.jobs[jobID]))
	}
	return jobs
}

// WithStatus returns copies of the jobs currently in status.
func (d *DAG) WithStatus(status JobStatus) []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var jobs []*Job
	for _, jobID := range d.orderLocked() {
		if job := d.jobs[jobID]; job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs
}

// Counts returns the number of jobs per status.
func (d *DAG) Counts() map[JobStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[JobStatus]int)
	for _, job := range d.jobs {
		counts[job.Status]++
	}
	return counts
}

// Len returns the number of jobs.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.jobs)
}

// Dependents returns the IDs of jobs consuming jobID's outputs directly.
func (d *DAG) Dependents(jobID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[jobID]...)
}

// Descendants returns every job transitively depending on jobID.
func (d *DAG) Descendants(jobID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.descendantsLocked(jobID)
}

func (d *DAG) descendantsLocked(jobID string) []string {
	seen := map[string]bool{jobID: true}
	queue := []string{jobID}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range d.dependents[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(out)
	return out
}

// Subgraph returns a new DAG holding the given jobs and all of their
// ancestors. Job state is copied.
func (d *DAG) Subgraph(jobIDs []string) (*DAG, error) {
	d.mu.RLock()
	keep := make(map[string]bool)
	stack := append([]string(nil), jobIDs...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[cur] {
			continue
		}
		job, exists := d.jobs[cur]
		if !exists {
			d.mu.RUnlock()
			return nil, fmt.Errorf("%w: job %q", ErrUnknownTarget, cur)
		}
		keep[cur] = true
		stack = append(stack, job.DependsOn...)
	}

	sub := NewDAG()
	for _, jobID := range d.sortedIDs() {
		if keep[jobID] {
			_ = sub.AddJob(cloneJob(d.jobs[jobID]))
		}
	}
	d.mu.RUnlock()

	if _, err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// orderLocked returns the validated order, or IDs sorted lexically before
// Validate has run.
func (d *DAG) orderLocked() []string {
	if len(d.order) == len(d.jobs) {
		return d.order
	}
	return d.sortedIDs()
}

func (d *DAG) sortedIDs() []string {
	ids := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
