package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/ruleflow/internal/rule"
	"golang.org/x/sync/semaphore"
)

// Result is the outcome of one submitted job.
type Result struct {
	JobID    string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Executor runs job bodies. Submit must not block; the returned channel
// yields exactly one Result.
type Executor interface {
	Name() string
	Submit(ctx context.Context, job *Job, tc *rule.TaskContext) <-chan Result
}

// LocalExecutor runs bodies in this process. The sum of in-flight cpu
// requests never exceeds the configured budget; a job asking for more than
// the whole budget runs alone.
type LocalExecutor struct {
	budget int64
	cpu    *semaphore.Weighted
}

// NewLocalExecutor creates a local executor with cpuBudget cores.
func NewLocalExecutor(cpuBudget int) *LocalExecutor {
	if cpuBudget < 1 {
		cpuBudget = 1
	}
	return &LocalExecutor{
		budget: int64(cpuBudget),
		cpu:    semaphore.NewWeighted(int64(cpuBudget)),
	}
}

// Name implements Executor.
func (e *LocalExecutor) Name() string { return "local" }

// Budget returns the cpu budget.
func (e *LocalExecutor) Budget() int { return int(e.budget) }

// Submit implements Executor.
func (e *LocalExecutor) Submit(ctx context.Context, job *Job, tc *rule.TaskContext) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- e.run(ctx, job, tc)
	}()
	return ch
}

func (e *LocalExecutor) run(ctx context.Context, job *Job, tc *rule.TaskContext) Result {
	res := Result{JobID: job.ID}

	weight := int64(job.Resources.Cores())
	if weight > e.budget {
		weight = e.budget
	}
	if err := e.cpu.Acquire(ctx, weight); err != nil {
		res.Err = ErrCancelled
		res.Started = time.Now()
		res.Finished = res.Started
		return res
	}
	defer e.cpu.Release(weight)

	res.Started = time.Now()
	res.Err = RunBody(ctx, job, tc)
	res.Finished = time.Now()
	return res
}

// RunBody invokes a job's body under its timeout and classifies the error:
// an expired job timeout becomes ErrTimeout, a cancelled run ErrCancelled.
func RunBody(ctx context.Context, job *Job, tc *rule.TaskContext) error {
	if job.Body == nil {
		return fmt.Errorf("job %s has no body", job.ID)
	}

	runCtx := ctx
	if timeout := job.Resources.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := job.Body.Run(runCtx, tc)
	return classify(ctx, runCtx, err)
}

func classify(parent, runCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case parent.Err() != nil:
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
