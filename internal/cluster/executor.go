package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/ruleflow/internal/rule"
	"github.com/aristath/ruleflow/internal/scheduler"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	PollInterval time.Duration      // default 5s
	Retry        RetryConfig        // zero value means DefaultRetryConfig
	Breakers     *BreakerRegistry   // optional, shared across executors
	Fallback     scheduler.Executor // runs bodies that cannot be serialized; optional
	Logger       *slog.Logger
}

// Executor submits jobs to a Backend and polls them to completion.
type Executor struct {
	backend  Backend
	cfg      ExecutorConfig
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// NewExecutor creates an executor for backend.
func NewExecutor(backend Backend, cfg ExecutorConfig) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(cfg.Logger)
	}
	return &Executor{backend: backend, cfg: cfg, breakers: breakers, logger: cfg.Logger}
}

// Name implements scheduler.Executor.
func (e *Executor) Name() string { return e.backend.Name() }

// Submit implements scheduler.Executor.
func (e *Executor) Submit(ctx context.Context, job *scheduler.Job, tc *rule.TaskContext) <-chan scheduler.Result {
	scripter, ok := job.Body.(rule.Scripter)
	if !ok {
		if e.cfg.Fallback != nil {
			return e.cfg.Fallback.Submit(ctx, job, tc)
		}
	}

	ch := make(chan scheduler.Result, 1)
	go func() {
		defer close(ch)
		res := scheduler.Result{JobID: job.ID, Started: time.Now()}
		if !ok {
			res.Err = fmt.Errorf("job %s: body cannot be submitted to %s", job.ID, e.backend.Name())
		} else {
			res.Err = e.run(ctx, job, tc, scripter)
		}
		res.Finished = time.Now()
		ch <- res
	}()
	return ch
}

func (e *Executor) run(ctx context.Context, job *scheduler.Job, tc *rule.TaskContext, scripter rule.Scripter) error {
	script, err := scripter.Script(tc)
	if err != nil {
		return fmt.Errorf("render script: %w", err)
	}

	sub := Submission{
		JobID:   job.ID,
		Rule:    job.Rule,
		Script:  script,
		Dir:     tc.Dir,
		CPU:     job.Resources.Cores(),
		Memory:  job.Resources.Memory,
		Options: job.Resources.ClusterOptions,
		Timeout: job.Resources.Timeout,
	}

	runCtx := ctx
	if job.Resources.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Resources.Timeout)
		defer cancel()
	}

	logger := e.logger.With("job_id", job.ID, "rule", job.Rule, "backend", e.backend.Name())
	name := e.backend.Name()

	handle, err := withRetry(runCtx, e.breakers.Get(name+".submit"), e.cfg.Retry, func(ctx context.Context) (Handle, error) {
		return e.backend.Submit(ctx, sub)
	})
	if err != nil {
		return e.classify(ctx, runCtx, fmt.Errorf("submit: %w", err))
	}
	logger.Info("job submitted", "handle", string(handle))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			e.cancel(handle, logger)
			return e.classify(ctx, runCtx, runCtx.Err())
		case <-ticker.C:
		}

		status, err := withRetry(runCtx, e.breakers.Get(name+".poll"), e.cfg.Retry, func(ctx context.Context) (Status, error) {
			return e.backend.Poll(ctx, handle)
		})
		if err != nil {
			if runCtx.Err() != nil {
				continue
			}
			e.cancel(handle, logger)
			return fmt.Errorf("poll %s: %w", handle, err)
		}

		logger.Debug("job polled", "handle", string(handle), "state", status.State.String())
		switch status.State {
		case StateSucceeded:
			return nil
		case StateFailed:
			msg := fmt.Sprintf("cluster job %s failed with exit code %d", handle, status.ExitCode)
			if status.Message != "" {
				msg += ": " + status.Message
			}
			return errors.New(msg)
		case StateCancelled:
			if ctx.Err() != nil {
				return e.classify(ctx, runCtx, ctx.Err())
			}
			return fmt.Errorf("cluster job %s was cancelled outside the run", handle)
		}
	}
}

// cancel asks the backend to stop a job after the run stopped waiting for it.
func (e *Executor) cancel(h Handle, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.backend.Cancel(ctx, h); err != nil {
		logger.Warn("failed to cancel cluster job", "handle", string(h), "error", err)
	}
}

func (e *Executor) classify(parent, runCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %v", scheduler.ErrCancelled, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", scheduler.ErrTimeout, err)
	}
	return err
}
