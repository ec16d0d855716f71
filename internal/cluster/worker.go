package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aristath/ruleflow/internal/runner"
)

// shutdownGrace is how long running scripts get to exit after SIGTERM.
const shutdownGrace = 10 * time.Second

// Worker consumes submissions from the job queue and runs their scripts.
type Worker struct {
	ch        Channel
	cfg       AMQPConfig
	dir       string
	processes *runner.ProcessManager
	logger    *slog.Logger

	mu        sync.Mutex
	cancelled map[Handle]bool
}

// NewWorker creates a worker. dir is used for submissions that carry no
// working directory.
func NewWorker(ch Channel, cfg AMQPConfig, dir string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ch:        ch,
		cfg:       cfg.withDefaults(),
		dir:       dir,
		processes: runner.NewProcessManager(),
		logger:    logger,
		cancelled: make(map[Handle]bool),
	}
}

// Run processes one submission at a time until ctx is done. Running scripts
// get SIGTERM on shutdown and SIGKILL after shutdownGrace.
func (w *Worker) Run(ctx context.Context) error {
	if err := DeclareQueues(w.ch, w.cfg.JobQueue, w.cfg.StatusQueue); err != nil {
		return err
	}
	if err := w.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := w.ch.Consume(w.cfg.JobQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.cfg.JobQueue, err)
	}
	defer w.processes.Terminate(shutdownGrace)

	w.logger.Info("worker started", "queue", w.cfg.JobQueue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("job deliveries closed")
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.logger.Error("malformed job message", "error", err)
		d.Nack(false, false)
		return
	}

	switch msg.Type {
	case MessageCancel:
		w.mu.Lock()
		w.cancelled[msg.Handle] = true
		w.mu.Unlock()
		d.Ack(false)

	case MessageSubmit:
		if msg.Submission == nil {
			w.logger.Error("submit message without submission", "handle", string(msg.Handle))
			d.Nack(false, false)
			return
		}
		status := w.execute(ctx, msg, *msg.Submission)
		if ctx.Err() != nil {
			// Shutting down: hand the job to another worker.
			d.Nack(false, true)
			return
		}
		w.report(ctx, msg, status)
		d.Ack(false)

	default:
		w.logger.Warn("unexpected message type", "type", string(msg.Type))
		d.Nack(false, false)
	}
}

func (w *Worker) execute(ctx context.Context, msg Message, sub Submission) Status {
	h := msg.Handle
	logger := w.logger.With("job_id", sub.JobID, "rule", sub.Rule, "handle", string(h))

	w.mu.Lock()
	skip := w.cancelled[h]
	delete(w.cancelled, h)
	w.mu.Unlock()
	if skip {
		logger.Info("skipping cancelled job")
		return Status{State: StateCancelled, ExitCode: -1, Message: "cancelled before start"}
	}

	w.report(ctx, msg, Status{State: StateRunning})
	logger.Info("job started", "cpu", sub.CPU)

	runCtx := ctx
	if sub.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, sub.Timeout)
		defer cancel()
	}

	dir := sub.Dir
	if dir == "" {
		dir = w.dir
	}
	err := runner.Execute(runCtx, []runner.Step{{Name: sub.Rule, Command: sub.Script}}, runner.Options{
		Dir:       dir,
		Env:       []string{"RULEFLOW_JOB_ID=" + sub.JobID, "RULEFLOW_RULE=" + sub.Rule, fmt.Sprintf("RULEFLOW_CPU=%d", sub.CPU)},
		Processes: w.processes,
	})
	if err == nil {
		logger.Info("job succeeded")
		return Status{State: StateSucceeded}
	}

	logger.Error("job failed", "error", err)
	status := Status{State: StateFailed, ExitCode: -1, Message: err.Error()}
	var stepErr *runner.StepError
	if errors.As(err, &stepErr) {
		status.ExitCode = stepErr.ExitCode
	}
	return status
}

// report publishes status to the queue named by the submission, falling
// back to the configured status queue.
func (w *Worker) report(ctx context.Context, sub Message, status Status) {
	queue := sub.ReplyTo
	if queue == "" {
		queue = w.cfg.StatusQueue
	}
	msg := newMessage(MessageStatus, sub.Handle)
	msg.Status = &status
	if err := publish(ctx, w.ch, queue, msg); err != nil {
		w.logger.Error("failed to publish status", "handle", string(sub.Handle), "queue", queue, "error", err)
	}
}
