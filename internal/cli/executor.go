package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/ruleflow/internal/cluster"
	"github.com/aristath/ruleflow/internal/config"
	"github.com/aristath/ruleflow/internal/scheduler"
)

// newExecutor builds the configured executor. Cluster executors run Go task
// bodies on a local executor. The returned func releases connections.
func newExecutor(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) (scheduler.Executor, func(), error) {
	local := scheduler.NewLocalExecutor(cfg.CPUBudget)
	nop := func() {}

	var (
		backend cluster.Backend
		poll    time.Duration
		closer  = nop
	)
	switch cfg.Executor {
	case config.ExecutorLocal, "":
		return local, nop, nil

	case config.ExecutorSlurm:
		backend = cluster.NewSlurm(cfg.Slurm.Partition, cfg.Slurm.ExtraArgs)
		poll = time.Duration(cfg.Slurm.PollInterval)

	case config.ExecutorAMQP:
		conn, ch, err := cluster.Dial(cfg.AMQP.URL)
		if err != nil {
			return nil, nil, err
		}
		closer = func() { conn.Close() }
		amqpBackend, err := cluster.NewAMQP(ctx, ch, cluster.AMQPConfig{
			JobQueue:    cfg.AMQP.Queue,
			StatusQueue: cfg.AMQP.StatusQueue,
		}, logger)
		if err != nil {
			closer()
			return nil, nil, err
		}
		backend = amqpBackend
		poll = time.Duration(cfg.AMQP.PollInterval)

	default:
		return nil, nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}

	exec := cluster.NewExecutor(backend, cluster.ExecutorConfig{
		PollInterval: poll,
		Retry:        retryConfig(cfg.Retry),
		Fallback:     local,
		Logger:       logger,
	})
	return exec, closer, nil
}

func retryConfig(c config.RetryConfig) cluster.RetryConfig {
	return cluster.RetryConfig{
		InitialInterval:     time.Duration(c.InitialInterval),
		MaxInterval:         time.Duration(c.MaxInterval),
		MaxElapsedTime:      time.Duration(c.MaxElapsedTime),
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
	}
}
