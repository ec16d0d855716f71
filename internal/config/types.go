package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Executor names.
const (
	ExecutorLocal = "local"
	ExecutorSlurm = "slurm"
	ExecutorAMQP  = "amqp"
)

// Duration is a time.Duration written as a Go duration string ("5s") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SlurmConfig configures the Slurm executor.
type SlurmConfig struct {
	Partition    string   `json:"partition,omitempty"`
	ExtraArgs    []string `json:"extra_args,omitempty"` // appended to every sbatch call
	PollInterval Duration `json:"poll_interval"`
}

// AMQPConfig configures the AMQP executor and worker.
type AMQPConfig struct {
	URL          string   `json:"url"`
	Queue        string   `json:"queue"`
	StatusQueue  string   `json:"status_queue"` // use one per concurrent run
	PollInterval Duration `json:"poll_interval"`
}

// RetryConfig configures backoff around cluster calls.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	MaxParallel int    `json:"max_parallel"` // jobs in flight at once
	CPUBudget   int    `json:"cpu_budget"`   // cores shared by local jobs
	Executor    string `json:"executor"`     // local | slurm | amqp

	Slurm SlurmConfig `json:"slurm"`
	AMQP  AMQPConfig  `json:"amqp"`
	Retry RetryConfig `json:"retry"`

	HistoryDB   string `json:"history_db"` // empty disables run history
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MetricsAddr string `json:"metrics_addr,omitempty"` // empty disables /metrics
}
