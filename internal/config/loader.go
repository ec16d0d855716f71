package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".ruleflow"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// Paths returns the conventional global and project config paths.
// Global: ~/.ruleflow/config.json
// Project: .ruleflow/config.json (relative to cwd)
func Paths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName, "config.json"), filepath.Join(DirName, "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*EngineConfig, error) {
	global, project, err := Paths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile decodes a JSON file over base. Keys absent from the file
// keep their current value; unknown keys are rejected.
func mergeConfigFile(base *EngineConfig, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c *EngineConfig) Validate() error {
	var errs []error
	if c.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("max_parallel must be >= 1, got %d", c.MaxParallel))
	}
	if c.CPUBudget < 1 {
		errs = append(errs, fmt.Errorf("cpu_budget must be >= 1, got %d", c.CPUBudget))
	}
	switch c.Executor {
	case ExecutorLocal, ExecutorSlurm:
	case ExecutorAMQP:
		if c.AMQP.URL == "" {
			errs = append(errs, errors.New("amqp.url is required for the amqp executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown executor %q (want local, slurm or amqp)", c.Executor))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.randomization_factor must be within [0, 1], got %g", c.Retry.RandomizationFactor))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat))
	}
	return errors.Join(errs...)
}
