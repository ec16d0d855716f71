// Package runner executes a job's shell statement as an ordered sequence of
// checkpointed steps. Each step runs in its own process group; the first step
// that exits non-zero aborts the remaining steps.
//
// Temporary files created by a step are that step's responsibility. When an
// earlier step fails, later cleanup steps never run, so callers that need
// cleanup on failure must do it inside the step that creates the temporaries.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// DefaultShell interprets each step.
const DefaultShell = "/bin/sh"

var (
	// ErrStepFailed marks a step that exited with a non-zero status.
	ErrStepFailed = errors.New("step failed")

	// ErrTimeout marks a step terminated because the job deadline passed.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled marks a step terminated because the run was stopped.
	ErrCancelled = errors.New("cancelled")
)

// Step is one checkpointed shell statement.
type Step struct {
	Name    string // optional label used in errors
	Command string
}

// Options configures Execute.
type Options struct {
	Dir       string          // working directory for every step
	Env       []string        // extra KEY=VALUE pairs appended to the environment
	Shell     string          // defaults to DefaultShell
	Output    io.Writer       // receives step output as it is produced (optional)
	Processes *ProcessManager // tracks live subprocesses (optional)
}

// StepError reports which step of a checkpointed command failed.
type StepError struct {
	Index    int    // zero-based step index
	Name     string // step label, if any
	ExitCode int    // -1 when the process was killed or never started
	Output   []byte // tail of stderr followed by tail of stdout
	Reason   error  // ErrStepFailed, ErrTimeout, ErrCancelled or a start error
}

func (e *StepError) Error() string {
	label := fmt.Sprintf("step %d", e.Index+1)
	if e.Name != "" {
		label = fmt.Sprintf("step %d (%s)", e.Index+1, e.Name)
	}
	switch {
	case errors.Is(e.Reason, ErrTimeout):
		return label + ": timeout"
	case errors.Is(e.Reason, ErrCancelled):
		return label + ": cancelled"
	case errors.Is(e.Reason, ErrStepFailed):
		msg := fmt.Sprintf("%s exited with status %d", label, e.ExitCode)
		if tail := lastLine(e.Output); tail != "" {
			msg += ": " + tail
		}
		return msg
	default:
		return fmt.Sprintf("%s: %v", label, e.Reason)
	}
}

func (e *StepError) Unwrap() error { return e.Reason }

// Execute runs steps in order. It returns nil when every step exited zero,
// otherwise a *StepError for the first step that did not.
func Execute(ctx context.Context, steps []Step, opts Options) error {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Name: step.Name, ExitCode: -1, Reason: contextReason(err)}
		}

		cmd := newCommand(ctx, opts.Dir, shell, "-c", step.Command)
		if len(opts.Env) > 0 {
			cmd.Env = append(cmd.Environ(), opts.Env...)
		}

		res, err := runCaptured(cmd, opts.Processes, opts.Output, false)
		if err == nil {
			continue
		}

		stepErr := &StepError{Index: i, Name: step.Name, ExitCode: -1, Output: res.tail()}

		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			stepErr.Reason = contextReason(ctx.Err())
		case errors.As(err, &exitErr):
			stepErr.ExitCode = exitErr.ExitCode()
			stepErr.Reason = ErrStepFailed
		default:
			stepErr.Reason = err
		}
		return stepErr
	}

	return nil
}

// Output runs a single command (not through the shell) and returns its stdout.
// stdin may be nil. Used for cluster tooling such as sbatch and sacct.
func Output(ctx context.Context, dir string, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := newCommand(ctx, dir, name, args...)
	cmd.Stdin = stdin

	res, err := runCaptured(cmd, nil, nil, true)
	if err != nil {
		if msg := strings.TrimSpace(string(res.errTail)); msg != "" {
			return res.stdout, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, msg)
		}
		return res.stdout, fmt.Errorf("%s failed: %w", name, err)
	}
	return res.stdout, nil
}

// Script serializes steps into a single POSIX shell script with the same
// abort-on-first-failure semantics as Execute.
func Script(steps []Step) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "# step %d", i+1)
		if step.Name != "" {
			fmt.Fprintf(&b, " (%s)", step.Name)
		}
		b.WriteString("\n(\n")
		b.WriteString(strings.TrimRight(step.Command, "\n"))
		b.WriteString("\n) || exit $?\n")
	}
	return b.String()
}

func contextReason(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
