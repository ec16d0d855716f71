package cluster

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/ruleflow/internal/runner"
)

// CommandFunc runs a command and returns its stdout.
type CommandFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

// Slurm submits jobs with sbatch and tracks them with sacct.
type Slurm struct {
	Partition string
	ExtraArgs []string
	Command   CommandFunc // defaults to running the real binaries
}

// NewSlurm creates a Slurm backend.
func NewSlurm(partition string, extraArgs []string) *Slurm {
	return &Slurm{Partition: partition, ExtraArgs: extraArgs}
}

// Name implements Backend.
func (s *Slurm) Name() string { return "slurm" }

func (s *Slurm) command(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	if s.Command != nil {
		return s.Command(ctx, stdin, name, args...)
	}
	return runner.Output(ctx, "", stdin, name, args...)
}

// SubmitArgs builds the sbatch arguments for sub.
func (s *Slurm) SubmitArgs(sub Submission) []string {
	args := []string{
		"--parsable",
		"--job-name=" + sub.JobID,
		fmt.Sprintf("--cpus-per-task=%d", max(sub.CPU, 1)),
	}
	if sub.Dir != "" {
		args = append(args, "--chdir="+sub.Dir)
		args = append(args, "--output="+sub.JobID+".slurm.log")
	}
	if sub.Memory > 0 {
		mb := (sub.Memory + (1<<20 - 1)) >> 20
		args = append(args, fmt.Sprintf("--mem=%dM", mb))
	}
	if sub.Timeout > 0 {
		minutes := int((sub.Timeout + time.Minute - 1) / time.Minute)
		args = append(args, fmt.Sprintf("--time=%d", minutes))
	}
	if s.Partition != "" {
		args = append(args, "--partition="+s.Partition)
	}
	args = append(args, s.ExtraArgs...)
	args = append(args, strings.Fields(sub.Options)...)
	return args
}

// Submit implements Backend. The script is passed on stdin.
func (s *Slurm) Submit(ctx context.Context, sub Submission) (Handle, error) {
	out, err := s.command(ctx, strings.NewReader(sub.Script), "sbatch", s.SubmitArgs(sub)...)
	if err != nil {
		return "", err
	}
	// --parsable prints "<id>" or "<id>;<cluster>".
	id, _, _ := strings.Cut(strings.TrimSpace(string(out)), ";")
	if id == "" {
		return "", Permanent(fmt.Errorf("sbatch returned no job id"))
	}
	return Handle(id), nil
}

// Poll implements Backend.
func (s *Slurm) Poll(ctx context.Context, h Handle) (Status, error) {
	out, err := s.command(ctx, nil, "sacct", "--noheader", "--parsable2", "--allocations",
		"--jobs="+string(h), "--format=State,ExitCode")
	if err != nil {
		return Status{}, err
	}
	return parseSacct(string(out))
}

// Cancel implements Backend.
func (s *Slurm) Cancel(ctx context.Context, h Handle) error {
	_, err := s.command(ctx, nil, "scancel", string(h))
	return err
}

// parseSacct reads the first "STATE|EXIT:SIGNAL" line. A job that has not
// reached the accounting database yet prints nothing and counts as pending.
func parseSacct(out string) (Status, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return Status{State: StatePending}, nil
	}

	stateField, exitField, ok := strings.Cut(line, "|")
	if !ok {
		return Status{}, fmt.Errorf("unexpected sacct output %q", line)
	}

	// "CANCELLED by 1000" carries the user after the state.
	state, _, _ := strings.Cut(strings.TrimSpace(stateField), " ")
	status := Status{Message: strings.TrimSpace(stateField)}
	if code, _, _ := strings.Cut(exitField, ":"); code != "" {
		n, err := strconv.Atoi(code)
		if err != nil {
			return Status{}, fmt.Errorf("unexpected sacct exit code %q", exitField)
		}
		status.ExitCode = n
	}

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESIZING", "SUSPENDED":
		status.State = StatePending
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		status.State = StateRunning
	case "COMPLETED":
		status.State = StateSucceeded
	case "CANCELLED":
		status.State = StateCancelled
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "REVOKED":
		status.State = StateFailed
	default:
		return Status{}, fmt.Errorf("unknown slurm state %q", state)
	}
	return status, nil
}
