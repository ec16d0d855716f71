package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExecute_AllStepsSucceed(t *testing.T) {
	dir := t.TempDir()

	steps := []Step{
		{Name: "write", Command: "echo hello > out.txt"},
		{Name: "append", Command: "echo world >> out.txt"},
	}

	if err := Execute(context.Background(), steps, Options{Dir: dir}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "hello\nworld\n" {
		t.Errorf("unexpected output %q", data)
	}
}

// TestExecute_AbortsAfterFailingStep verifies later steps never start once a step fails.
func TestExecute_AbortsAfterFailingStep(t *testing.T) {
	dir := t.TempDir()

	steps := []Step{
		{Command: "touch first"},
		{Name: "boom", Command: "echo 'bad input' >&2; exit 3"},
		{Command: "touch third"},
	}

	err := Execute(context.Background(), steps, Options{Dir: dir})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %T", err)
	}
	if stepErr.Index != 1 {
		t.Errorf("expected failing step index 1, got %d", stepErr.Index)
	}
	if stepErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", stepErr.ExitCode)
	}
	if !errors.Is(err, ErrStepFailed) {
		t.Errorf("expected ErrStepFailed, got %v", err)
	}
	if !strings.Contains(string(stepErr.Output), "bad input") {
		t.Errorf("expected captured stderr, got %q", stepErr.Output)
	}
	if !strings.Contains(err.Error(), "step 2 (boom)") {
		t.Errorf("error %q does not name the step", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "first")); err != nil {
		t.Errorf("first step should have run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "third")); !os.IsNotExist(err) {
		t.Errorf("third step must not run after a failure")
	}
}

func TestExecute_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Execute(ctx, []Step{{Command: "sleep 30"}}, Options{Dir: t.TempDir()})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("timeout did not terminate the process promptly")
	}
}

// TestExecute_TimeoutKillsProcessTree verifies grandchildren die with the step.
func TestExecute_TimeoutKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// The background sleep writes a file if it survives the kill.
	script := "(sleep 1 && touch survived) & sleep 30"
	err := Execute(ctx, []Step{{Command: script}}, Options{Dir: dir})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(dir, "survived")); err == nil {
		t.Error("grandchild process survived the process group kill")
	}
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := Execute(ctx, []Step{{Command: "sleep 30"}}, Options{Dir: t.TempDir()})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestExecute_OutputTee(t *testing.T) {
	var buf bytes.Buffer
	err := Execute(context.Background(), []Step{{Command: "echo streamed"}}, Options{
		Dir:    t.TempDir(),
		Output: &buf,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(buf.String(), "streamed") {
		t.Errorf("expected tee to receive output, got %q", buf.String())
	}
}

func TestExecute_Env(t *testing.T) {
	dir := t.TempDir()
	err := Execute(context.Background(), []Step{{Command: `test "$SAMPLE" = s1`}}, Options{
		Dir: dir,
		Env: []string{"SAMPLE=s1"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecute_TracksProcesses(t *testing.T) {
	pm := NewProcessManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, []Step{{Command: "sleep 30"}}, Options{Dir: t.TempDir(), Processes: pm})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll() error = %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected killed step to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("step did not terminate after KillAll()")
	}

	if pm.Count() != 0 {
		t.Errorf("expected process to be untracked, got %d", pm.Count())
	}
}

func TestScript(t *testing.T) {
	script := Script([]Step{
		{Name: "align", Command: "aligner in.fq > out.sam"},
		{Command: "samtools index out.bam\n"},
	})

	if !strings.HasPrefix(script, "#!/bin/sh\n") {
		t.Errorf("script missing shebang: %q", script)
	}
	if strings.Count(script, "|| exit $?") != 2 {
		t.Errorf("expected one checkpoint per step:\n%s", script)
	}
	if !strings.Contains(script, "# step 1 (align)") {
		t.Errorf("expected step label in script:\n%s", script)
	}
}

// TestScript_FailFast runs a generated script and checks it stops at the failing step.
func TestScript_FailFast(t *testing.T) {
	dir := t.TempDir()
	script := Script([]Step{
		{Command: "touch a"},
		{Command: "false"},
		{Command: "touch c"},
	})

	err := Execute(context.Background(), []Step{{Command: script}}, Options{Dir: dir})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "c")); !os.IsNotExist(err) {
		t.Error("step after failure ran inside script")
	}
}

func TestOutput(t *testing.T) {
	out, err := Output(context.Background(), "", strings.NewReader("piped"), "cat")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(out) != "piped" {
		t.Errorf("expected stdin to be echoed, got %q", out)
	}

	_, err = Output(context.Background(), "", nil, "sh", "-c", "echo nope >&2; exit 1")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}
