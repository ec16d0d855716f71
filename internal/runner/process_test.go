package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRing(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		writes []string
		want   string
	}{
		{"under limit", 8, []string{"abc", "de"}, "abcde"},
		{"drops oldest", 4, []string{"abc", "def"}, "cdef"},
		{"single oversized write", 3, []string{"abcdefg"}, "efg"},
		{"exact fit", 3, []string{"ab", "c"}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ring{max: tt.max}
			for _, w := range tt.writes {
				if n, err := r.Write([]byte(w)); err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := string(r.Bytes()); got != tt.want {
				t.Errorf("Bytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecute_TailOnly(t *testing.T) {
	// Twice the tail size of stdout, then a marker on stderr.
	cmd := `head -c 32768 /dev/zero | tr '\0' x; echo boom >&2; exit 4`
	err := Execute(context.Background(), []Step{{Command: cmd}}, Options{Dir: t.TempDir()})

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if len(stepErr.Output) > 2*tailSize {
		t.Errorf("kept %d bytes of output, want at most %d", len(stepErr.Output), 2*tailSize)
	}
	if !strings.HasPrefix(string(stepErr.Output), "boom\n") {
		t.Errorf("expected stderr first in output, got %q", stepErr.Output[:16])
	}
}

func TestProcessManager_Terminate(t *testing.T) {
	pm := NewProcessManager()
	done := make(chan error, 1)
	go func() {
		done <- Execute(context.Background(), []Step{{Command: "sleep 30"}}, Options{Dir: t.TempDir(), Processes: pm})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := pm.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStepFailed) {
			t.Errorf("expected terminated step to fail, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("step survived Terminate()")
	}
}

func TestProcessManager_Nil(t *testing.T) {
	var pm *ProcessManager
	if pm.Count() != 0 || pm.KillAll() != nil {
		t.Error("nil manager should be a no-op")
	}
}
