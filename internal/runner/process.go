package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// Wait gives up on pipes still held by orphaned grandchildren after this.
	waitDelay = 5 * time.Second

	// tailSize caps the output kept for error messages.
	tailSize = 16 << 10
)

// newCommand builds a command that leads its own process group. Cancelling
// ctx signals the whole group so shell pipelines die with their parent.
func newCommand(ctx context.Context, dir string, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd, syscall.SIGKILL) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// captured is what a finished command left behind.
type captured struct {
	stdout  []byte // full stdout, only when requested
	errTail []byte // last tailSize bytes of stderr
	outTail []byte // last tailSize bytes of stdout
}

func (c captured) tail() []byte {
	return append(append([]byte{}, c.errTail...), c.outTail...)
}

// runCaptured starts cmd, drains both pipes until EOF and waits for it. When
// keepStdout is false only a bounded tail of each stream is retained, so jobs
// that print gigabytes do not grow the engine's heap. live, if set, receives
// every chunk from both streams as it arrives.
func runCaptured(cmd *exec.Cmd, pm *ProcessManager, live io.Writer, keepStdout bool) (captured, error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return captured{}, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return captured{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return captured{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	var (
		full    bytes.Buffer
		outTail = &ring{max: tailSize}
		errTail = &ring{max: tailSize}
		outDst  io.Writer = outTail
		errDst  io.Writer = errTail
	)
	if keepStdout {
		outDst = io.MultiWriter(&full, outTail)
	}
	if live != nil {
		shared := &lockedWriter{w: live}
		outDst = io.MultiWriter(outDst, shared)
		errDst = io.MultiWriter(errDst, shared)
	}

	var wg sync.WaitGroup
	for _, s := range []struct {
		dst io.Writer
		src io.Reader
	}{{outDst, outPipe}, {errDst, errPipe}} {
		wg.Add(1)
		go func(dst io.Writer, src io.Reader) {
			defer wg.Done()
			_, _ = io.Copy(dst, src)
		}(s.dst, s.src)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	res := captured{errTail: errTail.Bytes(), outTail: outTail.Bytes()}
	if keepStdout {
		res.stdout = full.Bytes()
	}
	return res, waitErr
}

// ring keeps the last max bytes written to it.
type ring struct {
	max int
	buf []byte
}

func (r *ring) Write(p []byte) (int, error) {
	n := len(p)
	if n >= r.max {
		r.buf = append(r.buf[:0], p[n-r.max:]...)
		return n, nil
	}
	if over := len(r.buf) + n - r.max; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	r.buf = append(r.buf, p...)
	return n, nil
}

func (r *ring) Bytes() []byte { return append([]byte(nil), r.buf...) }

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// signalGroup delivers sig to every process in cmd's group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ProcessManager records the process groups started on behalf of a run so
// they can be torn down when the run is abandoned. A nil *ProcessManager is
// valid and tracks nothing.
type ProcessManager struct {
	mu     sync.Mutex
	groups map[int]*exec.Cmd
}

// NewProcessManager returns an empty manager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{groups: make(map[int]*exec.Cmd)}
}

// Track records a started command.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.groups[cmd.Process.Pid] = cmd
	pm.mu.Unlock()
}

// Untrack forgets a command once it has been reaped.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.groups, cmd.Process.Pid)
	pm.mu.Unlock()
}

// KillAll sends SIGKILL to every tracked process group.
func (pm *ProcessManager) KillAll() error {
	return pm.broadcast(syscall.SIGKILL)
}

// Terminate asks every tracked group to exit with SIGTERM and kills whatever
// is still tracked once grace has passed.
func (pm *ProcessManager) Terminate(grace time.Duration) error {
	if err := pm.broadcast(syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for pm.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	return pm.KillAll()
}

func (pm *ProcessManager) broadcast(sig syscall.Signal) error {
	if pm == nil {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.groups {
		if err := signalGroup(cmd, sig); err != nil {
			errs = append(errs, fmt.Errorf("signal group %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count reports how many commands are currently tracked.
func (pm *ProcessManager) Count() int {
	if pm == nil {
		return 0
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.groups)
}
