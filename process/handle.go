// Package process launches and supervises the two children of a relay: the
// producer that fetches the source onto its stdout and the ffmpeg consumer
// that encodes its stdin to the ingest endpoint.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/whisper-darkly/sticky-relay/logger"
)

// stderrTailBytes is how much child stderr is kept for classification.
const stderrTailBytes = 16 << 10

// stderrSettle bounds how long ExitTail waits for stderr to reach EOF after
// the child exited.
const stderrSettle = 2 * time.Second

// Phase is one step of a phased shutdown: signal the process group, then
// wait up to Timeout for the child to exit.
type Phase struct {
	Name    string
	Signal  syscall.Signal
	Timeout time.Duration
}

// ConsumerStopPhases lets ffmpeg flush and close the FLV connection before
// escalating.
func ConsumerStopPhases(grace time.Duration) []Phase {
	return []Phase{
		{"interrupt", unix.SIGINT, grace},
		{"terminate", unix.SIGTERM, grace},
		{"kill", unix.SIGKILL, time.Second},
	}
}

// ProducerStopPhases terminates the fetch tool.
func ProducerStopPhases(grace time.Duration) []Phase {
	return []Phase{
		{"terminate", unix.SIGTERM, grace},
		{"kill", unix.SIGKILL, time.Second},
	}
}

// Handle owns one started child running in its own process group.
type Handle struct {
	name string
	cmd  *exec.Cmd
	pgid int
	log  *logger.Logger

	done       chan struct{}
	stderrDone chan struct{}
	tail       *tailBuffer

	exitCode int
	waitErr  error
}

// start launches cmd in a new process group. Stderr is captured through a
// pipe owned by the handle: a tail is kept and each line is mirrored to log
// at debug level. cmd.Stdin and cmd.Stdout must already be set.
func start(name string, cmd *exec.Cmd, log *logger.Logger) (*Handle, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	// the child holds its own copy
	w.Close()

	h := &Handle{
		name:       name,
		cmd:        cmd,
		pgid:       cmd.Process.Pid,
		log:        log,
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
		tail:       newTailBuffer(stderrTailBytes),
		exitCode:   -1,
	}

	go func() {
		defer close(h.stderrDone)
		defer r.Close()
		lw := log.Writer(logger.LevelDebug)
		defer lw.Close()
		_, _ = io.Copy(io.MultiWriter(h.tail, lw), r)
	}()

	go func() {
		err := cmd.Wait()
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		}
		h.waitErr = err
		close(h.done)
	}()

	return h, nil
}

// Name returns the role of the child ("producer" or "consumer").
func (h *Handle) Name() string { return h.name }

// Pid returns the child's pid, which is also its process group id.
func (h *Handle) Pid() int { return h.pgid }

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the child has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the child
// was killed by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.exitCode
}

// Err returns the wait error once the child has been reaped.
func (h *Handle) Err() error {
	if !h.Exited() {
		return nil
	}
	return h.waitErr
}

// Signaled reports whether the reaped child was terminated by a signal.
func (h *Handle) Signaled() bool {
	if !h.Exited() || h.cmd.ProcessState == nil {
		return false
	}
	ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

// Signal sends sig to the child's process group. A group that is already
// gone is not an error.
func (h *Handle) Signal(sig syscall.Signal) error {
	err := unix.Kill(-h.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// KillGroup kills every remaining member of the child's process group.
// Used after the child exits so grandchildren stop holding its pipes.
func (h *Handle) KillGroup() error {
	return h.Signal(unix.SIGKILL)
}

// Stop walks through phases until the child exits, then kills whatever is
// left of its group. It always returns with the child reaped; when ctx ends
// early the remaining phases are skipped and the group is killed.
func (h *Handle) Stop(ctx context.Context, phases []Phase) {
	for _, phase := range phases {
		if h.Exited() {
			break
		}
		h.log.Debug("%s stop phase %s (%s)", h.name, phase.Name, phase.Signal)
		if err := h.Signal(phase.Signal); err != nil {
			h.log.Warn("%s signal %s: %v", h.name, phase.Signal, err)
		}
		if waitForChan(ctx, phase.Timeout, h.done) == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if !h.Exited() {
		_ = h.KillGroup()
		<-h.done
	}
	_ = h.KillGroup()
}

// Tail returns the captured end of the child's stderr. After exit it waits
// briefly for the stderr pipe to drain.
func (h *Handle) Tail() string {
	if h.Exited() {
		select {
		case <-h.stderrDone:
		case <-time.After(stderrSettle):
		}
	}
	return h.tail.String()
}

func waitForChan(ctx context.Context, timeout time.Duration, c <-chan struct{}) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c:
		return nil
	case <-timer.C:
		return fmt.Errorf("process did not exit within %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	limit int
	buf []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
