package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// maxToolOutput caps captured stdout; yt-dlp -J on a long stream with many
// formats runs to a few megabytes.
const maxToolOutput = 32 << 20

type toolOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// runTool runs bin to completion and captures both output streams. A
// non-zero exit is reported in ExitCode, not as an error. The tool runs in
// its own process group, which is killed when ctx ends.
func runTool(ctx context.Context, bin string, args ...string) (toolOutput, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return toolOutput{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return toolOutput{}, err
	}
	if err := cmd.Start(); err != nil {
		return toolOutput{}, fmt.Errorf("start %s: %w", bin, err)
	}

	var out toolOutput
	var g errgroup.Group
	g.Go(func() (err error) {
		out.Stdout, err = io.ReadAll(io.LimitReader(stdout, maxToolOutput))
		return err
	})
	g.Go(func() (err error) {
		out.Stderr, err = io.ReadAll(io.LimitReader(stderr, maxToolOutput))
		return err
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if waitErr != nil {
		return out, waitErr
	}
	return out, readErr
}

// matchLine returns the first stderr line containing one of markers.
func matchLine(output []byte, markers []string) (string, bool) {
	for _, line := range strings.Split(string(output), "\n") {
		lower := strings.ToLower(line)
		for _, m := range markers {
			if strings.Contains(lower, strings.ToLower(m)) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}

// lastLine returns the last non-empty line of output, for error messages.
func lastLine(output []byte) string {
	lines := strings.Split(string(bytes.TrimSpace(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
