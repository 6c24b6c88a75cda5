package executor

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// termGrace is how long a cancelled process group gets to exit after SIGTERM
// before it is killed outright.
const termGrace = 3 * time.Second

// Local runs commands in a subshell on the agent host. The shell depends on
// the OS: /bin/sh -c on Linux/macOS, cmd /C on Windows, so pipes, redirects,
// and shell builtins work as users expect from a command field.
type Local struct {
	hostname string
}

// NewLocal creates a Local executor.
func NewLocal() *Local {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Local{hostname: hostname}
}

// Kind implements Executor.
func (l *Local) Kind() string { return "local" }

// Available implements Executor. The local shell is always present.
func (l *Local) Available() bool { return true }

// Run executes command in a subshell, streaming stdout and stderr line by
// line through onProgress while collecting the full buffers for the terminal
// result. The subprocess runs in its own process group so cancellation can
// take down any children it spawned: SIGTERM to the group first, SIGKILL
// after termGrace.
func (l *Local) Run(ctx context.Context, command string, onProgress ProgressFunc) (*Result, error) {
	cmd := buildShellCmd(command)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return l.setupFailure(command, err), err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return l.setupFailure(command, err), err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return l.setupFailure(command, err), err
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			stdoutBuf.WriteString(line)
			if onProgress != nil {
				onProgress(Progress{StdoutChunk: line})
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			stderrBuf.WriteString(line)
			if onProgress != nil {
				onProgress(Progress{StderrChunk: line})
			}
		}
	}()

	// Watch for cancellation while the command runs. done is closed after
	// Wait returns so the watcher never signals a reaped process.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminateProcessGroup(cmd, termGrace)
		case <-done:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)
	duration := time.Since(start)

	res := &Result{
		ExitCode:      0,
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionType: "local",
		Target:        l.hostname,
		Cancelled:     ctx.Err() != nil,
		Duration:      duration,
	}

	if waitErr != nil {
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if res.ExitCode < 0 {
			// Killed by signal (e.g. our own cancellation path).
			res.ExitCode = 1
		}
		return res, waitErr
	}
	return res, nil
}

// setupFailure builds the result for a command that never started.
func (l *Local) setupFailure(command string, err error) *Result {
	return &Result{
		ExitCode:      -1,
		Stderr:        "failed to start command: " + err.Error(),
		ExecutionType: "local",
		Target:        l.hostname,
	}
}

// buildShellCmd wraps the command string in the appropriate shell for the
// current OS.
func buildShellCmd(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}
