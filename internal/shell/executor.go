// Package shell executes model-requested commands locally. Execution is
// cancellable through the context it receives: cancelling the tool
// scope signals the whole process group, not just the direct child.
package shell

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/logger"
)

// DefaultTimeout bounds commands that do not specify their own.
const DefaultTimeout = 30 * time.Second

// Result carries the captured output and exit metadata of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Aborted  bool
}

// Executor runs one command vector to completion.
type Executor interface {
	Exec(ctx context.Context, command []string, workdir string, timeout time.Duration) (*Result, error)
}

// LocalExecutor runs commands directly on the host in their own process
// group so cancellation reaches child processes too.
type LocalExecutor struct {
	log *logger.Logger
}

// NewLocalExecutor returns an executor backed by os/exec.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{log: logger.Global().WithPrefix("shell")}
}

// Exec runs the command and captures its output. A cancelled ctx kills
// the process group; the error is still nil and the result reports
// Aborted so callers can encode the outcome as tool output.
func (e *LocalExecutor) Exec(ctx context.Context, command []string, workdir string, timeout time.Duration) (*Result, error) {
	if len(command) == 0 {
		return nil, errors.New("no command provided")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, command[0], command[1:]...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		if pgid := processGroupID(cmd); pgid > 0 {
			e.log.Warn("killing process group %d: %s", pgid, strings.Join(command, " "))
			return killProcessGroup(pgid)
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = exitCodeOf(runErr)
	case ctx.Err() != nil:
		result.Aborted = true
		result.ExitCode = exitCodeOf(runErr)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The command never started (not found, permission denied).
			return nil, runErr
		}
	}

	e.log.Debug("exec finished: cmd=%q exit=%d timed_out=%v aborted=%v dur=%s",
		strings.Join(command, " "), result.ExitCode, result.TimedOut, result.Aborted, result.Duration)
	return result, nil
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
