package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/service"
	"github.com/codefionn/agentloop/internal/shell"
)

const maxShellOutputBytes = 16 * 1024

type shellArgs struct {
	Command   []string `json:"command"`
	Workdir   string   `json:"workdir,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
}

// ShellHandler executes the "shell" tool through a local executor,
// gated by the ambient approval policy.
type ShellHandler struct {
	exec      shell.Executor
	confirmer Confirmer
	workdir   string

	mu       sync.Mutex
	approved map[string]bool
}

// NewShellHandler builds the handler. confirmer may be nil, in which
// case every command runs without prompting.
func NewShellHandler(exec shell.Executor, confirmer Confirmer, workdir string) *ShellHandler {
	return &ShellHandler{
		exec:      exec,
		confirmer: confirmer,
		workdir:   workdir,
		approved:  make(map[string]bool),
	}
}

func (h *ShellHandler) Spec() service.ToolSpec {
	return service.ToolSpec{
		Name:        "shell",
		Description: "Runs a shell command and returns its output.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "The command and its arguments, as an argv vector.",
				},
				"workdir": map[string]interface{}{
					"type":        "string",
					"description": "Working directory for the command.",
				},
				"timeout_ms": map[string]interface{}{
					"type":        "number",
					"description": "Maximum run time in milliseconds.",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (h *ShellHandler) Handle(ctx context.Context, call conv.Item) Result {
	var args shellArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return Result{Output: conv.FunctionCallOutput(call.CallID, "invalid arguments: "+err.Error())}
	}
	if len(args.Command) == 0 {
		return Result{Output: conv.FunctionCallOutput(call.CallID, "invalid arguments: command must be a non-empty array")}
	}

	if denied, msg := h.requiresDenial(ctx, args.Command); denied {
		return Result{Output: conv.FunctionCallOutput(call.CallID, msg)}
	}

	workdir := args.Workdir
	if workdir == "" {
		workdir = h.workdir
	}
	timeout := time.Duration(args.TimeoutMS) * time.Millisecond

	res, err := h.exec.Exec(ctx, args.Command, workdir, timeout)
	if err != nil {
		return Result{Output: conv.FunctionCallOutput(call.CallID, "execution failed: "+err.Error())}
	}
	if res.Aborted {
		// The run was cancelled mid-execution; the controller turns the
		// still-pending call into a synthetic abort on the next run.
		return Result{}
	}

	return Result{Output: conv.FunctionCallOutput(call.CallID, formatShellResult(res))}
}

// requiresDenial runs the approval policy. It returns the denial output
// text when the command may not run.
func (h *ShellHandler) requiresDenial(ctx context.Context, command []string) (bool, string) {
	if h.confirmer == nil {
		return false, ""
	}

	prefix := commandPrefix(command)
	h.mu.Lock()
	alreadyApproved := h.approved[prefix]
	h.mu.Unlock()
	if alreadyApproved {
		return false, ""
	}

	decision, err := h.confirmer.Confirm(ctx, command, describePatch(command))
	if err != nil {
		return true, "approval failed: " + err.Error()
	}

	switch decision.Verdict {
	case VerdictAlways:
		h.mu.Lock()
		h.approved[prefix] = true
		h.mu.Unlock()
		return false, ""
	case VerdictApprove:
		return false, ""
	default:
		msg := "command denied by user"
		if decision.Message != "" {
			msg = "command denied: " + decision.Message
		}
		return true, msg
	}
}

func commandPrefix(command []string) string {
	if len(command) >= 2 {
		return command[0] + " " + command[1]
	}
	return command[0]
}

// describePatch attaches a patch descriptor for commands that apply one,
// so the approval prompt can show what is about to change.
func describePatch(command []string) *PatchDescriptor {
	if len(command) >= 2 && command[0] == "apply_patch" {
		return &PatchDescriptor{UnifiedDiff: command[1]}
	}
	return nil
}

func formatShellResult(res *shell.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", res.ExitCode)
	if res.TimedOut {
		b.WriteString(" (timed out)")
	}
	fmt.Fprintf(&b, "\nduration: %s\n", res.Duration.Round(time.Millisecond))

	if out := truncateOutput(res.Stdout); out != "" {
		b.WriteString("stdout:\n")
		b.WriteString(out)
		if !strings.HasSuffix(out, "\n") {
			b.WriteByte('\n')
		}
	}
	if errOut := truncateOutput(res.Stderr); errOut != "" {
		b.WriteString("stderr:\n")
		b.WriteString(errOut)
		if !strings.HasSuffix(errOut, "\n") {
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutputBytes {
		return s
	}
	half := maxShellOutputBytes / 2
	return s[:half] + "\n[... output truncated ...]\n" + s[len(s)-half:]
}
