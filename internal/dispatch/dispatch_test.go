package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/shell"
)

type fakeExecutor struct {
	lastCommand []string
	lastWorkdir string
	result      *shell.Result
	err         error
}

func (f *fakeExecutor) Exec(_ context.Context, command []string, workdir string, _ time.Duration) (*shell.Result, error) {
	f.lastCommand = command
	f.lastWorkdir = workdir
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeConfirmer struct {
	decision  Decision
	called    int
	lastPatch *PatchDescriptor
}

func (f *fakeConfirmer) Confirm(_ context.Context, _ []string, patch *PatchDescriptor) (Decision, error) {
	f.called++
	f.lastPatch = patch
	return f.decision, nil
}

func shellCall(t *testing.T, args shellArgs) conv.Item {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return conv.FunctionCall("call_1", "shell", string(raw))
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher()

	res, ok := d.Dispatch(context.Background(), conv.FunctionCall("call_1", "nope", "{}"))
	require.True(t, ok)
	assert.Equal(t, "call_1", res.Output.CallID)
	assert.Equal(t, "unknown tool: nope", res.Output.Text)
}

func TestDispatchAbortedScopeShortCircuits(t *testing.T) {
	exec := &fakeExecutor{result: &shell.Result{}}
	d := NewDispatcher(NewShellHandler(exec, nil, "/tmp"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := d.Dispatch(ctx, shellCall(t, shellArgs{Command: []string{"ls"}}))
	assert.False(t, ok)
	assert.Nil(t, exec.lastCommand, "executor must not run after abort")
}

func TestShellHandlerRunsCommand(t *testing.T) {
	exec := &fakeExecutor{result: &shell.Result{Stdout: "hello\n", ExitCode: 0, Duration: 12 * time.Millisecond}}
	d := NewDispatcher(NewShellHandler(exec, nil, "/work"))

	res, ok := d.Dispatch(context.Background(), shellCall(t, shellArgs{Command: []string{"echo", "hello"}}))
	require.True(t, ok)
	assert.Equal(t, []string{"echo", "hello"}, exec.lastCommand)
	assert.Equal(t, "/work", exec.lastWorkdir)
	assert.Contains(t, res.Output.Text, "exit code: 0")
	assert.Contains(t, res.Output.Text, "hello")
}

func TestShellHandlerInvalidArguments(t *testing.T) {
	d := NewDispatcher(NewShellHandler(&fakeExecutor{}, nil, ""))

	res, ok := d.Dispatch(context.Background(), conv.FunctionCall("call_1", "shell", "not json"))
	require.True(t, ok)
	assert.Contains(t, res.Output.Text, "invalid arguments")

	res, ok = d.Dispatch(context.Background(), shellCall(t, shellArgs{}))
	require.True(t, ok)
	assert.Contains(t, res.Output.Text, "invalid arguments")
}

func TestShellHandlerDenied(t *testing.T) {
	exec := &fakeExecutor{result: &shell.Result{}}
	confirmer := &fakeConfirmer{decision: Decision{Verdict: VerdictDeny, Message: "not today"}}
	d := NewDispatcher(NewShellHandler(exec, confirmer, ""))

	res, ok := d.Dispatch(context.Background(), shellCall(t, shellArgs{Command: []string{"rm", "-rf", "/"}}))
	require.True(t, ok)
	assert.Contains(t, res.Output.Text, "command denied: not today")
	assert.Nil(t, exec.lastCommand)
}

func TestShellHandlerAlwaysSkipsFuturePrompts(t *testing.T) {
	exec := &fakeExecutor{result: &shell.Result{}}
	confirmer := &fakeConfirmer{decision: Decision{Verdict: VerdictAlways}}
	h := NewShellHandler(exec, confirmer, "")

	h.Handle(context.Background(), shellCall(t, shellArgs{Command: []string{"git", "status"}}))
	h.Handle(context.Background(), shellCall(t, shellArgs{Command: []string{"git", "status"}}))

	assert.Equal(t, 1, confirmer.called)
}

func TestShellHandlerAbortedExecutionProducesNoOutput(t *testing.T) {
	exec := &fakeExecutor{result: &shell.Result{Aborted: true}}
	h := NewShellHandler(exec, nil, "")

	res := h.Handle(context.Background(), shellCall(t, shellArgs{Command: []string{"sleep", "10"}}))
	assert.Empty(t, res.Output.Kind)
}

func TestShellHandlerPatchDescriptor(t *testing.T) {
	exec := &fakeExecutor{result: &shell.Result{}}
	confirmer := &fakeConfirmer{decision: Decision{Verdict: VerdictApprove}}
	h := NewShellHandler(exec, confirmer, "")

	h.Handle(context.Background(), shellCall(t, shellArgs{Command: []string{"apply_patch", "--- a/f.txt\n+++ b/f.txt\n"}}))
	require.NotNil(t, confirmer.lastPatch)
	assert.Contains(t, confirmer.lastPatch.UnifiedDiff, "a/f.txt")
}

func TestPlanHandlerRendersSteps(t *testing.T) {
	d := NewDispatcher(NewPlanHandler())

	args := `{"explanation":"short plan","plan":[{"step":"read files","status":"completed"},{"step":"write code","status":"in_progress"},{"step":"test","status":"pending"}]}`
	res, ok := d.Dispatch(context.Background(), conv.FunctionCall("call_2", "update_plan", args))
	require.True(t, ok)
	assert.Equal(t, "ok", res.Output.Text)

	require.Len(t, res.Extras, 1)
	note := res.Extras[0]
	assert.Equal(t, conv.KindSystemNote, note.Kind)
	assert.Contains(t, note.Text, "[x] read files")
	assert.Contains(t, note.Text, "[~] write code")
	assert.Contains(t, note.Text, "[ ] test")
}

func TestPlanHandlerInvalidArguments(t *testing.T) {
	h := NewPlanHandler()
	res := h.Handle(context.Background(), conv.FunctionCall("call_3", "update_plan", `{"plan":[]}`))
	assert.Contains(t, res.Output.Text, "invalid arguments")
}

func TestSummarizePatch(t *testing.T) {
	patch := `--- a/main.go
+++ b/main.go
@@ -1,3 +1,5 @@
 package main
+import "fmt"
 func main() {
-}
+	fmt.Println("hi")
+}
`
	summary := SummarizePatch(patch)
	assert.Contains(t, summary, "main.go")
	assert.Contains(t, summary, "+3")
	assert.Contains(t, summary, "-1")
}

func TestSummarizePatchFallsBackOnGarbage(t *testing.T) {
	assert.Equal(t, "not a diff", SummarizePatch("not a diff"))
}
