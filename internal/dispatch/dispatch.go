// Package dispatch maps model-requested tool calls onto local handlers
// and produces their output items. Handlers never raise for tool-level
// failures: denials, bad arguments, and execution errors are all
// encoded as output text carrying the original call id.
package dispatch

import (
	"context"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/service"
)

// Verdict is the outcome of an approval prompt.
type Verdict int

const (
	// VerdictDeny rejects the command
	VerdictDeny Verdict = iota
	// VerdictApprove allows the command once
	VerdictApprove
	// VerdictAlways allows the command and remembers its prefix
	VerdictAlways
)

// Decision is the answer to one approval prompt.
type Decision struct {
	Verdict Verdict
	// Message optionally explains a denial; it is surfaced to the model.
	Message string
}

// PatchDescriptor describes a file mutation a command is about to make,
// shown to the user during approval.
type PatchDescriptor struct {
	UnifiedDiff string
}

// Confirmer asks for approval before an escalated command runs. It is
// called at most once per command requiring escalation.
type Confirmer interface {
	Confirm(ctx context.Context, command []string, patch *PatchDescriptor) (Decision, error)
}

// Result is what one dispatch produces: the output item answering the
// call, plus any user-visible items the handler wants delivered (for
// example a rendered plan).
type Result struct {
	Output conv.Item
	Extras []conv.Item
}

// Handler executes one named tool.
type Handler interface {
	// Spec describes the tool to the model.
	Spec() service.ToolSpec
	// Handle runs the call. ctx is the tool-cancellation scope.
	Handle(ctx context.Context, call conv.Item) Result
}

// Dispatcher routes calls to handlers by name.
type Dispatcher struct {
	handlers map[string]Handler
	log      *logger.Logger
}

// NewDispatcher builds a dispatcher over the given handlers.
func NewDispatcher(handlers ...Handler) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		log:      logger.Global().WithPrefix("dispatch"),
	}
	for _, h := range handlers {
		d.Register(h)
	}
	return d
}

// Register adds or replaces a handler.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Spec().Name] = h
}

// Specs returns the tool specifications offered to the model.
func (d *Dispatcher) Specs() []service.ToolSpec {
	specs := make([]service.ToolSpec, 0, len(d.handlers))
	for _, h := range d.handlers {
		specs = append(specs, h.Spec())
	}
	return specs
}

// Dispatch runs one call. If the tool scope was already aborted when
// dispatch begins, it short-circuits with ok == false: no output, no
// side effects. The caller is then responsible for the pending abort.
func (d *Dispatcher) Dispatch(ctx context.Context, call conv.Item) (Result, bool) {
	if ctx.Err() != nil {
		d.log.Debug("dispatch skipped, scope aborted: call=%s tool=%s", call.CallID, call.Name)
		return Result{}, false
	}

	handler, ok := d.handlers[call.Name]
	if !ok {
		d.log.Warn("unknown tool requested: %s", call.Name)
		return Result{
			Output: conv.FunctionCallOutput(call.CallID, "unknown tool: "+call.Name),
		}, true
	}

	d.log.Debug("dispatching: call=%s tool=%s", call.CallID, call.Name)
	return handler.Handle(ctx, call), true
}
