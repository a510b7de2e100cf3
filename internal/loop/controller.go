// Package loop implements the conversational turn controller: it
// submits a turn to the completion service, consumes the resulting
// event stream, dispatches tool calls, and feeds tool outputs back as
// the next sub-turn until the model produces no further calls.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/agentloop/internal/cancelscope"
	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/dispatch"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/retry"
	"github.com/codefionn/agentloop/internal/service"
)

// ErrTerminated is returned by Run after Terminate has been called.
var ErrTerminated = errors.New("controller terminated")

// DefaultDeliveryDelay is how long an output item sits staged before
// delivery. The delay is the cancellation window: a cancel arriving
// just after an item was produced still suppresses it.
const DefaultDeliveryDelay = 10 * time.Millisecond

// Sink receives the controller's one-way callbacks.
type Sink interface {
	// Deliver hands one output item to the host.
	Deliver(item conv.Item)
	// SetLoading toggles the host's busy indicator.
	SetLoading(loading bool)
	// SetPreviousResponseID reports the id to reference on the next run,
	// or "" when the next run should start a clean exchange.
	SetPreviousResponseID(id string)
}

// Config carries the per-controller settings.
type Config struct {
	Model        string
	Instructions string

	// Store asks the remote side to retain turns so the next one can
	// reference the previous by id. Only honored by services that
	// retain state.
	Store bool

	// DeliveryDelay overrides DefaultDeliveryDelay when positive.
	DeliveryDelay time.Duration

	// MaxContextTokens ends a run with a diagnostic, before touching
	// the network, when the estimated request size exceeds it. Zero
	// disables the check and leaves overflow to the remote service.
	MaxContextTokens int

	Retry retry.Policy
}

func (c Config) deliveryDelay() time.Duration {
	if c.DeliveryDelay > 0 {
		return c.DeliveryDelay
	}
	return DefaultDeliveryDelay
}

// Controller drives one conversation. One Run may be in flight at a
// time; Cancel and Terminate are safe to call concurrently from
// another goroutine.
type Controller struct {
	cfg        Config
	svc        service.Service
	dispatcher *dispatch.Dispatcher
	sink       Sink
	log        *logger.Logger

	domain     *cancelscope.Domain
	generation atomic.Int64

	transcript *conv.Transcript
	pending    *conv.PendingAborts
	stager     *stager

	// runMu serializes Run invocations. mu guards the snapshot fields
	// below, which Cancel touches from other goroutines.
	runMu sync.Mutex
	mu    sync.Mutex

	runScope       *cancelscope.Scope
	toolScope      *cancelscope.Scope
	lastResponseID string

	// seen de-duplicates output item ids across the streamed events and
	// the authoritative list on turn completion. Owned per controller
	// so concurrent conversations stay isolated.
	seen map[string]struct{}

	// lastDiagHash suppresses a diagnostic identical to the one just
	// delivered. Reset at the start of every run.
	lastDiagHash uint64
}

// New builds a controller over the given collaborators.
func New(cfg Config, svc service.Service, dispatcher *dispatch.Dispatcher, sink Sink) *Controller {
	c := &Controller{
		cfg:        cfg,
		svc:        svc,
		dispatcher: dispatcher,
		sink:       sink,
		log:        logger.Global().WithPrefix("loop"),
		domain:     cancelscope.NewDomain(),
		transcript: conv.NewTranscript(),
		pending:    conv.NewPendingAborts(),
		seen:       make(map[string]struct{}),
	}
	c.stager = newStager(cfg.deliveryDelay(), sink.Deliver)

	// Terminate cascades into the cancel bookkeeping even when no Run
	// is in flight.
	c.domain.Hard().OnCancel(c.performCancel)
	return c
}

// Transcript exposes the locally retained history, for hosts that
// persist it between sessions.
func (c *Controller) Transcript() *conv.Transcript {
	return c.transcript
}

// RestoreResponseID seeds the prior-reference id, typically from a
// persisted session snapshot.
func (c *Controller) RestoreResponseID(id string) {
	c.mu.Lock()
	c.lastResponseID = id
	c.mu.Unlock()
}

// Run performs one exchange: it submits input (plus any synthetic
// aborts owed from a cancelled run) and loops sub-turns until the model
// stops calling tools. Classified remote failures surface as a single
// diagnostic item and return nil; only unclassified errors are
// returned.
func (c *Controller) Run(ctx context.Context, input []conv.Item, previousResponseID string) error {
	if c.domain.Terminated() {
		return ErrTerminated
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.domain.Terminated() {
		return ErrTerminated
	}

	gen := c.generation.Add(1)
	run, tool := c.domain.NewRun(ctx)
	defer run.Cancel()

	c.mu.Lock()
	c.runScope = run
	c.toolScope = tool
	if previousResponseID != "" {
		c.lastResponseID = previousResponseID
	}
	c.lastDiagHash = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.runScope = nil
		c.toolScope = nil
		c.mu.Unlock()
	}()

	delta := append(c.pending.Drain(), input...)
	if len(delta) == 0 {
		return errors.New("run requires non-empty input")
	}

	c.sink.SetLoading(true)
	defer c.sink.SetLoading(false)

	valid := func() bool {
		return c.generation.Load() == gen && !run.Cancelled()
	}

	err := c.turnLoop(run, tool, valid, delta)

	switch {
	case err == nil && valid():
		// Graceful completion: everything streamed was answered.
		c.stager.flush()
		c.pending.Clear()
	case errors.Is(err, errRunCancelled) || !valid():
		c.stager.drop()
		err = nil
	default:
		c.stager.drop()
	}
	return err
}

// turnLoop runs sub-turns until the model produces no tool outputs.
func (c *Controller) turnLoop(run, tool *cancelscope.Scope, valid func() bool, delta []conv.Item) error {
	for len(delta) > 0 && valid() {
		req := c.buildRequest(delta)

		tokens := estimateRequestTokens(req.Input)
		c.log.Debug("submitting %d items, ~%d tokens", len(req.Input), tokens)
		if c.cfg.MaxContextTokens > 0 && tokens > c.cfg.MaxContextTokens {
			c.diagnose(valid, fmt.Sprintf("the conversation no longer fits the configured context limit (~%d tokens estimated, limit %d)", tokens, c.cfg.MaxContextTokens))
			return nil
		}

		st, err := c.runSubTurn(run, tool, valid, req)
		if err != nil {
			var diag *diagnosticError
			if errors.As(err, &diag) {
				c.diagnose(valid, diag.message())
				return nil
			}
			return err
		}

		if !c.svc.RetainsState() {
			// Stateless mode: fold this sub-turn into the transcript so
			// the next request resends the full history. Tool outputs
			// fold on the next iteration, when they are the delta.
			c.transcript.Append(delta...)
			c.transcript.Append(st.items...)
		}
		delta = st.outputs
	}
	return nil
}

func (c *Controller) buildRequest(delta []conv.Item) *service.TurnRequest {
	req := &service.TurnRequest{
		Model:        c.cfg.Model,
		Instructions: c.cfg.Instructions,
		Tools:        c.dispatcher.Specs(),
		Store:        c.cfg.Store && c.svc.RetainsState(),
	}

	if c.svc.RetainsState() {
		req.Input = delta
		c.mu.Lock()
		req.PreviousResponseID = c.lastResponseID
		c.mu.Unlock()
	} else {
		history := c.transcript.Items()
		req.Input = make([]conv.Item, 0, len(history)+len(delta))
		req.Input = append(req.Input, history...)
		req.Input = append(req.Input, delta...)
	}
	return req
}

// estimateRequestTokens sizes a request with the same tokenizer the
// transcript uses.
func estimateRequestTokens(items []conv.Item) int {
	total := 0
	for _, it := range items {
		total += conv.EstimateTokenCount(it.Text)
		total += conv.EstimateTokenCount(it.Arguments)
	}
	return total
}

// Cancel aborts the current run: the network stream, in-flight tool
// execution, and every staged-but-undelivered item. Safe with no run
// in progress. No-op after Terminate.
func (c *Controller) Cancel() {
	if c.domain.Terminated() {
		return
	}
	c.performCancel()
}

func (c *Controller) performCancel() {
	c.generation.Add(1)

	c.mu.Lock()
	run := c.runScope
	c.mu.Unlock()
	if run != nil {
		run.Cancel()
	}

	c.stager.drop()
	c.sink.SetLoading(false)

	// With no calls awaiting an answer there is nothing tying the next
	// run to this exchange, so it starts clean. With pending calls the
	// reference must survive so the synthetic aborts land in context.
	if c.pending.Len() == 0 {
		c.mu.Lock()
		c.lastResponseID = ""
		c.mu.Unlock()
		c.sink.SetPreviousResponseID("")
	}
}

// Terminate permanently disables the controller. Idempotent; every
// subsequent Run fails with ErrTerminated.
func (c *Controller) Terminate() {
	c.domain.Terminate()
}

// diagnose delivers one system-visible diagnostic through the stager,
// suppressing an exact repeat of the previous diagnostic in this run.
func (c *Controller) diagnose(valid func() bool, text string) {
	h := xxhash.Sum64String(text)

	c.mu.Lock()
	if h == c.lastDiagHash {
		c.mu.Unlock()
		c.log.Debug("suppressed duplicate diagnostic")
		return
	}
	c.lastDiagHash = h
	c.mu.Unlock()

	c.log.Warn("run diagnostic: %s", text)
	c.stager.stage(conv.SystemNote(text), valid)
}

// errRunCancelled marks a run ended by cancellation; it is swallowed
// before Run returns.
var errRunCancelled = errors.New("run cancelled")

// diagnosticError ends the run gracefully with one visible diagnostic.
type diagnosticError struct {
	ce *retry.ClassifiedError
}

func (e *diagnosticError) Error() string {
	return e.ce.Error()
}

func (e *diagnosticError) message() string {
	switch e.ce.Class {
	case retry.ClassRateLimit:
		return "rate limited by the completion service; giving up after repeated retries"
	case retry.ClassTooManyTokens:
		return "the conversation no longer fits the model's context window"
	case retry.ClassQuotaExceeded:
		return "the completion service reports an exhausted quota"
	case retry.ClassInvalidRequest:
		return "the completion service rejected the request: " + e.ce.Err.Error()
	case retry.ClassStreamProtocol:
		return "the completion service sent a malformed stream: " + e.ce.Err.Error()
	default:
		return "the completion service failed: " + e.ce.Err.Error()
	}
}

// submitWithRetry drives the submission retry ladder. Transient
// failures retry up to the attempt cap; terminal classes come back as
// a diagnosticError; unknown errors pass through for the caller to
// re-raise.
func (c *Controller) submitWithRetry(ctx context.Context, req *service.TurnRequest) (service.Stream, error) {
	policy := c.cfg.Retry

	for attempt := 1; ; attempt++ {
		stream, err := c.svc.Submit(ctx, req)
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, errRunCancelled
		}

		ce := retry.Classify(err)
		switch {
		case ce.Class == retry.ClassUnknown:
			return nil, err
		case ce.Class.Terminal():
			return nil, &diagnosticError{ce: ce}
		case !policy.ShouldRetrySubmit(attempt, ce.Class):
			c.log.Warn("submission retries exhausted after attempt %d: %v", attempt, err)
			return nil, &diagnosticError{ce: ce}
		}

		wait := policy.Backoff(attempt, ce)
		c.log.Info("submission failed (%s), attempt %d, retrying in %s: %v", ce.Class, attempt, wait, err)
		if werr := retry.Wait(ctx, wait); werr != nil {
			return nil, errRunCancelled
		}
	}
}
