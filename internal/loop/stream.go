package loop

import (
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/cancelscope"
	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/retry"
	"github.com/codefionn/agentloop/internal/service"
)

// stager holds output items for a short delay before handing them to
// the sink. The delay is the cancellation window: a cancel that lands
// between production and delivery suppresses the item. Items leave the
// stager strictly in arrival order regardless of timer jitter.
type stager struct {
	delay   time.Duration
	deliver func(conv.Item)

	mu    sync.Mutex
	queue []*stagedItem
}

type stagedItem struct {
	item  conv.Item
	valid func() bool
	ready bool
	timer *time.Timer
}

func newStager(delay time.Duration, deliver func(conv.Item)) *stager {
	return &stager{delay: delay, deliver: deliver}
}

// stage schedules item for delivery after the delay. valid is
// re-checked at fire time; a false result drops the item silently.
func (s *stager) stage(item conv.Item, valid func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &stagedItem{item: item, valid: valid}
	e.timer = time.AfterFunc(s.delay, func() { s.fire(e) })
	s.queue = append(s.queue, e)
}

func (s *stager) fire(e *stagedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ready = true
	s.deliverReadyLocked()
}

// deliverReadyLocked releases items from the head of the queue while
// they are ready, preserving arrival order even when a later timer
// fires first.
func (s *stager) deliverReadyLocked() {
	for len(s.queue) > 0 && s.queue[0].ready {
		e := s.queue[0]
		s.queue = s.queue[1:]
		e.timer.Stop()
		if e.valid == nil || e.valid() {
			s.deliver(e.item)
		}
	}
}

// flush delivers everything still staged, in order, without waiting out
// the remaining delays. Validity is still checked per item.
func (s *stager) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		e.ready = true
	}
	s.deliverReadyLocked()
}

// drop discards everything still staged.
func (s *stager) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		e.timer.Stop()
	}
	s.queue = nil
}

// subTurn collects what one submitted request produced: the tool
// outputs that become the next sub-turn's input, and every streamed
// item for stateless transcript folding.
type subTurn struct {
	outputs []conv.Item
	items   []conv.Item
}

// runSubTurn submits one request and consumes its stream to completion,
// dispatching tool calls as they arrive. A stream interrupted by a rate
// limit is resubmitted in place, up to the stream-retry cap.
func (c *Controller) runSubTurn(run, tool *cancelscope.Scope, valid func() bool, req *service.TurnRequest) (*subTurn, error) {
	stream, err := c.submitWithRetry(run.Context(), req)
	if err != nil {
		return nil, err
	}

	st := &subTurn{}
	streamRetries := 0

	for {
		for stream.Next() {
			if !valid() {
				_ = stream.Close()
				return nil, errRunCancelled
			}

			ev := stream.Current()
			switch ev.Kind {
			case service.EventItemDone:
				c.handleItem(tool, valid, ev.Item, st)
			case service.EventCompleted:
				// The final list is authoritative; re-emit anything the
				// per-item events missed. De-duplication makes this
				// idempotent.
				for _, item := range ev.FinalItems {
					c.handleItem(tool, valid, item, st)
				}
				c.recordResponseID(ev.ResponseID)
				_ = stream.Close()
				return st, nil
			}
		}

		streamErr := stream.Err()
		_ = stream.Close()

		if streamErr == nil {
			// Stream ended without a completion event; treat the
			// sub-turn as finished with what was seen.
			return st, nil
		}
		if run.Cancelled() {
			return nil, errRunCancelled
		}

		ce := retry.Classify(streamErr)
		if ce.Class == retry.ClassUnknown {
			return nil, streamErr
		}
		if !c.cfg.Retry.ShouldRetryStream(streamRetries, ce.Class) {
			return nil, &diagnosticError{ce: ce}
		}

		streamRetries++
		wait := c.cfg.Retry.Backoff(streamRetries, ce)
		c.log.Info("stream interrupted (%s), resubmitting in %s (retry %d)", ce.Class, wait, streamRetries)
		if werr := retry.Wait(run.Context(), wait); werr != nil {
			return nil, errRunCancelled
		}

		stream, err = c.svc.Submit(run.Context(), req)
		if err != nil {
			if run.Cancelled() {
				return nil, errRunCancelled
			}
			resubmitErr := retry.Classify(err)
			if resubmitErr.Class == retry.ClassUnknown {
				return nil, err
			}
			return nil, &diagnosticError{ce: resubmitErr}
		}
	}
}

// handleItem routes one output item: tool calls go straight to the
// dispatcher with their call id recorded as pending first; everything
// else is staged for delayed delivery.
func (c *Controller) handleItem(tool *cancelscope.Scope, valid func() bool, item conv.Item, st *subTurn) {
	if item.ID != "" {
		if _, dup := c.seen[item.ID]; dup {
			return
		}
		c.seen[item.ID] = struct{}{}
	}
	st.items = append(st.items, item)

	if !item.IsFunctionCall() {
		c.stager.stage(item, valid)
		return
	}

	// The call id must be pending before dispatch so a cancellation in
	// the middle of tool execution still produces a synthetic abort on
	// the next run.
	c.pending.Add(item.CallID)

	res, ok := c.dispatcher.Dispatch(tool.Context(), item)
	if !ok || res.Output.Kind == "" {
		// Aborted before or during execution; the pending entry answers
		// the call later.
		return
	}

	c.pending.Remove(item.CallID)

	// The call itself is never delivered, but its output is staged for
	// the host like any other item, alongside whatever user-visible
	// extras the handler produced.
	c.stager.stage(res.Output, valid)
	for _, extra := range res.Extras {
		c.stager.stage(extra, valid)
	}
	st.outputs = append(st.outputs, res.Output)
}

func (c *Controller) recordResponseID(id string) {
	if id == "" || !c.cfg.Store || !c.svc.RetainsState() {
		return
	}
	c.mu.Lock()
	c.lastResponseID = id
	c.mu.Unlock()
	c.sink.SetPreviousResponseID(id)
}
