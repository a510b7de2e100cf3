// Package cancelscope implements the layered cancellation signals used
// by the turn controller: a hard scope that terminates the controller
// permanently, a soft per-run scope, and a tool scope that aborts only
// in-flight tool execution. Cancelling an outer scope always cascades
// into the scopes nested under it.
package cancelscope

import (
	"context"
	"sync"
)

// Scope wraps a cancellable context with an observer list. Observers
// are notified exactly once, whether the scope was cancelled directly
// or through its parent.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	fired     bool
	observers []func()
}

// New creates a scope nested under parent. Cancelling the parent
// context cancels the scope.
func New(parent context.Context) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scope{ctx: ctx, cancel: cancel}

	// Fire observers on any cancellation path, including the parent's.
	context.AfterFunc(ctx, s.fire)

	return s
}

// Context returns the scope's context for passing into blocking calls.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Done returns a channel closed when the scope is cancelled.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancelled reports whether the scope has been cancelled.
func (s *Scope) Cancelled() bool {
	return s.ctx.Err() != nil
}

// Cancel cancels the scope and everything nested under it. Idempotent.
func (s *Scope) Cancel() {
	s.cancel()
}

// OnCancel registers fn to run when the scope is cancelled. If the
// scope is already cancelled, fn runs immediately.
func (s *Scope) OnCancel(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		fn()
		return
	}
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Child creates a scope nested under this one.
func (s *Scope) Child() *Scope {
	return New(s.ctx)
}

func (s *Scope) fire() {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// Domain owns the hard scope for one controller instance and mints the
// per-run soft and tool scopes nested under it.
type Domain struct {
	hard *Scope
}

// NewDomain returns a domain whose hard scope is rooted at the
// background context.
func NewDomain() *Domain {
	return &Domain{hard: New(context.Background())}
}

// Hard returns the controller-lifetime scope.
func (d *Domain) Hard() *Scope {
	return d.hard
}

// Terminate cancels the hard scope, cascading into any live run and
// tool scopes. Idempotent.
func (d *Domain) Terminate() {
	d.hard.Cancel()
}

// Terminated reports whether the hard scope has been cancelled.
func (d *Domain) Terminated() bool {
	return d.hard.Cancelled()
}

// NewRun creates the soft scope for one run, additionally bound to the
// caller's context, and the tool scope nested under it. The soft scope
// cancels when the caller ctx, the hard scope, or an explicit soft
// cancel fires; the tool scope can also be cancelled on its own.
func (d *Domain) NewRun(ctx context.Context) (run *Scope, tool *Scope) {
	run = New(ctx)
	// Propagate the hard scope into the run scope; the run ctx is not a
	// child of the hard ctx because it is rooted at the caller's ctx.
	stop := context.AfterFunc(d.hard.ctx, run.Cancel)
	run.OnCancel(func() { stop() })

	tool = run.Child()
	return run, tool
}
