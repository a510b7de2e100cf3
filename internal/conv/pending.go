package conv

import "sync"

// PendingAborts tracks call ids for tool calls the remote side is still
// expecting an answer for. Entries are added the moment a call is seen
// on the stream and removed when a real output is produced; whatever is
// left when a run is cancelled gets drained into synthetic "aborted"
// outputs at the start of the next run.
//
// The set is owned by a single controller instance. Keeping it per
// controller keeps concurrent conversations isolated.
type PendingAborts struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

// NewPendingAborts returns an empty set.
func NewPendingAborts() *PendingAborts {
	return &PendingAborts{seen: make(map[string]struct{})}
}

// Add records a call id awaiting an answer. Duplicate adds are ignored.
func (p *PendingAborts) Add(callID string) {
	if callID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[callID]; ok {
		return
	}
	p.seen[callID] = struct{}{}
	p.order = append(p.order, callID)
}

// Remove forgets a call id, typically because a real output was produced.
func (p *PendingAborts) Remove(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[callID]; !ok {
		return
	}
	delete(p.seen, callID)
	kept := p.order[:0]
	for _, id := range p.order {
		if id != callID {
			kept = append(kept, id)
		}
	}
	p.order = kept
}

// Len returns the number of unanswered calls.
func (p *PendingAborts) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Drain converts every unanswered call into a synthetic aborted output,
// in the order the calls were recorded, and clears the set.
func (p *PendingAborts) Drain() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return nil
	}

	out := make([]Item, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, AbortedOutput(id))
	}
	p.order = nil
	p.seen = make(map[string]struct{})
	return out
}

// Clear forgets everything without producing synthetic outputs. Called
// when a run completes normally and every call was answered.
func (p *PendingAborts) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = nil
	p.seen = make(map[string]struct{})
}
