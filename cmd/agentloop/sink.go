package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/codefionn/agentloop/internal/conv"
)

// consoleSink prints delivered items to the terminal. Deliveries can
// arrive from timer goroutines, so all state is mutex-guarded.
type consoleSink struct {
	out io.Writer

	mu      sync.Mutex
	prevID  string
	loading bool
}

func (s *consoleSink) Deliver(item conv.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch item.Kind {
	case conv.KindMessage:
		fmt.Fprintln(s.out, item.Text)
	case conv.KindSystemNote:
		fmt.Fprintf(s.out, "[note] %s\n", item.Text)
	case conv.KindFunctionCallOutput:
		fmt.Fprintf(s.out, "[tool] %s\n", item.Text)
	case conv.KindReasoning:
		// Reasoning traces stay internal.
	default:
		fmt.Fprintf(s.out, "[%s] %s\n", item.Kind, item.Text)
	}
}

func (s *consoleSink) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loading && !s.loading {
		fmt.Fprintln(s.out, "...")
	}
	s.loading = loading
}

func (s *consoleSink) SetPreviousResponseID(id string) {
	s.mu.Lock()
	s.prevID = id
	s.mu.Unlock()
}

func (s *consoleSink) previousResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevID
}

func (s *consoleSink) finishTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out)
}
