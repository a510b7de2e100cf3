package conv

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Transcript holds the locally retained conversation history. It is only
// consulted when the completion service does not persist conversation
// state; in that mode every turn resends Items() plus the new input.
//
// Invariants: the transcript never contains system notes, reasoning
// traces, or function call requests. A function call output with the
// same call id as an existing entry supersedes it.
type Transcript struct {
	mu    sync.Mutex
	items []Item
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append folds the given items into the transcript, filtering out the
// kinds that must not be resent to the model and collapsing duplicate
// user messages.
func (t *Transcript) Append(items ...Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, it := range items {
		switch it.Kind {
		case KindFunctionCall, KindReasoning, KindSystemNote:
			continue
		case KindMessage:
			if strings.TrimSpace(it.Text) == "" {
				continue
			}
			if it.Role == RoleUser && t.containsUserMessageLocked(it.Text) {
				continue
			}
		case KindFunctionCallOutput:
			t.removeOutputLocked(it.CallID)
		default:
			continue
		}
		t.items = append(t.items, it)
	}
}

// Items returns a copy of the transcript in order.
func (t *Transcript) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Item, len(t.items))
	copy(out, t.items)
	return out
}

// Len returns the number of retained items.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Reset discards all retained history.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = nil
}

// Replace swaps the retained history wholesale. Used when restoring a
// persisted snapshot.
func (t *Transcript) Replace(items []Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append([]Item(nil), items...)
}

func (t *Transcript) containsUserMessageLocked(text string) bool {
	for _, it := range t.items {
		if it.Kind == KindMessage && it.Role == RoleUser && it.Text == text {
			return true
		}
	}
	return false
}

func (t *Transcript) removeOutputLocked(callID string) {
	if callID == "" {
		return
	}
	kept := t.items[:0]
	for _, it := range t.items {
		if it.Kind == KindFunctionCallOutput && it.CallID == callID {
			continue
		}
		kept = append(kept, it)
	}
	t.items = kept
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TokenCount estimates how many tokens the transcript occupies. It uses
// the cl100k_base tokenizer when available and falls back to a chars/4
// estimate otherwise.
func (t *Transcript) TokenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, it := range t.items {
		total += EstimateTokenCount(it.Text)
		total += EstimateTokenCount(it.Arguments)
	}
	return total
}

// EstimateTokenCount returns a token estimate for the provided content.
func EstimateTokenCount(content string) int {
	if content == "" {
		return 0
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding != nil {
		return len(encoding.Encode(content, nil, nil))
	}
	return charsToTokens(len(content))
}

func charsToTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	tokens := chars / 4
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}
