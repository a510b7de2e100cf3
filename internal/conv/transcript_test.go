package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptFiltersKinds(t *testing.T) {
	tr := NewTranscript()

	tr.Append(
		UserMessage("hello"),
		Item{Kind: KindReasoning, Role: RoleAssistant, Text: "thinking..."},
		FunctionCall("call_1", "shell", `{"command":["ls"]}`),
		FunctionCallOutput("call_1", "ok"),
		SystemNote("rate limited"),
		AssistantMessage("done"),
	)

	items := tr.Items()
	require.Len(t, items, 3)
	assert.Equal(t, KindMessage, items[0].Kind)
	assert.Equal(t, RoleUser, items[0].Role)
	assert.Equal(t, KindFunctionCallOutput, items[1].Kind)
	assert.Equal(t, KindMessage, items[2].Kind)
	assert.Equal(t, RoleAssistant, items[2].Role)
}

func TestTranscriptTwoExchanges(t *testing.T) {
	tr := NewTranscript()

	// First exchange.
	tr.Append(UserMessage("first question"))
	tr.Append(
		Item{Kind: KindReasoning, Role: RoleAssistant, Text: "hmm"},
		AssistantMessage("first answer"),
	)

	// Second exchange, the loop re-folds the user message when it
	// recomputes input from the transcript.
	tr.Append(UserMessage("second question"))
	tr.Append(UserMessage("second question")) // duplicate fold
	tr.Append(AssistantMessage("second answer"))

	items := tr.Items()
	require.Len(t, items, 4)
	assert.Equal(t, "first question", items[0].Text)
	assert.Equal(t, "first answer", items[1].Text)
	assert.Equal(t, "second question", items[2].Text)
	assert.Equal(t, "second answer", items[3].Text)
}

func TestTranscriptSupersededOutput(t *testing.T) {
	tr := NewTranscript()

	tr.Append(FunctionCallOutput("call_9", "stale"))
	tr.Append(FunctionCallOutput("call_9", "fresh"))

	items := tr.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].Text)
}

func TestTranscriptSkipsEmptyMessages(t *testing.T) {
	tr := NewTranscript()
	tr.Append(AssistantMessage("   "))
	assert.Equal(t, 0, tr.Len())
}

func TestTranscriptReplaceAndReset(t *testing.T) {
	tr := NewTranscript()
	tr.Replace([]Item{UserMessage("restored")})
	require.Equal(t, 1, tr.Len())

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
}

func TestTokenCountNonZero(t *testing.T) {
	tr := NewTranscript()
	tr.Append(UserMessage("some words that take up tokens"))
	assert.Greater(t, tr.TokenCount(), 0)
}

func TestPendingAbortsDrainOrder(t *testing.T) {
	p := NewPendingAborts()
	p.Add("call_a")
	p.Add("call_b")
	p.Add("call_a") // duplicate ignored
	require.Equal(t, 2, p.Len())

	items := p.Drain()
	require.Len(t, items, 2)
	assert.Equal(t, "call_a", items[0].CallID)
	assert.Equal(t, "call_b", items[1].CallID)
	assert.Equal(t, "aborted", items[0].Text)

	assert.Equal(t, 0, p.Len())
	assert.Nil(t, p.Drain())
}

func TestPendingAbortsRemove(t *testing.T) {
	p := NewPendingAborts()
	p.Add("call_a")
	p.Add("call_b")
	p.Remove("call_a")

	items := p.Drain()
	require.Len(t, items, 1)
	assert.Equal(t, "call_b", items[0].CallID)
}
