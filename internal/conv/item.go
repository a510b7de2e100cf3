// Package conv defines the conversation data model shared by the turn
// controller, the completion service adapters, and the tool dispatcher.
package conv

import (
	"strings"

	"github.com/google/uuid"
)

// Kind identifies what a conversation item carries.
type Kind string

const (
	// KindMessage is plain conversational content from a user or assistant
	KindMessage Kind = "message"
	// KindFunctionCall is a model-requested tool invocation
	KindFunctionCall Kind = "function_call"
	// KindFunctionCallOutput answers a function call
	KindFunctionCallOutput Kind = "function_call_output"
	// KindReasoning is an internal reasoning trace
	KindReasoning Kind = "reasoning"
	// KindSystemNote is a locally generated, user-visible diagnostic
	KindSystemNote Kind = "system_note"
)

// Role identifies the author of a conversation item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Item is one unit of conversation content. IDs are opaque; CallID
// correlates a function call with its eventual output.
type Item struct {
	Kind      Kind   `json:"kind"`
	Role      Role   `json:"role,omitempty"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Text      string `json:"text,omitempty"`
}

// IsFunctionCall reports whether the item requests a tool invocation.
func (it Item) IsFunctionCall() bool {
	return it.Kind == KindFunctionCall
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// UserMessage builds a user-authored message item.
func UserMessage(text string) Item {
	return Item{Kind: KindMessage, Role: RoleUser, ID: NewID(), Text: text}
}

// AssistantMessage builds an assistant-authored message item.
func AssistantMessage(text string) Item {
	return Item{Kind: KindMessage, Role: RoleAssistant, ID: NewID(), Text: text}
}

// SystemNote builds a locally generated diagnostic item.
func SystemNote(text string) Item {
	return Item{Kind: KindSystemNote, Role: RoleSystem, ID: NewID(), Text: text}
}

// FunctionCall builds a tool invocation request item.
func FunctionCall(callID, name, arguments string) Item {
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	return Item{Kind: KindFunctionCall, Role: RoleAssistant, ID: NewID(), CallID: callID, Name: name, Arguments: arguments}
}

// FunctionCallOutput builds the answer to a function call.
func FunctionCallOutput(callID, output string) Item {
	return Item{Kind: KindFunctionCallOutput, ID: NewID(), CallID: callID, Text: output}
}

// AbortedOutput builds the synthetic answer for a call that was cancelled
// before its real output could be produced. The remote side still expects
// an output for the call id, so one is fabricated.
func AbortedOutput(callID string) Item {
	return FunctionCallOutput(callID, "aborted")
}

// IsBlank reports whether the item carries no content at all.
func (it Item) IsBlank() bool {
	return strings.TrimSpace(it.Text) == "" &&
		strings.TrimSpace(it.Arguments) == "" &&
		it.Kind != KindFunctionCall
}
