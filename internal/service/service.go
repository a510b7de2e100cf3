// Package service defines the completion-service contract the turn
// controller depends on: submit one turn, consume an ordered stream of
// events until the turn completes. Adapters for the OpenAI Responses
// API and the Anthropic Messages API live alongside the contract.
package service

import (
	"context"

	"github.com/codefionn/agentloop/internal/conv"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// TurnRequest is one submitted turn.
type TurnRequest struct {
	Model        string
	Instructions string
	Input        []conv.Item
	Tools        []ToolSpec

	// Store asks the remote side to retain the turn so the next one can
	// reference it by id instead of resending the transcript.
	Store              bool
	PreviousResponseID string
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventItemDone carries one completed output item
	EventItemDone EventKind = iota
	// EventCompleted ends the turn with the authoritative output list
	EventCompleted
)

// Event is one unit read from a turn's stream.
type Event struct {
	Kind EventKind

	// Item is set for EventItemDone.
	Item conv.Item

	// FinalItems and ResponseID are set for EventCompleted. FinalItems
	// is authoritative and may repeat items already seen as ItemDone.
	FinalItems []conv.Item
	ResponseID string
}

// Stream yields the events of one submitted turn. Implementations must
// honor cancellation of the context the turn was submitted under.
type Stream interface {
	// Next advances to the next event, returning false at end of stream
	// or on error.
	Next() bool
	// Current returns the event Next advanced to.
	Current() Event
	// Err returns the terminal error, if any, once Next returned false.
	Err() error
	// Close releases the underlying transport.
	Close() error
}

// Service submits turns to a remote completion service.
type Service interface {
	Submit(ctx context.Context, req *TurnRequest) (Stream, error)

	// RetainsState reports whether the remote side persists conversation
	// state between turns. When false the controller resends its locally
	// reconstructed transcript on every turn.
	RetainsState() bool
}
