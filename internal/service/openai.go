package service

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/logger"
)

// OpenAIService submits turns through the OpenAI Responses API. With
// storage enabled the remote side retains turn state and the controller
// only sends deltas plus a previous-response id.
type OpenAIService struct {
	client *openai.Client
	model  string
	store  bool
	log    *logger.Logger
}

// NewOpenAIService constructs the adapter. store selects server-side
// conversation retention.
func NewOpenAIService(apiKey, model string, store bool) (*OpenAIService, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai service requires an API key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openai service requires a model")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIService{
		client: &client,
		model:  model,
		store:  store,
		log:    logger.Global().WithPrefix("openai"),
	}, nil
}

func (s *OpenAIService) RetainsState() bool {
	return s.store
}

// Submit opens a streaming response for one turn.
func (s *OpenAIService) Submit(ctx context.Context, req *TurnRequest) (Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("openai submit: nil request")
	}

	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	s.log.Debug("submitting turn: model=%s input_items=%d prev=%q", params.Model, len(req.Input), req.PreviousResponseID)
	raw := s.client.Responses.NewStreaming(ctx, params)
	return &openaiStream{raw: raw}, nil
}

func (s *OpenAIService) buildParams(req *TurnRequest) (responses.ResponseNewParams, error) {
	// A function_call_output is only valid when the request (or the
	// server-retained context) carries the function_call it answers.
	// Without storage the transcript drops call items, so their
	// outputs degrade to plain user text.
	calls := make(map[string]bool)
	for _, it := range req.Input {
		if it.Kind == conv.KindFunctionCall && it.CallID != "" {
			calls[it.CallID] = true
		}
	}

	input := make(responses.ResponseInputParam, 0, len(req.Input))
	for _, it := range req.Input {
		switch it.Kind {
		case conv.KindMessage:
			text := strings.TrimSpace(it.Text)
			if text == "" {
				continue
			}
			switch it.Role {
			case conv.RoleAssistant:
				input = append(input, responses.ResponseInputItemParamOfMessage(it.Text, responses.EasyInputMessageRoleAssistant))
			case conv.RoleSystem:
				input = append(input, responses.ResponseInputItemParamOfMessage(it.Text, responses.EasyInputMessageRoleSystem))
			default:
				input = append(input, responses.ResponseInputItemParamOfMessage(it.Text, responses.EasyInputMessageRoleUser))
			}
		case conv.KindFunctionCall:
			if it.CallID == "" || it.Name == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfFunctionCall(it.Arguments, it.CallID, it.Name))
		case conv.KindFunctionCallOutput:
			if it.CallID == "" {
				continue
			}
			// With a previous-response reference the paired call lives
			// in the server-retained context.
			if !calls[it.CallID] && req.PreviousResponseID == "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(fmt.Sprintf("tool result (%s): %s", it.CallID, it.Text), responses.EasyInputMessageRoleUser))
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(it.CallID, it.Text))
		default:
			// Reasoning traces and local diagnostics are never resent.
		}
	}

	if len(input) == 0 {
		return responses.ResponseNewParams{}, fmt.Errorf("openai submit: empty turn input")
	}

	model := req.Model
	if model == "" {
		model = s.model
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
		Store: openai.Bool(req.Store),
	}

	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

func convertTools(specs []ToolSpec) []responses.ToolUnionParam {
	result := make([]responses.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		variant := responses.ToolParamOfFunction(spec.Name, spec.Parameters, false)
		if spec.Description != "" && variant.OfFunction != nil {
			variant.OfFunction.Description = openai.String(spec.Description)
		}
		result = append(result, variant)
	}
	return result
}

type openaiStream struct {
	raw     *ssestream.Stream[responses.ResponseStreamEventUnion]
	current Event
	failErr error
}

func (s *openaiStream) Next() bool {
	if s.failErr != nil {
		return false
	}

	for s.raw.Next() {
		event := s.raw.Current()
		switch event.Type {
		case "response.output_item.done":
			item, ok := convertOutputItem(event.Item)
			if !ok {
				continue
			}
			s.current = Event{Kind: EventItemDone, Item: item}
			return true
		case "response.completed":
			s.current = Event{
				Kind:       EventCompleted,
				FinalItems: convertOutputItems(event.Response.Output),
				ResponseID: event.Response.ID,
			}
			return true
		case "response.failed":
			s.failErr = fmt.Errorf("response failed: %s", event.Response.Error.Message)
			return false
		default:
			continue
		}
	}
	return false
}

func (s *openaiStream) Current() Event {
	return s.current
}

func (s *openaiStream) Err() error {
	if s.failErr != nil {
		return s.failErr
	}
	return s.raw.Err()
}

func (s *openaiStream) Close() error {
	return s.raw.Close()
}

func convertOutputItems(items []responses.ResponseOutputItemUnion) []conv.Item {
	result := make([]conv.Item, 0, len(items))
	for _, raw := range items {
		if item, ok := convertOutputItem(raw); ok {
			result = append(result, item)
		}
	}
	return result
}

func convertOutputItem(raw responses.ResponseOutputItemUnion) (conv.Item, bool) {
	switch raw.Type {
	case "function_call":
		call := raw.AsFunctionCall()
		callID := call.CallID
		if callID == "" {
			callID = call.ID
		}
		return conv.Item{
			Kind:      conv.KindFunctionCall,
			Role:      conv.RoleAssistant,
			ID:        call.ID,
			CallID:    callID,
			Name:      call.Name,
			Arguments: call.Arguments,
		}, true
	case "message":
		msg := raw.AsMessage()
		var text strings.Builder
		for _, part := range msg.Content {
			if part.Type == "output_text" {
				text.WriteString(part.Text)
			}
		}
		return conv.Item{
			Kind: conv.KindMessage,
			Role: conv.RoleAssistant,
			ID:   msg.ID,
			Text: text.String(),
		}, true
	case "reasoning":
		return conv.Item{
			Kind: conv.KindReasoning,
			Role: conv.RoleAssistant,
			ID:   raw.ID,
		}, true
	default:
		return conv.Item{}, false
	}
}
