package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/logger"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicService submits turns through the Anthropic Messages API.
// Anthropic does not retain conversation state between turns, so the
// controller resends its transcript on every submission.
type AnthropicService struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *logger.Logger
}

// NewAnthropicService constructs the adapter.
func NewAnthropicService(apiKey, model string) (*AnthropicService, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic service requires an API key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("anthropic service requires a model")
	}

	return &AnthropicService{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: anthropicDefaultMaxTokens,
		log:       logger.Global().WithPrefix("anthropic"),
	}, nil
}

func (s *AnthropicService) RetainsState() bool {
	return false
}

// Submit opens a streaming message for one turn.
func (s *AnthropicService) Submit(ctx context.Context, req *TurnRequest) (Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("anthropic submit: nil request")
	}

	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	s.log.Debug("submitting turn: model=%s input_items=%d", params.Model, len(req.Input))
	raw := s.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{raw: raw}, nil
}

func (s *AnthropicService) buildParams(req *TurnRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}

	systemBlocks, messages, err := convertAnthropicInput(req.Instructions, req.Input)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic submit: empty turn input")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: s.maxTokens,
		Messages:  messages,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

// convertAnthropicInput folds conversation items into alternating
// user/assistant messages, merging consecutive blocks of the same role.
func convertAnthropicInput(instructions string, items []conv.Item) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	systemBlocks := make([]anthropic.TextBlockParam, 0, 1)
	if sys := strings.TrimSpace(instructions); sys != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: sys})
	}

	// tool_result blocks are only valid when the request also carries
	// the tool_use they answer. Outputs whose call is absent (synthetic
	// aborts for calls folded out of the transcript) degrade to text.
	calls := make(map[string]bool)
	for _, it := range items {
		if it.Kind == conv.KindFunctionCall && it.CallID != "" {
			calls[it.CallID] = true
		}
	}

	var messages []anthropic.MessageParam
	var pendingRole anthropic.MessageParamRole
	var pendingBlocks []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingBlocks) == 0 {
			return
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    pendingRole,
			Content: pendingBlocks,
		})
		pendingBlocks = nil
	}
	add := func(role anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if len(pendingBlocks) > 0 && pendingRole != role {
			flush()
		}
		pendingRole = role
		pendingBlocks = append(pendingBlocks, block)
	}

	for _, it := range items {
		switch it.Kind {
		case conv.KindMessage:
			text := strings.TrimSpace(it.Text)
			if text == "" {
				continue
			}
			switch it.Role {
			case conv.RoleAssistant:
				add(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(it.Text))
			case conv.RoleSystem:
				systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: it.Text})
			default:
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(it.Text))
			}
		case conv.KindFunctionCall:
			if it.CallID == "" || it.Name == "" {
				continue
			}
			var input interface{}
			if err := json.Unmarshal([]byte(it.Arguments), &input); err != nil {
				input = map[string]interface{}{}
			}
			add(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(it.CallID, input, it.Name))
		case conv.KindFunctionCallOutput:
			if it.CallID == "" {
				continue
			}
			if !calls[it.CallID] {
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(fmt.Sprintf("tool result (%s): %s", it.CallID, it.Text)))
				continue
			}
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(it.CallID, it.Text, false))
		default:
			// Reasoning traces and local diagnostics are never resent.
		}
	}
	flush()

	return systemBlocks, messages, nil
}

func convertAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		tool := anthropic.ToolParam{
			Name: spec.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.Parameters["properties"],
			},
		}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

type anthropicStream struct {
	raw     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc     anthropic.Message
	queue   []Event
	current Event
	err     error
}

func (s *anthropicStream) Next() bool {
	if s.err != nil {
		return false
	}

	for {
		if len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}

		if !s.raw.Next() {
			return false
		}

		event := s.raw.Current()
		if err := s.acc.Accumulate(event); err != nil {
			s.err = fmt.Errorf("accumulating stream event: %w", err)
			return false
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStopEvent:
			idx := int(ev.Index)
			if idx < 0 || idx >= len(s.acc.Content) {
				continue
			}
			if item, ok := convertAnthropicBlock(s.acc.ID, idx, s.acc.Content[idx]); ok {
				s.queue = append(s.queue, Event{Kind: EventItemDone, Item: item})
			}
		case anthropic.MessageStopEvent:
			final := make([]conv.Item, 0, len(s.acc.Content))
			for i, block := range s.acc.Content {
				if item, ok := convertAnthropicBlock(s.acc.ID, i, block); ok {
					final = append(final, item)
				}
			}
			s.queue = append(s.queue, Event{Kind: EventCompleted, FinalItems: final})
		}
	}
}

func (s *anthropicStream) Current() Event {
	return s.current
}

func (s *anthropicStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.raw.Err()
}

func (s *anthropicStream) Close() error {
	return s.raw.Close()
}

// convertAnthropicBlock maps one accumulated content block to a
// conversation item. Item ids are derived from the message id and
// block index so the re-conversion at message_stop produces the same
// ids as the per-block emission, keeping re-emission idempotent.
func convertAnthropicBlock(msgID string, idx int, block anthropic.ContentBlockUnion) (conv.Item, bool) {
	blockID := fmt.Sprintf("%s_%d", msgID, idx)
	switch b := block.AsAny().(type) {
	case anthropic.TextBlock:
		if strings.TrimSpace(b.Text) == "" {
			return conv.Item{}, false
		}
		return conv.Item{
			Kind: conv.KindMessage,
			Role: conv.RoleAssistant,
			ID:   blockID,
			Text: b.Text,
		}, true
	case anthropic.ToolUseBlock:
		return conv.Item{
			Kind:      conv.KindFunctionCall,
			Role:      conv.RoleAssistant,
			ID:        blockID,
			CallID:    b.ID,
			Name:      b.Name,
			Arguments: string(b.Input),
		}, true
	case anthropic.ThinkingBlock:
		return conv.Item{
			Kind: conv.KindReasoning,
			Role: conv.RoleAssistant,
			ID:   blockID,
			Text: b.Thinking,
		}, true
	default:
		return conv.Item{}, false
	}
}
