package service

import (
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentloop/internal/conv"
)

func TestConvertAnthropicInputMergesRoles(t *testing.T) {
	items := []conv.Item{
		conv.UserMessage("question"),
		{Kind: conv.KindFunctionCallOutput, CallID: "call_1", Text: "aborted"},
		conv.AssistantMessage("answer"),
		conv.FunctionCall("call_2", "shell", `{"command":["ls"]}`),
	}

	system, messages, err := convertAnthropicInput("be helpful", items)
	require.NoError(t, err)

	require.Len(t, system, 1)
	assert.Equal(t, "be helpful", system[0].Text)

	// user text + tool result merge into one user message, then the
	// assistant text + tool use merge into one assistant message.
	require.Len(t, messages, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	assert.Len(t, messages[0].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	assert.Len(t, messages[1].Content, 2)
}

func TestConvertAnthropicInputSkipsLocalKinds(t *testing.T) {
	items := []conv.Item{
		conv.SystemNote("diagnostic"),
		{Kind: conv.KindReasoning, Role: conv.RoleAssistant, Text: "thinking"},
		conv.UserMessage("hello"),
	}

	_, messages, err := convertAnthropicInput("", items)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
}

func TestConvertAnthropicToolsCarriesSchema(t *testing.T) {
	specs := []ToolSpec{
		{
			Name:        "shell",
			Description: "Run a command",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "array"},
				},
			},
		},
		{Name: ""},
	}

	tools := convertAnthropicTools(specs)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "shell", tools[0].OfTool.Name)
	assert.NotNil(t, tools[0].OfTool.InputSchema.Properties)
}

func TestConvertToolsSkipsUnnamed(t *testing.T) {
	tools := convertTools([]ToolSpec{{Name: "update_plan"}, {Name: ""}})
	assert.Len(t, tools, 1)
}

func TestOpenAIBuildParamsRejectsEmptyInput(t *testing.T) {
	s := &OpenAIService{model: "gpt-5.1"}
	_, err := s.buildParams(&TurnRequest{
		Input: []conv.Item{conv.SystemNote("local only")},
	})
	assert.Error(t, err)
}

func TestOpenAIBuildParamsCarriesPersistence(t *testing.T) {
	s := &OpenAIService{model: "gpt-5.1"}
	params, err := s.buildParams(&TurnRequest{
		Input:              []conv.Item{conv.UserMessage("hi")},
		Store:              true,
		PreviousResponseID: "resp_123",
	})
	require.NoError(t, err)
	assert.True(t, params.Store.Value)
	assert.Equal(t, "resp_123", params.PreviousResponseID.Value)
}

func TestConvertAnthropicInputDegradesOrphanOutputs(t *testing.T) {
	items := []conv.Item{
		conv.FunctionCall("call_1", "shell", `{"command":["ls"]}`),
		conv.FunctionCallOutput("call_1", "listing"),
		conv.FunctionCallOutput("call_9", "aborted"),
	}

	_, messages, err := convertAnthropicInput("", items)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// The paired output stays a tool_result; the output whose call is
	// not in the request becomes plain text.
	require.Len(t, messages[1].Content, 2)
	assert.NotNil(t, messages[1].Content[0].OfToolResult)
	require.NotNil(t, messages[1].Content[1].OfText)
	assert.Contains(t, messages[1].Content[1].OfText.Text, "call_9")
	assert.Contains(t, messages[1].Content[1].OfText.Text, "aborted")
}

func TestOpenAIBuildParamsDegradesOrphanOutputs(t *testing.T) {
	s := &OpenAIService{model: "gpt-5.1"}
	params, err := s.buildParams(&TurnRequest{
		Input: []conv.Item{conv.FunctionCallOutput("call_9", "aborted")},
	})
	require.NoError(t, err)

	input := params.Input.OfInputItemList
	require.Len(t, input, 1)
	assert.Nil(t, input[0].OfFunctionCallOutput)
	require.NotNil(t, input[0].OfMessage)
}

func TestOpenAIBuildParamsKeepsOutputsWithPriorReference(t *testing.T) {
	s := &OpenAIService{model: "gpt-5.1"}
	params, err := s.buildParams(&TurnRequest{
		Input:              []conv.Item{conv.FunctionCallOutput("call_9", "aborted")},
		PreviousResponseID: "resp_1",
	})
	require.NoError(t, err)

	// The paired call lives in the server-retained context.
	input := params.Input.OfInputItemList
	require.Len(t, input, 1)
	require.NotNil(t, input[0].OfFunctionCallOutput)
}
