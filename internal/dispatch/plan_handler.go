package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/service"
)

type planArgs struct {
	Explanation string     `json:"explanation,omitempty"`
	Plan        []planStep `json:"plan"`
}

type planStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// PlanHandler implements the "update_plan" tool: it renders the step
// list as a user-visible note and acknowledges the call.
type PlanHandler struct{}

// NewPlanHandler returns the handler.
func NewPlanHandler() *PlanHandler {
	return &PlanHandler{}
}

func (h *PlanHandler) Spec() service.ToolSpec {
	return service.ToolSpec{
		Name:        "update_plan",
		Description: "Updates the visible task plan.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"explanation": map[string]interface{}{"type": "string"},
				"plan": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"step":   map[string]interface{}{"type": "string"},
							"status": map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						},
						"required": []string{"step", "status"},
					},
				},
			},
			"required": []string{"plan"},
		},
	}
}

func (h *PlanHandler) Handle(_ context.Context, call conv.Item) Result {
	var args planArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return Result{Output: conv.FunctionCallOutput(call.CallID, "invalid arguments: "+err.Error())}
	}
	if len(args.Plan) == 0 {
		return Result{Output: conv.FunctionCallOutput(call.CallID, "invalid arguments: plan must be a non-empty array")}
	}

	return Result{
		Output: conv.FunctionCallOutput(call.CallID, "ok"),
		Extras: []conv.Item{conv.SystemNote(renderPlan(args))},
	}
}

func renderPlan(args planArgs) string {
	var b strings.Builder
	b.WriteString("plan:\n")
	if args.Explanation != "" {
		b.WriteString(args.Explanation)
		b.WriteByte('\n')
	}
	for _, step := range args.Plan {
		marker := "[ ]"
		switch step.Status {
		case "in_progress":
			marker = "[~]"
		case "completed":
			marker = "[x]"
		}
		b.WriteString(marker)
		b.WriteByte(' ')
		b.WriteString(step.Step)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
