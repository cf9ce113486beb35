package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// LessonAck acknowledges a lesson tool call. The lesson state itself is
// updated by the agent once the call's result is known.
type LessonAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateLessonPlanTool validates a new lesson plan.
type CreateLessonPlanTool struct{}

// Definition implements Tool.
func (CreateLessonPlanTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name: domain.ToolCreateLessonPlan,
		Description: "Create a step-by-step lesson plan for the student's problem. " +
			"Replaces any existing plan. Call this before teaching a new problem.",
		Parameters: domain.ObjectSchema(map[string]any{
			"steps": map[string]any{
				"type":        "array",
				"description": "Ordered lesson steps",
				"items": domain.ObjectSchema(map[string]any{
					"title": map[string]any{"type": "string", "description": "Short step title"},
					"goal":  map[string]any{"type": "string", "description": "What the student should achieve"},
				}, "title", "goal"),
			},
		}, "steps"),
	}
}

// Execute implements Tool.
func (CreateLessonPlanTool) Execute(_ context.Context, args map[string]any) (any, error) {
	steps, err := domain.ParseSteps(args)
	if err != nil {
		return nil, err
	}
	for i, s := range steps {
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("step %d: title is required", i+1)
		}
	}
	if len(steps) == 0 {
		return LessonAck{Success: true, Message: "Lesson plan cleared."}, nil
	}
	return LessonAck{
		Success: true,
		Message: fmt.Sprintf("Lesson plan created with %d steps. Current step: %s", len(steps), steps[0].Title),
	}, nil
}

// MarkStepCompleteTool acknowledges completion of the active step.
type MarkStepCompleteTool struct{}

// Definition implements Tool.
func (MarkStepCompleteTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        domain.ToolMarkStepComplete,
		Description: "Mark the current lesson step as completed once the student has achieved its goal.",
		Parameters: domain.ObjectSchema(map[string]any{
			"feedback": map[string]any{"type": "string", "description": "Optional feedback for the student"},
		}),
	}
}

// Execute implements Tool.
func (MarkStepCompleteTool) Execute(_ context.Context, args map[string]any) (any, error) {
	if v, ok := args["feedback"]; ok && v != nil {
		if _, isString := v.(string); !isString {
			return nil, errors.New("feedback must be a string")
		}
	}
	return LessonAck{Success: true, Message: "Step marked as complete."}, nil
}

// Builtins returns every built-in tool in advertised order.
func Builtins(search WebSearchOptions) []Tool {
	return []Tool{
		NewWeatherTool(nil),
		NewWebSearchTool(search),
		CreateLessonPlanTool{},
		MarkStepCompleteTool{},
	}
}
