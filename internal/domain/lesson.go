package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Lesson tool names. Calls to these tools mutate the lesson state.
const (
	ToolCreateLessonPlan = "create_lesson_plan"
	ToolMarkStepComplete = "mark_step_complete"
)

// StepStatus is the progress of a single lesson step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
)

// LessonStep is one pedagogical step of a lesson plan.
type LessonStep struct {
	Title  string     `json:"title"`
	Goal   string     `json:"goal"`
	Status StepStatus `json:"status"`
}

// StepInput is the model-supplied shape of a step in create_lesson_plan.
type StepInput struct {
	Title string `json:"title"`
	Goal  string `json:"goal"`
}

// LessonState tracks an ordered plan and the cursor of the active step.
//
// LessonState is a value: every transition returns a new state and never
// writes through the receiver's plan slice.
type LessonState struct {
	Plan             []LessonStep `json:"plan"`
	CurrentStepIndex int          `json:"currentStepIndex"`
	Initialized      bool         `json:"initialized"`
}

func (l LessonState) clone() LessonState {
	l.Plan = slices.Clone(l.Plan)
	if l.Plan == nil {
		l.Plan = []LessonStep{}
	}
	return l
}

// CreatePlan replaces the plan with steps, all pending, and activates the
// first one. Re-planning discards the previous plan entirely.
func (l LessonState) CreatePlan(steps []StepInput) LessonState {
	next := LessonState{
		Plan:        make([]LessonStep, 0, len(steps)),
		Initialized: l.Initialized,
	}
	for _, s := range steps {
		next.Plan = append(next.Plan, LessonStep{Title: s.Title, Goal: s.Goal, Status: StepPending})
	}
	if len(next.Plan) > 0 {
		next.Plan[0].Status = StepActive
		next.CurrentStepIndex = 0
		next.Initialized = true
	}
	return next
}

// CompleteStep completes the active step and activates the following one.
// Past the end of the plan it is a no-op.
func (l LessonState) CompleteStep() LessonState {
	if l.CurrentStepIndex < 0 || l.CurrentStepIndex >= len(l.Plan) {
		return l
	}
	next := l.clone()
	next.Plan[next.CurrentStepIndex].Status = StepCompleted
	next.CurrentStepIndex++
	if next.CurrentStepIndex < len(next.Plan) {
		next.Plan[next.CurrentStepIndex].Status = StepActive
	}
	return next
}

// Current returns the active step, if any.
func (l LessonState) Current() (LessonStep, bool) {
	if l.CurrentStepIndex < 0 || l.CurrentStepIndex >= len(l.Plan) {
		return LessonStep{}, false
	}
	return l.Plan[l.CurrentStepIndex], true
}

// Completed reports whether an initialized plan has no steps left.
func (l LessonState) Completed() bool {
	return l.Initialized && l.CurrentStepIndex >= len(l.Plan)
}

// Apply folds a single tool call into the lesson state. Calls to other tools
// and calls whose result is an error payload leave the state unchanged.
func (l LessonState) Apply(call ToolCall) LessonState {
	if IsErrorResult(call.Result) {
		return l
	}
	switch call.Name {
	case ToolCreateLessonPlan:
		steps, err := ParseSteps(call.Arguments)
		if err != nil {
			return l
		}
		return l.CreatePlan(steps)
	case ToolMarkStepComplete:
		return l.CompleteStep()
	default:
		return l
	}
}

// Fold applies calls strictly in the given order.
func (l LessonState) Fold(calls []ToolCall) LessonState {
	for _, c := range calls {
		l = l.Apply(c)
	}
	return l
}

// Describe renders the lesson progress for the system instruction.
func (l LessonState) Describe() string {
	if !l.Initialized || len(l.Plan) == 0 {
		return "No lesson plan yet."
	}
	var b strings.Builder
	if l.Completed() {
		fmt.Fprintf(&b, "Lesson progress: all %d steps completed.\n", len(l.Plan))
	} else if step, ok := l.Current(); ok {
		fmt.Fprintf(&b, "Lesson progress: step %d of %d, goal: %s\n", l.CurrentStepIndex+1, len(l.Plan), step.Goal)
	}
	b.WriteString("Plan:\n")
	for i, s := range l.Plan {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, s.Status, s.Title, s.Goal)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseSteps extracts the steps argument of create_lesson_plan.
func ParseSteps(args map[string]any) ([]StepInput, error) {
	raw, ok := args["steps"]
	if !ok {
		return nil, fmt.Errorf("steps is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	var steps []StepInput
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("steps must be a list of {title, goal}: %w", err)
	}
	return steps, nil
}

// IsErrorResult reports whether a tool result is a structured error payload.
func IsErrorResult(result any) bool {
	switch r := result.(type) {
	case ErrorResult:
		return true
	case *ErrorResult:
		return r != nil
	case map[string]any:
		_, ok := r["error"]
		return ok
	default:
		return false
	}
}

// ErrorResult is the structured payload of a failed tool call.
type ErrorResult struct {
	Error string `json:"error"`
}
