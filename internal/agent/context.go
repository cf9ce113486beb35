package agent

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/llm"
)

const tutorPolicy = `You are a patient tutor. Guide the student to the answer step by step instead of giving it away.
When the student brings a new problem, call create_lesson_plan with short, ordered steps.
When the student has achieved the goal of the current step, call mark_step_complete and move on.
Ask one question at a time and keep answers concise. Use get_weather and web_search when they help.`

// SystemInstruction renders the tutoring policy with the current lesson state.
func SystemInstruction(lesson domain.LessonState) string {
	return tutorPolicy + "\n\n" + lesson.Describe()
}

// BuildContext assembles the model input for a new user turn: the system
// instruction, the last window stored messages and the new user message.
// The result depends only on its arguments.
func BuildContext(state *domain.SessionState, text string, attachments []domain.Attachment, window int) []llm.Message {
	history := state.RecentMessages(window)
	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: domain.RoleSystem, Content: SystemInstruction(state.LessonState)})
	for _, m := range history {
		out = append(out, expandMessage(m)...)
	}
	return append(out, userMessage(text, attachments))
}

// expandMessage re-expresses a stored message in model shape. An assistant
// message that made tool calls becomes the call request, one tool message
// per result and the final text.
func expandMessage(m domain.Message) []llm.Message {
	switch {
	case m.Role == domain.RoleUser:
		return []llm.Message{userMessage(m.Content, m.Attachments)}
	case m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0:
		out := make([]llm.Message, 0, len(m.ToolCalls)+2)
		out = append(out, llm.Message{Role: domain.RoleAssistant, ToolCalls: toolCallRequests(m.ToolCalls)})
		for _, tc := range m.ToolCalls {
			out = append(out, toolResultMessage(tc))
		}
		if m.Content != "" {
			out = append(out, llm.Message{Role: domain.RoleAssistant, Content: m.Content})
		}
		return out
	default:
		return []llm.Message{{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}}
	}
}

// userMessage combines text and image attachments. Without attachments the
// content is plain text.
func userMessage(text string, attachments []domain.Attachment) llm.Message {
	text = strings.TrimSpace(text)
	if len(attachments) == 0 {
		return llm.Message{Role: domain.RoleUser, Content: text}
	}
	parts := make([]llm.Part, 0, len(attachments)+1)
	if text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for _, a := range attachments {
		if a.Kind != domain.AttachmentKindImage {
			continue
		}
		parts = append(parts, llm.Part{Type: llm.PartImageURL, ImageURL: a.Data})
	}
	return llm.Message{Role: domain.RoleUser, Parts: parts}
}

func toolCallRequests(calls []domain.ToolCall) []llm.ToolCallRequest {
	out := make([]llm.ToolCallRequest, 0, len(calls))
	for _, tc := range calls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, llm.ToolCallRequest{ID: tc.ID, Name: tc.Name, Arguments: encodeJSON(args)})
	}
	return out
}

func toolResultMessage(tc domain.ToolCall) llm.Message {
	return llm.Message{Role: domain.RoleTool, Content: encodeJSON(tc.Result), ToolCallID: tc.ID}
}

// encodeJSON renders v for the model with map keys sorted.
func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unencodable tool result"}`
	}
	return string(data)
}
