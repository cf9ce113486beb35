// Package domain contains core domain types for the tutoring backend.
package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// AttachmentKindImage is the only attachment kind accepted on a turn.
const AttachmentKindImage = "image"

// Attachment is a non-text payload sent alongside a user message.
type Attachment struct {
	Kind string `json:"kind"`
	// Data is a base64 data URL (data:image/png;base64,...).
	Data string `json:"data"`
}

// ToolCall records one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
}

// Message is one entry of a session's conversation log.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolCallID  string       `json:"toolCallId,omitempty"`
}

// NewMessage creates a message with a fresh id stamped at now.
func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now.UnixMilli(),
	}
}

// SessionState is the durable per-session state.
type SessionState struct {
	SessionID   string      `json:"sessionId"`
	Messages    []Message   `json:"messages"`
	LessonState LessonState `json:"lessonState"`
	Model       string      `json:"model"`
	Processing  bool        `json:"processing"`
	UpdatedAt   time.Time   `json:"-"`
}

// NewSessionState returns the initial state for a session id.
func NewSessionState(sessionID, model string) *SessionState {
	return &SessionState{
		SessionID:   sessionID,
		Messages:    []Message{},
		LessonState: LessonState{Plan: []LessonStep{}},
		Model:       model,
	}
}

// Reset returns the initial state for the same session id. The selected model
// falls back to defaultModel.
func (s *SessionState) Reset(defaultModel string) *SessionState {
	return NewSessionState(s.SessionID, defaultModel)
}

// Clone returns a copy that shares no slices with s.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	c.LessonState = s.LessonState.clone()
	return &c
}

// WithMessage returns a copy of s with msg appended to the log.
func (s *SessionState) WithMessage(msg Message) *SessionState {
	c := s.Clone()
	c.Messages = append(c.Messages, msg)
	return c
}

// RecentMessages returns the last n messages of the log.
func (s *SessionState) RecentMessages(n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
