// Package llm defines the model provider used by the tutoring agent and an
// adapter for OpenAI-compatible chat completion gateways.
package llm

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// ErrProvider wraps every failure talking to the model provider.
var ErrProvider = errors.New("model provider error")

// ToolChoice controls whether the model may request tools.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// PartType identifies a content block of a multi-part message.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// Part is one typed content block.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// ToolCallRequest is a tool invocation as exchanged with the model. Arguments
// is the raw JSON text produced by the model.
type ToolCallRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a message in the model's expected shape. Either Content or
// Parts carries the body, never both.
type Message struct {
	Role       domain.Role       `json:"role"`
	Content    string            `json:"content,omitempty"`
	Parts      []Part            `json:"parts,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// Request is a single model call.
type Request struct {
	Model      string
	Messages   []Message
	Tools      []domain.ToolDefinition
	ToolChoice ToolChoice
	MaxTokens  int
}

// Completion is a complete buffered model response.
type Completion struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// ToolCallDelta is a fragment of a tool call in a streamed response.
// Fragments with the same Index belong to the same call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one incremental piece of a streamed response.
type Chunk struct {
	Content   string
	ToolCalls []ToolCallDelta
}

// Provider is the language-model backend.
type Provider interface {
	// Complete returns one buffered response.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream returns the response as a lazy, finite sequence of chunks. A
	// non-nil error is always the last element. Stopping the iteration
	// releases the underlying connection.
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}
