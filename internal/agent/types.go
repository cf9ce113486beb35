// Package agent implements the tutoring agent: context assembly, the
// model/tool turn loop and its HTTP and WebSocket transports.
package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

var (
	// ErrMissingMessage rejects a turn with neither text nor attachments.
	ErrMissingMessage = errors.New("message required")
	// ErrInvalidAttachment rejects a turn carrying an unsupported attachment.
	ErrInvalidAttachment = errors.New("invalid attachment")
	// ErrInvalidModel rejects an empty or disallowed model identifier.
	ErrInvalidModel = errors.New("invalid model")
	// ErrSessionBusy rejects a request while a turn is active on the session.
	ErrSessionBusy = errors.New("session is processing another request")
	// ErrStreamConsumed is yielded when a turn stream is iterated twice.
	ErrStreamConsumed = errors.New("turn stream already consumed")
)

// TurnRequest is one user turn.
type TurnRequest struct {
	Message     string              `json:"message"`
	Model       string              `json:"model,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// ModelRequest selects the model of a session.
type ModelRequest struct {
	Model string `json:"model"`
}

const (
	// FallbackResponse is committed when a buffered turn ends without text.
	FallbackResponse = "I apologize, but I encountered an issue."
	// StreamErrorNotice is appended to a stream that fails mid-turn.
	StreamErrorNotice = "Sorry, I encountered an error processing your request."
)

// Config holds orchestrator settings.
type Config struct {
	DefaultModel  string
	AllowedModels []string
	MaxTokens     int
	HistoryWindow int
	MaxToolRounds int
	// ToolTimeout bounds each round of tool execution. Tools keep running
	// after the caller goes away, but never past this deadline.
	ToolTimeout time.Duration
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultModel:  "google-ai-studio/gemini-2.5-flash",
		MaxTokens:     16000,
		HistoryWindow: 12,
		MaxToolRounds: 5,
		ToolTimeout:   60 * time.Second,
	}
}

func (c Config) modelAllowed(model string) bool {
	if strings.TrimSpace(model) == "" {
		return false
	}
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func validateTurn(cfg Config, req TurnRequest) error {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return ErrMissingMessage
	}
	for _, a := range req.Attachments {
		if a.Kind != domain.AttachmentKindImage || !strings.HasPrefix(a.Data, "data:image/") ||
			!strings.Contains(a.Data, ";base64,") {
			return ErrInvalidAttachment
		}
	}
	if req.Model != "" && !cfg.modelAllowed(req.Model) {
		return ErrInvalidModel
	}
	return nil
}
