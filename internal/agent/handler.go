package agent

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/shsh-tutor/internal/api"
	"github.com/ashureev/shsh-tutor/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size.
// Image attachments travel inline as data URLs.
const defaultMaxRequestBodySize = 10 << 20 // 10MB

// Client-facing error strings.
const (
	msgMissingMessage    = "Message required"
	msgInvalidModel      = "Invalid model"
	msgInvalidAttachment = "Invalid attachment"
	msgInvalidBody       = "Invalid request body"
	msgBodyTooLarge      = "Request body too large"
	msgSessionBusy       = "Session is busy"
	msgRateLimited       = "Rate limit exceeded"
	msgInvalidSession    = "Invalid session id"
	msgProcessingError   = "Failed to process message"
)

// HandlerConfig configures the HTTP transport.
type HandlerConfig struct {
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxRequestBodySize int64
	// AllowedOrigins are the WebSocket origin patterns. Empty allows only
	// same-origin upgrades.
	AllowedOrigins []string
}

// Handler serves the chat API.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         HandlerConfig
}

// NewHandler creates the chat handler.
func NewHandler(svc *Service, conversationLogger ConversationLogger, cfg HandlerConfig) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		log:         conversationLogger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/tools", h.HandleTools)
	r.Route("/api/chat/{sessionID}", func(r chi.Router) {
		r.Use(requireSessionID)
		r.Get("/messages", h.HandleMessages)
		r.Post("/chat", h.HandleChat)
		r.Delete("/clear", h.HandleClear)
		r.Post("/model", h.HandleModel)
		r.Get("/ws", h.HandleWebSocket)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Close()
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

func requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identity.ValidSessionID(chi.URLParam(r, "sessionID")) {
			api.Error(w, http.StatusBadRequest, msgInvalidSession)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorResponse maps orchestrator errors to a status and client message.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingMessage):
		return http.StatusBadRequest, msgMissingMessage
	case errors.Is(err, ErrInvalidModel):
		return http.StatusBadRequest, msgInvalidModel
	case errors.Is(err, ErrInvalidAttachment):
		return http.StatusBadRequest, msgInvalidAttachment
	case errors.Is(err, ErrSessionBusy):
		return http.StatusConflict, msgSessionBusy
	default:
		return http.StatusInternalServerError, msgProcessingError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorResponse(err)
	api.Error(w, status, msg)
}

// rateKey is the anonymous user id, or the client IP outside the identity
// middleware.
func rateKey(r *http.Request) string {
	if id := identity.UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return identity.IPFromRequest(r)
}

// decodeBody decodes a JSON request body, reporting the failure itself.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return false
		}
		api.Error(w, http.StatusBadRequest, msgInvalidBody)
		return false
	}
	return true
}

// HandleTools handles GET /api/tools.
func (h *Handler) HandleTools(w http.ResponseWriter, r *http.Request) {
	api.Success(w, h.svc.Tools(r.Context()))
}

// HandleMessages handles GET /api/chat/{sessionID}/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		slog.Error("failed to load session", "error", err)
		api.Error(w, http.StatusInternalServerError, api.MsgInternalError)
		return
	}
	api.Success(w, state)
}

// HandleClear handles DELETE /api/chat/{sessionID}/clear.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.ClearSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, state)
}

// HandleModel handles POST /api/chat/{sessionID}/model.
func (h *Handler) HandleModel(w http.ResponseWriter, r *http.Request) {
	var req ModelRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	state, err := h.svc.SetModel(r.Context(), chi.URLParam(r, "sessionID"), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, state)
}

// HandleChat handles POST /api/chat/{sessionID}/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := identity.UserIDFromContext(r.Context())

	if !h.rateLimiter.Allow(rateKey(r)) {
		api.Error(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	var req TurnRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"stream", req.Stream,
	)

	if !req.Stream {
		h.logUserMessage(userID, sessionID, "chat_http", req.Message, reqID)
		state, err := h.svc.SubmitTurn(r.Context(), sessionID, req)
		if err != nil {
			writeError(w, err)
			return
		}
		last := state.Messages[len(state.Messages)-1]
		h.logAssistantMessage(userID, sessionID, "chat_http", last.Content, 0, false, "", reqID)
		api.Success(w, state)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, api.MsgInternalError)
		return
	}

	h.logUserMessage(userID, sessionID, "chat_stream", req.Message, reqID)
	fragments, err := h.svc.StreamTurn(r.Context(), sessionID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var assistantContent strings.Builder
	streamChunks := 0
	partial := false
	streamErrMsg := ""

	for fragment, err := range fragments {
		if err != nil {
			partial = true
			streamErrMsg = err.Error()
			slog.Error("chat stream failed", "session_id", sessionID, "error", err)
			if _, writeErr := io.WriteString(w, StreamErrorNotice); writeErr != nil {
				slog.Warn("failed to write stream error notice", "error", writeErr)
			}
			flusher.Flush()
			break
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			partial = true
			streamErrMsg = err.Error()
			slog.Warn("client went away mid-stream", "session_id", sessionID, "error", err)
			break
		}
		flusher.Flush()
		streamChunks++
		assistantContent.WriteString(fragment)
	}
	h.logAssistantMessage(userID, sessionID, "chat_stream", assistantContent.String(), streamChunks, partial, streamErrMsg, reqID)
}

func (h *Handler) logUserMessage(userID, sessionID, channel, content, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"request_id": requestID,
		},
	})
}

func (h *Handler) logAssistantMessage(userID, sessionID, channel, content string, streamChunks int, partial bool, streamErrMsg, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"stream_chunks": streamChunks,
			"partial":       partial,
			"stream_error":  streamErrMsg,
			"request_id":    requestID,
		},
	})
}
