package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is a client frame.
type wsInbound struct {
	Type string `json:"type"`
	TurnRequest
}

// wsOutbound is a server frame.
type wsOutbound struct {
	Type    string               `json:"type"`
	Content string               `json:"content,omitempty"`
	Data    *domain.SessionState `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// HandleWebSocket handles GET /api/chat/{sessionID}/ws. Each "chat" frame
// runs one streamed turn; fragments are sent as "chunk" frames followed by
// a "done" frame carrying the committed state.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := identity.UserIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	slog.Info("chat websocket connected", "user_id", userID, "session_id", sessionID)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("chat websocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("chat websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			if !h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: msgInvalidBody}) {
				return
			}
			continue
		}

		switch msg.Type {
		case "ping":
			if !h.writeFrame(ctx, ws, wsOutbound{Type: "pong"}) {
				return
			}
		case "chat":
			if !h.rateLimiter.Allow(rateKey(r)) {
				if !h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: msgRateLimited}) {
					return
				}
				continue
			}
			if !h.streamOverWebSocket(ctx, ws, userID, sessionID, msg.TurnRequest) {
				return
			}
		default:
			if !h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "unknown message type"}) {
				return
			}
		}
	}
}

// streamOverWebSocket runs one turn. It reports false when the connection is
// no longer writable.
func (h *Handler) streamOverWebSocket(ctx context.Context, ws *websocket.Conn, userID, sessionID string, req TurnRequest) bool {
	// A failed write abandons the turn through this context.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.logUserMessage(userID, sessionID, "chat_ws", req.Message, "")
	fragments, err := h.svc.StreamTurn(turnCtx, sessionID, req)
	if err != nil {
		_, msg := errorResponse(err)
		return h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: msg})
	}

	var content strings.Builder
	chunks := 0
	for fragment, err := range fragments {
		if err != nil {
			slog.Error("chat websocket turn failed", "session_id", sessionID, "error", err)
			h.logAssistantMessage(userID, sessionID, "chat_ws", content.String(), chunks, true, err.Error(), "")
			return h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: StreamErrorNotice})
		}
		if !h.writeFrame(turnCtx, ws, wsOutbound{Type: "chunk", Content: fragment}) {
			cancel()
			h.logAssistantMessage(userID, sessionID, "chat_ws", content.String(), chunks, true, "client disconnected", "")
			return false
		}
		chunks++
		content.WriteString(fragment)
	}
	h.logAssistantMessage(userID, sessionID, "chat_ws", content.String(), chunks, false, "", "")

	state, err := h.svc.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("failed to load session after turn", "session_id", sessionID, "error", err)
		return h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: msgProcessingError})
	}
	return h.writeFrame(ctx, ws, wsOutbound{Type: "done", Data: state})
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsOutbound) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("failed to marshal websocket frame", "error", err)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("failed to write websocket frame", "error", err)
		return false
	}
	return true
}
