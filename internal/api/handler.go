// Package api provides shared HTTP handlers and response helpers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Error strings returned to clients.
const (
	MsgNotFound      = "Not Found"
	MsgInternalError = "Internal Server Error"
)

// Envelope is the JSON shape of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Success writes {success: true, data}.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// Error writes {success: false, error}.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Success: false, Error: message})
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the service-level routes.
type Handler struct {
	db  Pinger
	now func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(db Pinger) *Handler {
	return &Handler{db: db, now: time.Now}
}

// HealthResponse is the payload of the health check.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Database  string `json:"database"`
}

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Database:  "ok",
	}
	if err := h.db.Ping(ctx); err != nil {
		slog.Error("health check database ping failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = "unreachable"
		JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// NotFound handles unknown routes.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	Error(w, http.StatusNotFound, MsgNotFound)
}

// MethodNotAllowed handles known routes called with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	Error(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

// Recoverer wraps chi's Recoverer so that a panic before any response was
// written yields the internal error envelope. A panic after the response has
// started, such as mid-stream, only aborts the handler.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(ww, r)
		})
		chiMiddleware.Recoverer(inner).ServeHTTP(panicResponder{ww}, r)
	})
}

// panicResponder receives the status written by chi's Recoverer after a
// panic.
type panicResponder struct {
	chiMiddleware.WrapResponseWriter
}

func (p panicResponder) WriteHeader(status int) {
	if p.Status() != 0 || p.BytesWritten() > 0 {
		slog.Warn("handler panicked after response started", "status", p.Status())
		return
	}
	Error(p.WrapResponseWriter, status, MsgInternalError)
}
