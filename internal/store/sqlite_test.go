package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "tutor.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetSessionUnknownReturnsNil(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	got, err := s.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state, got %+v", got)
	}
}

func TestSaveSessionRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	state := domain.NewSessionState("sess-1", "gpt-4o-mini")
	user := domain.NewMessage(domain.RoleUser, "Solve x+2=5", time.Now())
	user.Attachments = []domain.Attachment{{Kind: domain.AttachmentKindImage, Data: "data:image/png;base64,AAAA"}}
	state = state.WithMessage(user)
	assistant := domain.NewMessage(domain.RoleAssistant, "Let's start.", time.Now())
	assistant.ToolCalls = []domain.ToolCall{{
		ID:        "call_1",
		Name:      domain.ToolMarkStepComplete,
		Arguments: map[string]any{"feedback": "nice"},
		Result:    map[string]any{"content": "ok"},
	}}
	state = state.WithMessage(assistant)
	state.LessonState = state.LessonState.CreatePlan([]domain.StepInput{{Title: "a", Goal: "b"}})
	state.Processing = true

	if err := s.SaveSession(ctx, state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil || got == nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if len(got.Messages[0].Attachments) != 1 {
		t.Fatal("attachment dropped by the store")
	}
	if got.Messages[1].ToolCalls[0].ID != "call_1" {
		t.Fatalf("unexpected tool call: %+v", got.Messages[1].ToolCalls)
	}
	if !got.Processing || got.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected state flags: %+v", got)
	}
	if got.LessonState.Plan[0].Status != domain.StepActive {
		t.Fatalf("unexpected lesson state: %+v", got.LessonState)
	}
}

func TestSaveSessionReplacesWholeState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	state := domain.NewSessionState("sess-1", "m").WithMessage(domain.NewMessage(domain.RoleUser, "a", time.Now()))
	if err := s.SaveSession(ctx, state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.SaveSession(ctx, state.Reset("m")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.Messages) != 0 {
		t.Fatalf("expected empty log after reset, got %d", len(got.Messages))
	}
}

func TestClearStaleProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	state := domain.NewSessionState("sess-1", "m")
	state.Processing = true
	if err := s.SaveSession(ctx, state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	n, err := s.ClearStaleProcessing(ctx)
	if err != nil {
		t.Fatalf("ClearStaleProcessing failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared row, got %d", n)
	}
	got, _ := s.GetSession(ctx, "sess-1")
	if got.Processing {
		t.Fatal("processing flag not cleared")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveSession(ctx, domain.NewSessionState("old", "m")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := s.CleanupExpiredSessions(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted session, got %d", n)
	}
	if got, _ := s.GetSession(ctx, "old"); got != nil {
		t.Fatal("expired session still present")
	}
}
