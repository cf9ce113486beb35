package domain

import (
	"testing"
	"time"
)

func TestWithMessageDoesNotShareLog(t *testing.T) {
	t.Parallel()

	s := NewSessionState("s1", "model-a")
	next := s.WithMessage(NewMessage(RoleUser, "hi", time.Now()))

	if len(s.Messages) != 0 {
		t.Fatalf("original state mutated: %d messages", len(s.Messages))
	}
	if len(next.Messages) != 1 || next.Messages[0].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", next.Messages)
	}
	if next.Messages[0].ID == "" {
		t.Fatal("expected message id")
	}
}

func TestResetKeepsSessionID(t *testing.T) {
	t.Parallel()

	s := NewSessionState("s1", "model-b")
	s = s.WithMessage(NewMessage(RoleUser, "hi", time.Now()))
	s.LessonState = s.LessonState.CreatePlan([]StepInput{{Title: "a", Goal: "b"}})

	reset := s.Reset("model-a")
	if reset.SessionID != "s1" {
		t.Fatalf("expected session id s1, got %q", reset.SessionID)
	}
	if len(reset.Messages) != 0 || reset.LessonState.Initialized || reset.Model != "model-a" {
		t.Fatalf("state not reset: %+v", reset)
	}
}

func TestRecentMessages(t *testing.T) {
	t.Parallel()

	s := NewSessionState("s1", "m")
	now := time.Now()
	for _, c := range []string{"a", "b", "c"} {
		s = s.WithMessage(NewMessage(RoleUser, c, now))
	}

	got := s.RecentMessages(2)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Fatalf("unexpected window: %+v", got)
	}
	if len(s.RecentMessages(10)) != 3 {
		t.Fatal("expected whole log when window exceeds length")
	}
	if s.RecentMessages(0) != nil {
		t.Fatal("expected nil for empty window")
	}
}
