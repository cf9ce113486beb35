package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/llm"
	"github.com/ashureev/shsh-tutor/internal/store"
)

// ToolRegistry lists and executes the tools offered to the model.
type ToolRegistry interface {
	Definitions(ctx context.Context) []domain.ToolDefinition
	Execute(ctx context.Context, name string, raw any) (map[string]any, any)
}

// Service is the turn orchestrator. It is the only component that mutates
// session state, and it runs at most one turn per session at a time.
type Service struct {
	repo     store.Repository
	provider llm.Provider
	tools    ToolRegistry
	cfg      Config
	logger   *slog.Logger
	busy     *busySet
	now      func() time.Time
}

// NewService creates the orchestrator.
func NewService(repo store.Repository, provider llm.Provider, tools ToolRegistry, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = def.MaxToolRounds
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	return &Service{
		repo:     repo,
		provider: provider,
		tools:    tools,
		cfg:      cfg,
		logger:   logger,
		busy:     newBusySet(),
		now:      time.Now,
	}
}

// Tools returns the tool definitions currently offered to the model.
func (s *Service) Tools(ctx context.Context) []domain.ToolDefinition {
	return s.tools.Definitions(ctx)
}

// GetSession returns the state of a session. Unknown sessions yield their
// initial state without persisting it.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	state, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if state == nil {
		state = domain.NewSessionState(sessionID, s.cfg.DefaultModel)
	}
	if s.busy.Busy(sessionID) {
		state.Processing = true
	}
	return state, nil
}

// ClearSession resets a session to its initial state.
func (s *Service) ClearSession(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	if !s.busy.TryAcquire(sessionID) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Release(sessionID)

	state, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state = state.Reset(s.cfg.DefaultModel)
	if err := s.repo.SaveSession(ctx, state); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("session cleared", "session_id", sessionID)
	return state, nil
}

// SetModel selects the model used by subsequent turns of a session.
func (s *Service) SetModel(ctx context.Context, sessionID, model string) (*domain.SessionState, error) {
	model = strings.TrimSpace(model)
	if !s.cfg.modelAllowed(model) {
		return nil, ErrInvalidModel
	}
	if !s.busy.TryAcquire(sessionID) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Release(sessionID)

	state, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state = state.Clone()
	state.Model = model
	if err := s.repo.SaveSession(ctx, state); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return state, nil
}

// SubmitTurn runs a buffered turn and returns the committed state.
func (s *Service) SubmitTurn(ctx context.Context, sessionID string, req TurnRequest) (*domain.SessionState, error) {
	t, err := s.begin(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	defer s.busy.Release(sessionID)

	content, calls, lesson, err := t.run(ctx, s.provider.Complete)
	if err != nil {
		s.fail(ctx, t, err)
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		content = FallbackResponse
	}
	return s.finish(ctx, t, content, calls, lesson)
}

// StreamTurn starts a streamed turn. Validation and busy errors are returned
// immediately. Otherwise the user message is committed and the returned
// sequence yields text fragments in model order; it must be consumed exactly
// once. Stopping early or cancelling ctx abandons the turn without
// committing an assistant message.
//
// The session stays busy until the sequence is ranged over. A caller that
// drops the sequence without iterating it leaves the session locked until
// the process restarts.
func (s *Service) StreamTurn(ctx context.Context, sessionID string, req TurnRequest) (iter.Seq2[string, error], error) {
	t, err := s.begin(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}

	var consumed atomic.Bool
	return func(yield func(string, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		defer s.busy.Release(sessionID)

		stopped := false
		emit := func(fragment string) bool {
			if stopped {
				return false
			}
			if !yield(fragment, nil) {
				stopped = true
			}
			return !stopped
		}

		content, calls, lesson, err := t.run(ctx, func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			return s.streamRound(ctx, req, emit)
		})
		switch {
		case stopped || ctx.Err() != nil:
			s.abandon(ctx, t)
		case err != nil:
			s.fail(ctx, t, err)
			yield("", err)
		default:
			if _, err := s.finish(ctx, t, content, calls, lesson); err != nil {
				yield("", err)
			}
		}
	}, nil
}

// begin validates a turn, claims the session and commits the user message
// with processing set.
func (s *Service) begin(ctx context.Context, sessionID string, req TurnRequest) (*turn, error) {
	if err := validateTurn(s.cfg, req); err != nil {
		return nil, err
	}
	if !s.busy.TryAcquire(sessionID) {
		return nil, ErrSessionBusy
	}

	state, err := s.load(ctx, sessionID)
	if err != nil {
		s.busy.Release(sessionID)
		return nil, err
	}
	if req.Model != "" {
		state = state.Clone()
		state.Model = req.Model
	}
	if state.Model == "" {
		state.Model = s.cfg.DefaultModel
	}

	msgs := BuildContext(state, req.Message, req.Attachments, s.cfg.HistoryWindow)

	user := domain.NewMessage(domain.RoleUser, strings.TrimSpace(req.Message), s.now())
	user.Attachments = req.Attachments
	state = state.WithMessage(user)
	state.Processing = true
	if err := s.repo.SaveSession(ctx, state); err != nil {
		s.busy.Release(sessionID)
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.logger.Info("turn started",
		"session_id", sessionID,
		"model", state.Model,
		"message_length", len(req.Message),
		"attachments", len(req.Attachments),
		"stream", req.Stream,
	)
	return &turn{
		svc:      s,
		state:    state,
		messages: msgs,
		tools:    s.tools.Definitions(ctx),
	}, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	state, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if state == nil {
		state = domain.NewSessionState(sessionID, s.cfg.DefaultModel)
	}
	return state, nil
}

// finish commits the assistant message, the folded lesson state and clears
// processing.
func (s *Service) finish(ctx context.Context, t *turn, content string, calls []domain.ToolCall, lesson domain.LessonState) (*domain.SessionState, error) {
	msg := domain.NewMessage(domain.RoleAssistant, content, s.now())
	msg.ToolCalls = calls
	state := t.state.WithMessage(msg)
	state.LessonState = lesson
	state.Processing = false
	if err := s.repo.SaveSession(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Error("failed to commit turn", "session_id", state.SessionID, "error", err)
		s.clearProcessing(ctx, t)
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("turn completed",
		"session_id", state.SessionID,
		"tool_calls", len(calls),
		"response_length", len(content),
	)
	return state, nil
}

// fail clears processing after a failed turn. The user message stays.
func (s *Service) fail(ctx context.Context, t *turn, cause error) {
	s.logger.Error("turn failed", "session_id", t.state.SessionID, "error", cause)
	s.clearProcessing(ctx, t)
}

// abandon clears processing after the caller went away mid-stream.
func (s *Service) abandon(ctx context.Context, t *turn) {
	s.logger.Info("turn abandoned by client", "session_id", t.state.SessionID)
	s.clearProcessing(ctx, t)
}

func (s *Service) clearProcessing(ctx context.Context, t *turn) {
	state := t.state.Clone()
	state.Processing = false
	if err := s.repo.SaveSession(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Error("failed to clear processing flag", "session_id", state.SessionID, "error", err)
	}
}
