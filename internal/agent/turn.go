package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/llm"
)

var errConsumerGone = errors.New("stream consumer stopped")

// roundFunc performs one model call.
type roundFunc func(ctx context.Context, req llm.Request) (*llm.Completion, error)

// turn is one user turn in flight. state already holds the committed user
// message.
type turn struct {
	svc      *Service
	state    *domain.SessionState
	messages []llm.Message
	tools    []domain.ToolDefinition
}

// run drives the model/tool loop until the model answers in text. It returns
// the text of every round, every executed tool call in request order and the
// lesson state with lesson calls folded in.
func (t *turn) run(ctx context.Context, call roundFunc) (string, []domain.ToolCall, domain.LessonState, error) {
	cfg := t.svc.cfg
	lesson := t.state.LessonState
	messages := slices.Clone(t.messages)
	seen := make(map[string]struct{})

	var (
		content strings.Builder
		calls   []domain.ToolCall
	)
	for round := 0; ; round++ {
		final := round >= cfg.MaxToolRounds
		req := llm.Request{
			Model:      t.state.Model,
			Messages:   messages,
			Tools:      t.tools,
			ToolChoice: llm.ToolChoiceAuto,
			MaxTokens:  cfg.MaxTokens,
		}
		if final {
			req.ToolChoice = llm.ToolChoiceNone
		}

		resp, err := call(ctx, req)
		if err != nil {
			return "", nil, lesson, err
		}
		content.WriteString(resp.Content)

		if len(resp.ToolCalls) == 0 {
			return content.String(), calls, lesson, nil
		}
		if final {
			t.svc.logger.Warn("tool round limit reached, ignoring further tool calls",
				"session_id", t.state.SessionID,
				"rounds", round,
				"ignored", len(resp.ToolCalls),
			)
			return content.String(), calls, lesson, nil
		}

		requests := assignCallIDs(resp.ToolCalls, seen)
		executed := t.executeRound(ctx, requests)
		if err := ctx.Err(); err != nil {
			// The caller is gone; results of the finished tools are dropped.
			return "", nil, lesson, err
		}

		lesson = lesson.Fold(executed)
		calls = append(calls, executed...)
		messages = append(messages, llm.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: requests,
		})
		for _, tc := range executed {
			messages = append(messages, toolResultMessage(tc))
		}
	}
}

// executeRound runs the calls of one round concurrently. Tools run to
// completion even if ctx is cancelled, bounded by the tool timeout. Results
// keep the order of requests.
func (t *turn) executeRound(ctx context.Context, requests []llm.ToolCallRequest) []domain.ToolCall {
	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.svc.cfg.ToolTimeout)
	defer cancel()
	results := make([]domain.ToolCall, len(requests))

	var g errgroup.Group
	for i, req := range requests {
		g.Go(func() error {
			args, result := t.svc.tools.Execute(toolCtx, req.Name, req.Arguments)
			results[i] = domain.ToolCall{ID: req.ID, Name: req.Name, Arguments: args, Result: result}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		t.svc.logger.Debug("tool executed",
			"session_id", t.state.SessionID,
			"tool", r.Name,
			"call_id", r.ID,
			"failed", domain.IsErrorResult(r.Result),
		)
	}
	return results
}

// assignCallIDs gives every call an id unique within the turn. Missing or
// repeated ids are replaced.
func assignCallIDs(calls []llm.ToolCallRequest, seen map[string]struct{}) []llm.ToolCallRequest {
	out := make([]llm.ToolCallRequest, len(calls))
	for i, c := range calls {
		if _, dup := seen[c.ID]; c.ID == "" || dup {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		seen[c.ID] = struct{}{}
		out[i] = c
	}
	return out
}

// streamRound performs a streamed model call. Text is handed to emit as it
// arrives; tool call fragments are accumulated by index.
func (s *Service) streamRound(ctx context.Context, req llm.Request, emit func(string) bool) (*llm.Completion, error) {
	var (
		content strings.Builder
		acc     toolCallAccumulator
	)
	for chunk, err := range s.provider.Stream(ctx, req) {
		if err != nil {
			return nil, err
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			if !emit(chunk.Content) {
				return nil, errConsumerGone
			}
		}
		acc.add(chunk.ToolCalls)
	}
	return &llm.Completion{Content: content.String(), ToolCalls: acc.calls()}, nil
}

// toolCallAccumulator joins streamed tool call fragments by index.
type toolCallAccumulator struct {
	byIndex map[int]*llm.ToolCallRequest
	order   []int
}

func (a *toolCallAccumulator) add(deltas []llm.ToolCallDelta) {
	for _, d := range deltas {
		if a.byIndex == nil {
			a.byIndex = make(map[int]*llm.ToolCallRequest)
		}
		call, ok := a.byIndex[d.Index]
		if !ok {
			call = &llm.ToolCallRequest{}
			a.byIndex[d.Index] = call
			a.order = append(a.order, d.Index)
		}
		if call.ID == "" {
			call.ID = d.ID
		}
		if call.Name == "" {
			call.Name = d.Name
		}
		call.Arguments += d.Arguments
	}
}

// calls returns the accumulated calls ordered by index.
func (a *toolCallAccumulator) calls() []llm.ToolCallRequest {
	if len(a.order) == 0 {
		return nil
	}
	indexes := slices.Clone(a.order)
	slices.Sort(indexes)
	out := make([]llm.ToolCallRequest, 0, len(indexes))
	for _, i := range indexes {
		c := *a.byIndex[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("unknown_tool_%d", i)
		}
		out = append(out, c)
	}
	return out
}
