package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/llm"
	"github.com/ashureev/shsh-tutor/internal/store"
	"github.com/ashureev/shsh-tutor/internal/tools"
)

// memRepo is an in-memory store.Repository that deep-copies every state.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string][]byte
	saves    int
	saveErr  error
	getErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string][]byte)}
}

func (m *memRepo) GetSession(_ context.Context, id string) (*domain.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	var s domain.SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *memRepo) SaveSession(_ context.Context, s *domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.sessions[s.SessionID] = data
	m.saves++
	return nil
}

func (m *memRepo) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memRepo) ClearStaleProcessing(context.Context) (int64, error) { return 0, nil }
func (m *memRepo) Ping(context.Context) error                        { return nil }
func (m *memRepo) Close() error                                      { return nil }

func (m *memRepo) state(t *testing.T, id string) *domain.SessionState {
	t.Helper()
	s, err := m.GetSession(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("session %s not stored: %v", id, err)
	}
	return s
}

var _ store.Repository = (*memRepo)(nil)

// streamScript is one scripted streamed response.
type streamScript struct {
	chunks []llm.Chunk
	err    error
}

// scriptedProvider replays completions and streams in order and records
// every request.
type scriptedProvider struct {
	mu          sync.Mutex
	completions []*llm.Completion
	completeErr error
	streams     []streamScript
	requests    []llm.Request

	// block, when set, makes Complete wait for a value after signalling
	// entered.
	entered chan struct{}
	block   chan struct{}
}

func (p *scriptedProvider) record(req llm.Request) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return len(p.requests) - 1
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	n := p.record(req)
	if p.block != nil {
		p.entered <- struct{}{}
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.completions) == 0 {
		return nil, errors.New("no scripted completion")
	}
	if n >= len(p.completions) {
		return p.completions[len(p.completions)-1], nil
	}
	return p.completions[n], nil
}

func (p *scriptedProvider) Stream(_ context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	n := p.record(req)
	return func(yield func(llm.Chunk, error) bool) {
		p.mu.Lock()
		if n >= len(p.streams) {
			p.mu.Unlock()
			yield(llm.Chunk{}, errors.New("no scripted stream"))
			return
		}
		script := p.streams[n]
		p.mu.Unlock()
		for _, c := range script.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if script.err != nil {
			yield(llm.Chunk{}, script.err)
		}
	}
}

func (p *scriptedProvider) recorded() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, llm.Chunk{Content: p})
	}
	return out
}

func newTestRegistry() *tools.Registry {
	return tools.NewRegistry(nil, nil,
		tools.NewWeatherTool(nil),
		tools.CreateLessonPlanTool{},
		tools.MarkStepCompleteTool{},
	)
}

func newTestService(provider llm.Provider, repo store.Repository, cfg Config) *Service {
	svc := NewService(repo, provider, newTestRegistry(), cfg, nil)
	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	return svc
}

const threeStepPlan = `{"steps":[
	{"title":"Understand","goal":"Identify what x+2=5 asks"},
	{"title":"Isolate","goal":"Subtract 2 from both sides"},
	{"title":"Check","goal":"Substitute x=3 back"}]}`
