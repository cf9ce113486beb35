// Package tools implements the tool registry: the built-in tools offered to
// the tutor model plus tools discovered through a capability lookup service.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// ErrToolNotFound is returned when no built-in or external provider knows a
// tool name.
var ErrToolNotFound = errors.New("tool not found")

// Tool is a built-in tool.
type Tool interface {
	Definition() domain.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// CapabilityLookup is an external registry of additional tools.
type CapabilityLookup interface {
	// ListTools returns the definitions of every reachable external tool.
	ListTools(ctx context.Context) ([]domain.ToolDefinition, error)

	// CallTool runs an external tool and returns its text content. It returns
	// ErrToolNotFound when no provider exposes name.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// ContentResult is the result of tools that produce text.
type ContentResult struct {
	Content string `json:"content"`
}

// Registry lists and executes tools. It is constructed once per process and
// shared by every session.
type Registry struct {
	builtins map[string]Tool
	order    []string
	lookup   CapabilityLookup
	logger   *slog.Logger
}

// NewRegistry creates a registry over the given built-ins. lookup may be nil.
func NewRegistry(lookup CapabilityLookup, logger *slog.Logger, builtins ...Tool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		builtins: make(map[string]Tool, len(builtins)),
		lookup:   lookup,
		logger:   logger,
	}
	for _, t := range builtins {
		name := t.Definition().Name
		if _, dup := r.builtins[name]; dup {
			continue
		}
		r.builtins[name] = t
		r.order = append(r.order, name)
	}
	return r
}

// Definitions returns the built-in definitions followed by the external ones.
// An unreachable capability lookup only removes the external tools.
func (r *Registry) Definitions(ctx context.Context) []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.builtins[name].Definition())
	}
	if r.lookup == nil {
		return defs
	}

	external, err := r.lookup.ListTools(ctx)
	if err != nil {
		r.logger.Warn("capability lookup unavailable, using built-in tools only", "error", err)
		return defs
	}
	for _, def := range external {
		if _, shadowed := r.builtins[def.Name]; shadowed {
			r.logger.Debug("external tool shadowed by built-in", "tool", def.Name)
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// Execute runs a tool by name. raw may be a parsed argument map, raw JSON text
// or nil. Execute never fails: errors of any kind are returned as a
// domain.ErrorResult so the model can react to them.
func (r *Registry) Execute(ctx context.Context, name string, raw any) (args map[string]any, result any) {
	args, err := NormalizeArguments(raw)
	if err != nil {
		return map[string]any{}, errorResult(fmt.Errorf("invalid arguments for %s: %w", name, err))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			result = errorResult(fmt.Errorf("failed to execute %s: %v", name, p))
		}
	}()

	res, err := r.execute(ctx, name, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return args, errorResult(fmt.Errorf("failed to execute %s: %w", name, err))
	}
	return args, res
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if t, ok := r.builtins[name]; ok {
		return t.Execute(ctx, args)
	}
	if r.lookup == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	content, err := r.lookup.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return ContentResult{Content: content}, nil
}

// NormalizeArguments converts model-supplied tool arguments into a map.
func NormalizeArguments(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		return parseArguments([]byte(v))
	case []byte:
		return parseArguments(v)
	case json.RawMessage:
		return parseArguments(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		return parseArguments(data)
	}
}

func parseArguments(data []byte) (map[string]any, error) {
	if strings.TrimSpace(string(data)) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func errorResult(err error) domain.ErrorResult {
	return domain.ErrorResult{Error: err.Error()}
}
