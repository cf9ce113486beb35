package mcp

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-tutor/internal/tools"
)

type addInput struct {
	A int `json:"a" jsonschema:"first addend"`
	B int `json:"b" jsonschema:"second addend"`
}

type failInput struct{}

func startServer(t *testing.T, name string) mcp.Transport {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "add", Description: "Add two numbers"},
		func(_ context.Context, _ *mcp.CallToolRequest, in addInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{Text: "sum"},
					&mcp.TextContent{Text: strconv.Itoa(in.A + in.B)},
				},
			}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(context.Context, *mcp.CallToolRequest, failInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "bad input"}},
			}, nil, nil
		})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	session, err := server.Connect(context.Background(), serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return clientTransport
}

type brokenTransport struct{}

func (brokenTransport) Connect(context.Context) (mcp.Connection, error) {
	return nil, errors.New("connection refused")
}

func TestManagerListsAndCallsTools(t *testing.T) {
	t.Parallel()

	m := NewManager([]Server{
		{Name: "down", Transport: brokenTransport{}},
		{Name: "math", Transport: startServer(t, "math")},
	}, nil)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	defs, err := m.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		assert.Equal(t, "object", d.Parameters["type"])
	}
	assert.ElementsMatch(t, []string{"add", "fail"}, names)

	out, err := m.CallTool(ctx, "add", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, "sum\n5", out)

	_, err = m.CallTool(ctx, "fail", map[string]any{})
	require.ErrorContains(t, err, "bad input")

	_, err = m.CallTool(ctx, "missing", nil)
	require.ErrorIs(t, err, tools.ErrToolNotFound)
}

func TestManagerWithRegistry(t *testing.T) {
	t.Parallel()

	m := NewManager([]Server{{Name: "math", Transport: startServer(t, "math")}}, nil)
	t.Cleanup(func() { _ = m.Close() })

	r := tools.NewRegistry(m, nil, tools.NewWeatherTool(nil))
	assert.Len(t, r.Definitions(context.Background()), 3)

	_, result := r.Execute(context.Background(), "add", `{"a":1,"b":1}`)
	assert.Equal(t, tools.ContentResult{Content: "sum\n2"}, result)
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tr, err := NewTransport("", "http://localhost:1/sse", nil)
	require.NoError(t, err)
	assert.IsType(t, &mcp.SSEClientTransport{}, tr)

	tr, err = NewTransport("streamable", "http://localhost:1/mcp", nil)
	require.NoError(t, err)
	assert.IsType(t, &mcp.StreamableClientTransport{}, tr)

	_, err = NewTransport("stdio", "x", nil)
	require.Error(t, err)
	_, err = NewTransport("sse", "", nil)
	require.Error(t, err)
}
