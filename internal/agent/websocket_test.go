package agent

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-tutor/internal/llm"
)

func dialChat(t *testing.T, svc *Service, sessionID string) (*websocket.Conn, context.Context) {
	t.Helper()
	h := NewHandler(svc, nil, HandlerConfig{})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/" + sessionID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		srv.Close()
		h.Close()
	})
	return conn, ctx
}

func TestWebSocketChatStreamsChunksThenDone(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{streams: []streamScript{{chunks: textChunks("Hi", " there")}}}
	repo := newMemRepo()
	conn, ctx := dialChat(t, newTestService(provider, repo, Config{}), "s1")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "ping"}))
	var frame wsOutbound
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "pong", frame.Type)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "chat", "message": "hello"}))
	var chunks []string
	for {
		var f wsOutbound
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		if f.Type != "chunk" {
			frame = f
			break
		}
		chunks = append(chunks, f.Content)
	}
	assert.Equal(t, []string{"Hi", " there"}, chunks)
	require.Equal(t, "done", frame.Type)
	require.NotNil(t, frame.Data)
	require.Len(t, frame.Data.Messages, 2)
	assert.Equal(t, "Hi there", frame.Data.Messages[1].Content)
	assert.False(t, frame.Data.Processing)
}

func TestWebSocketReportsErrors(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{streams: []streamScript{{err: llm.ErrProvider}}}
	repo := newMemRepo()
	conn, ctx := dialChat(t, newTestService(provider, repo, Config{}), "s1")

	var frame wsOutbound
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "shout"}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "error", frame.Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, msgInvalidBody, frame.Error)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "chat", "message": " "}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, msgMissingMessage, frame.Error)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "chat", "message": "hi"}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, StreamErrorNotice, frame.Error)

	stored := repo.state(t, "s1")
	require.Len(t, stored.Messages, 1)
	assert.False(t, stored.Processing)
}
