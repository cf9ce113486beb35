package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearchRequiresQueryOrURL(t *testing.T) {
	t.Parallel()

	_, err := NewWebSearchTool(WebSearchOptions{}).Execute(context.Background(), map[string]any{})
	require.EqualError(t, err, "either query or url parameter is required")
}

func TestWebSearchWithoutKeyReturnsFallback(t *testing.T) {
	t.Parallel()

	res, err := NewWebSearchTool(WebSearchOptions{}).Execute(context.Background(), map[string]any{"query": "go iterators"})
	require.NoError(t, err)
	content := res.(ContentResult).Content
	assert.Contains(t, content, "requires SerpAPI key")
	assert.Contains(t, content, "https://www.google.com/search?q=go+iterators")
}

func TestWebSearchFormatsSerpAPIResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "google", q.Get("engine"))
		assert.Equal(t, "pythagoras", q.Get("q"))
		assert.Equal(t, "key", q.Get("api_key"))
		assert.Equal(t, "10", q.Get("num"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"knowledge_graph": {"title": "Pythagorean theorem", "description": "a²+b²=c²", "source": {"link": "https://wiki"}},
			"answer_box": {"snippet": "Relates the sides", "link": "https://answer"},
			"organic_results": [
				{"title": "First", "link": "https://1", "snippet": "one"},
				{"title": "", "link": "https://skip"},
				{"title": "Third", "link": "https://3"}
			],
			"local_results": [{"title": "Math Cafe", "address": "1 Main St", "rating": 4.5}]
		}`)
	}))
	t.Cleanup(srv.Close)

	tool := NewWebSearchTool(WebSearchOptions{APIKey: "key", Endpoint: srv.URL, HTTPClient: srv.Client()})
	res, err := tool.Execute(context.Background(), map[string]any{"query": "pythagoras", "num_results": float64(50)})
	require.NoError(t, err)

	want := strings.Join([]string{
		`🔍 Search results for "pythagoras":`,
		"",
		"**Pythagorean theorem**\na²+b²=c²",
		"",
		"Source: https://wiki",
		"",
		"**Answer**: Relates the sides",
		"",
		"Source: https://answer",
		"",
		"\n**Search Results:**",
		"",
		"1. **First**\n   one\n   Link: https://1",
		"",
		"3. **Third**\n   Link: https://3",
		"",
		"\n**Local Results:**",
		"",
		"1. **Math Cafe**\n   Address: 1 Main St\n   Rating: 4.5 stars",
	}, "\n")
	assert.Equal(t, want, res.(ContentResult).Content)
}

func TestWebSearchAPIFailureIsReportedInText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	tool := NewWebSearchTool(WebSearchOptions{APIKey: "key", Endpoint: srv.URL, HTTPClient: srv.Client()})
	res, err := tool.Execute(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, "Search failed: API error. Try: https://www.google.com/search?q=x", res.(ContentResult).Content)
}

func TestWebSearchFetchesPageText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", maxFetchChars+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><style>body{}</style></head><body><h1>Fractions</h1>
				<script>alert(1)</script><p>Add the   numerators.</p></body></html>`)
		case "/long":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, long)
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	tool := NewWebSearchTool(WebSearchOptions{HTTPClient: srv.Client()})
	ctx := context.Background()

	res, err := tool.Execute(ctx, map[string]any{"url": srv.URL + "/page"})
	require.NoError(t, err)
	assert.Equal(t, "Content from "+srv.URL+"/page:\n\nFractions Add the numerators.", res.(ContentResult).Content)

	res, err = tool.Execute(ctx, map[string]any{"url": srv.URL + "/page", "format": "markdown"})
	require.NoError(t, err)
	content := res.(ContentResult).Content
	assert.Contains(t, content, "# Fractions")
	assert.NotContains(t, content, "alert")

	res, err = tool.Execute(ctx, map[string]any{"url": srv.URL + "/long"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.(ContentResult).Content, strings.Repeat("a", maxFetchChars)+"..."))

	_, err = tool.Execute(ctx, map[string]any{"url": srv.URL + "/json"})
	require.ErrorContains(t, err, "unsupported content type")

	_, err = tool.Execute(ctx, map[string]any{"url": srv.URL + "/missing"})
	require.ErrorContains(t, err, "HTTP 404")

	_, err = tool.Execute(ctx, map[string]any{"url": "not a url"})
	require.ErrorContains(t, err, "invalid url")
}
