package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// WebSearchToolName is the name of the search and fetch tool.
const WebSearchToolName = "web_search"

const (
	defaultSearchEndpoint = "https://serpapi.com/search"
	searchUserAgent       = "Mozilla/5.0 (compatible; WebBot/1.0)"
	searchTimeout         = 15 * time.Second
	fetchTimeout          = 10 * time.Second
	maxFetchBody          = 5 * 1024 * 1024
	maxFetchChars         = 4000
	defaultNumResults     = 5
	maxNumResults         = 10
	maxLocalResults       = 3
)

// WebSearchOptions configures WebSearchTool.
type WebSearchOptions struct {
	// APIKey is the SerpAPI key. Without it searches return a fallback link.
	APIKey string
	// Endpoint overrides the SerpAPI endpoint.
	Endpoint   string
	HTTPClient *http.Client
}

// WebSearchTool searches the web through SerpAPI or fetches a single page.
type WebSearchTool struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewWebSearchTool creates the web search tool.
func NewWebSearchTool(opts WebSearchOptions) *WebSearchTool {
	t := &WebSearchTool{
		apiKey:   opts.APIKey,
		endpoint: opts.Endpoint,
		client:   opts.HTTPClient,
	}
	if t.endpoint == "" {
		t.endpoint = defaultSearchEndpoint
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	return t
}

// Definition implements Tool.
func (t *WebSearchTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        WebSearchToolName,
		Description: "Search the web using Google or fetch content from a specific URL",
		Parameters: domain.ObjectSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query for Google search"},
			"url": map[string]any{
				"type":        "string",
				"description": "Specific URL to fetch content from (alternative to search)",
			},
			"num_results": map[string]any{
				"type":        "number",
				"description": "Number of search results to return (default: 5, max: 10)",
				"default":     defaultNumResults,
			},
			"format": map[string]any{
				"type":        "string",
				"enum":        []string{"text", "markdown"},
				"description": "Format of fetched page content (default: text)",
			},
		}),
	}
}

// Execute implements Tool. A url argument takes precedence over query.
func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if rawURL, ok := args["url"].(string); ok {
		format, _ := args["format"].(string)
		content, err := t.fetch(ctx, rawURL, format)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch: %w", err)
		}
		return ContentResult{Content: content}, nil
	}
	if query, ok := args["query"].(string); ok {
		return ContentResult{Content: t.search(ctx, query, numResults(args["num_results"]))}, nil
	}
	return nil, errors.New("either query or url parameter is required")
}

func numResults(v any) int {
	n := defaultNumResults
	switch x := v.(type) {
	case float64:
		n = int(x)
	case int:
		n = x
	case string:
		if parsed, err := strconv.Atoi(x); err == nil {
			n = parsed
		}
	}
	if n <= 0 {
		return defaultNumResults
	}
	return min(n, maxNumResults)
}

type serpResponse struct {
	KnowledgeGraph *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Source      struct {
			Link string `json:"link"`
		} `json:"source"`
	} `json:"knowledge_graph"`
	AnswerBox *struct {
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
		Title   string `json:"title"`
		Link    string `json:"link"`
	} `json:"answer_box"`
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
	LocalResults []struct {
		Title   string  `json:"title"`
		Address string  `json:"address"`
		Phone   string  `json:"phone"`
		Rating  float64 `json:"rating"`
	} `json:"local_results"`
	Error string `json:"error"`
}

func googleFallback(query string) string {
	return "https://www.google.com/search?q=" + url.QueryEscape(query)
}

// search never fails: API problems are reported in the returned text.
func (t *WebSearchTool) search(ctx context.Context, query string, n int) string {
	if t.apiKey == "" {
		return fmt.Sprintf("🔍 Web search requires SerpAPI key. Get one at https://serpapi.com/\nFallback: %s", googleFallback(query))
	}

	data, err := t.querySerpAPI(ctx, query, n)
	if err != nil {
		reason := "API error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return fmt.Sprintf("Search failed: %s. Try: %s", reason, googleFallback(query))
	}
	return formatSearchResults(data, query, n)
}

func (t *WebSearchTool) querySerpAPI(ctx context.Context, query string, n int) (*serpResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("engine", "google")
	q.Set("q", query)
	q.Set("api_key", t.apiKey)
	q.Set("num", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", searchUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serpapi returned %d", resp.StatusCode)
	}
	var data serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode serpapi response: %w", err)
	}
	if data.Error != "" {
		return nil, fmt.Errorf("serpapi error: %s", data.Error)
	}
	return &data, nil
}

func formatSearchResults(data *serpResponse, query string, n int) string {
	var sections []string

	if kg := data.KnowledgeGraph; kg != nil && kg.Title != "" && kg.Description != "" {
		sections = append(sections, fmt.Sprintf("**%s**\n%s", kg.Title, kg.Description))
		if kg.Source.Link != "" {
			sections = append(sections, "Source: "+kg.Source.Link)
		}
	}

	if ab := data.AnswerBox; ab != nil {
		switch {
		case ab.Answer != "":
			sections = append(sections, "**Answer**: "+ab.Answer)
		case ab.Snippet != "":
			title := ab.Title
			if title == "" {
				title = "Answer"
			}
			sections = append(sections, fmt.Sprintf("**%s**: %s", title, ab.Snippet))
		}
		if ab.Link != "" {
			sections = append(sections, "Source: "+ab.Link)
		}
	}

	if len(data.OrganicResults) > 0 {
		sections = append(sections, "\n**Search Results:**")
		for i, r := range data.OrganicResults[:min(n, len(data.OrganicResults))] {
			if r.Title == "" || r.Link == "" {
				continue
			}
			lines := []string{fmt.Sprintf("%d. **%s**", i+1, r.Title)}
			if r.Snippet != "" {
				lines = append(lines, "   "+r.Snippet)
			}
			lines = append(lines, "   Link: "+r.Link)
			sections = append(sections, strings.Join(lines, "\n"))
		}
	}

	if len(data.LocalResults) > 0 {
		sections = append(sections, "\n**Local Results:**")
		for i, r := range data.LocalResults[:min(maxLocalResults, len(data.LocalResults))] {
			if r.Title == "" {
				continue
			}
			lines := []string{fmt.Sprintf("%d. **%s**", i+1, r.Title)}
			if r.Address != "" {
				lines = append(lines, "   Address: "+r.Address)
			}
			if r.Phone != "" {
				lines = append(lines, "   Phone: "+r.Phone)
			}
			if r.Rating != 0 {
				lines = append(lines, fmt.Sprintf("   Rating: %s stars", strconv.FormatFloat(r.Rating, 'f', -1, 64)))
			}
			sections = append(sections, strings.Join(lines, "\n"))
		}
	}

	if len(sections) == 0 {
		return fmt.Sprintf("No results found for %q. Try: %s", query, googleFallback(query))
	}
	return fmt.Sprintf("🔍 Search results for %q:\n\n%s", query, strings.Join(sections, "\n\n"))
}

func (t *WebSearchTool) fetch(ctx context.Context, rawURL, format string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/") {
		return "", errors.New("unsupported content type")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var text string
	if format == "markdown" && strings.Contains(contentType, "text/html") {
		text, err = htmlToMarkdown(string(body))
	} else {
		text, err = extractText(string(body))
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		return "No readable content found at " + rawURL, nil
	}
	return fmt.Sprintf("Content from %s:\n\n%s", rawURL, truncate(text, maxFetchChars)), nil
}

func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script,style,noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

func htmlToMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script,style,noscript,nav,header,footer,aside,iframe,svg").Remove()
	converter := md.NewConverter("", true, nil)
	markdown := converter.Convert(doc.Selection)
	return strings.TrimSpace(markdown), nil
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
