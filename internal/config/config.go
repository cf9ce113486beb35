// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	Model      ModelConfig
	SerpAPIKey string

	// MCPConfigPath points at an optional YAML file listing MCP servers.
	MCPConfigPath string
	MCPServers    []MCPServerConfig

	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxRequestBodySize int64

	ConversationLog ConversationLogConfig
}

// ModelConfig configures the OpenAI-compatible model gateway and the turn loop.
type ModelConfig struct {
	BaseURL       string
	APIKey        string
	DefaultModel  string
	AllowedModels []string
	MaxTokens     int
	HistoryWindow int
	MaxToolRounds int
	ToolTimeout   time.Duration
}

// MCPServerConfig is one entry of the MCP server file.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	URL       string `yaml:"url"`
}

type mcpFile struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tutor.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 24*time.Hour),
		Model: ModelConfig{
			BaseURL:       getEnv("MODEL_BASE_URL", ""),
			APIKey:        getEnv("MODEL_API_KEY", ""),
			DefaultModel:  getEnv("DEFAULT_MODEL", "google-ai-studio/gemini-2.5-flash"),
			AllowedModels: getEnvList("ALLOWED_MODELS"),
			MaxTokens:     getEnvInt("MODEL_MAX_TOKENS", 16000),
			HistoryWindow: getEnvInt("HISTORY_WINDOW", 12),
			MaxToolRounds: getEnvInt("MAX_TOOL_ROUNDS", 5),
			ToolTimeout:   getEnvDuration("TOOL_TIMEOUT", 60*time.Second),
		},
		SerpAPIKey:         getEnv("SERPAPI_KEY", ""),
		MCPConfigPath:      getEnv("MCP_CONFIG_PATH", ""),
		RateLimitRequests:  getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 10<<20)),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if cfg.MCPConfigPath != "" {
		servers, err := LoadMCPServers(cfg.MCPConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.MCPServers = servers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadMCPServers reads the MCP server list from a YAML file of the form
//
//	servers:
//	  - name: docs
//	    transport: streamable
//	    url: http://localhost:9000/mcp
func LoadMCPServers(path string) ([]MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var f mcpFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}
	for i, s := range f.Servers {
		if s.Transport == "" {
			f.Servers[i].Transport = "sse"
		}
	}
	return f.Servers, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("MODEL_API_KEY cannot be empty")
	}
	if c.Model.DefaultModel == "" {
		return fmt.Errorf("DEFAULT_MODEL cannot be empty")
	}
	if len(c.Model.AllowedModels) > 0 && !slices.Contains(c.Model.AllowedModels, c.Model.DefaultModel) {
		return fmt.Errorf("DEFAULT_MODEL %q is not in ALLOWED_MODELS", c.Model.DefaultModel)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("MODEL_MAX_TOKENS must be > 0")
	}
	if c.Model.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Model.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be > 0")
	}
	if c.Model.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}

	var errs []error
	seen := make(map[string]bool)
	for i, s := range c.MCPServers {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("mcp server %d: name cannot be empty", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("mcp server %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.Transport != "sse" && s.Transport != "streamable" {
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport))
		}
		if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mcp server %q: invalid url %q", s.Name, s.URL))
		}
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// CORSOrigins returns the origins allowed by the CORS middleware.
func (c *Config) CORSOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// WebSocketOrigins returns the host patterns accepted on WebSocket upgrades.
func (c *Config) WebSocketOrigins() []string {
	if c.FrontendURL == "" {
		return nil
	}
	u, err := url.Parse(c.FrontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
