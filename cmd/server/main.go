// SHSH Tutor - conversational tutoring server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-tutor/internal/agent"
	"github.com/ashureev/shsh-tutor/internal/api"
	"github.com/ashureev/shsh-tutor/internal/config"
	"github.com/ashureev/shsh-tutor/internal/identity"
	"github.com/ashureev/shsh-tutor/internal/llm"
	"github.com/ashureev/shsh-tutor/internal/mcp"
	"github.com/ashureev/shsh-tutor/internal/middleware"
	"github.com/ashureev/shsh-tutor/internal/store"
	"github.com/ashureev/shsh-tutor/internal/tools"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "default_model", cfg.Model.DefaultModel)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// No turn survives a restart.
	cleared, err := repo.ClearStaleProcessing(context.Background())
	if err != nil {
		slog.Error("Failed to clear stale processing flags", "error", err)
		os.Exit(1)
	}
	slog.Info("Stale processing flags cleared", "sessions", cleared)

	// Capability lookup over the configured MCP servers.
	var lookup tools.CapabilityLookup
	if len(cfg.MCPServers) > 0 {
		servers := make([]mcp.Server, 0, len(cfg.MCPServers))
		for _, s := range cfg.MCPServers {
			transport, err := mcp.NewTransport(s.Transport, s.URL, nil)
			if err != nil {
				slog.Error("Invalid MCP server", "name", s.Name, "error", err)
				os.Exit(1)
			}
			servers = append(servers, mcp.Server{Name: s.Name, Transport: transport})
		}
		manager := mcp.NewManager(servers, logger)
		defer func() {
			if closeErr := manager.Close(); closeErr != nil {
				slog.Warn("Failed to close MCP sessions", "error", closeErr)
			}
		}()
		lookup = manager
		slog.Info("MCP capability lookup configured", "servers", len(servers))
	}

	registry := tools.NewRegistry(lookup, logger, tools.Builtins(tools.WebSearchOptions{APIKey: cfg.SerpAPIKey})...)

	provider, err := llm.NewOpenAI(llm.OpenAIOptions{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	svc := agent.NewService(repo, provider, registry, agent.Config{
		DefaultModel:  cfg.Model.DefaultModel,
		AllowedModels: cfg.Model.AllowedModels,
		MaxTokens:     cfg.Model.MaxTokens,
		HistoryWindow: cfg.Model.HistoryWindow,
		MaxToolRounds: cfg.Model.MaxToolRounds,
		ToolTimeout:   cfg.Model.ToolTimeout,
	}, logger)

	// Initialize handlers.
	healthHandler := api.NewHandler(repo)
	agentHandler := agent.NewHandler(svc, conversationLogger, agent.HandlerConfig{
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		AllowedOrigins:     cfg.WebSocketOrigins(),
	})
	defer agentHandler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(api.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.NotFound(api.NotFound)
	r.MethodNotAllowed(api.MethodNotAllowed)

	// Public routes.
	r.Get("/api/health", healthHandler.HandleHealth)
	agentHandler.RegisterRoutes(r)

	// Create server.
	// Streamed turns can run for minutes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start TTL worker.
	ttlDone := store.StartTTLWorker(ctx, repo, cfg.SessionTTL, store.DefaultTTLInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-ttlDone

	slog.Info("Server stopped successfully")
}
