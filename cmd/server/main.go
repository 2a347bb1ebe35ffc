// PromoChat - Credit Card Promotion Chat Server
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
	"github.com/pattadon/promochat/internal/api"
	"github.com/pattadon/promochat/internal/assistant"
	"github.com/pattadon/promochat/internal/chat"
	"github.com/pattadon/promochat/internal/config"
	"github.com/pattadon/promochat/internal/middleware"
	"github.com/pattadon/promochat/internal/promosearch"
	"github.com/pattadon/promochat/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if cfg.SeedPath != "" {
		if err := store.Seed(context.Background(), repo, cfg.SeedPath); err != nil {
			slog.Error("Failed to seed reference data", "path", cfg.SeedPath, "error", err)
			os.Exit(1)
		}
	}

	// Initialize collaborator clients.
	gateway := assistant.NewClient(assistant.ClientConfig{
		BaseURL:        cfg.Assistant.BaseURL,
		APIKey:         cfg.Assistant.APIKey,
		RequestTimeout: cfg.Assistant.RequestTimeout,
	}, logger)

	waiter := assistant.NewWaiter(gateway, assistant.WaiterConfig{
		PollInterval: cfg.RunWait.PollInterval,
		MaxInterval:  cfg.RunWait.MaxInterval,
		Timeout:      cfg.RunWait.Timeout,
	}, logger)

	search := promosearch.NewClient(promosearch.ClientConfig{
		BaseURL: cfg.Search.BaseURL,
		Limit:   cfg.Search.Limit,
	}, logger)

	orch := chat.New(chat.Config{
		Repo:    repo,
		Gateway: gateway,
		Waiter:  waiter,
		Search:  search,
		Specialists: chat.Specialists{
			Context:  cfg.Specialists.Context,
			Product:  cfg.Specialists.Product,
			Occasion: cfg.Specialists.Occasion,
			Place:    cfg.Specialists.Place,
			Selector: cfg.Specialists.Selector,
		},
		Logger: logger,
	})

	// Initialize handlers.
	restHandler := api.NewHandler(repo, orch)
	wsHandler := chat.NewWebSocketHandler(orch, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	restHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/api/chat-socket", wsHandler.ServeHTTP)

	// Create server.
	// WriteTimeout stays 0 so long-lived websocket pipelines are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	slog.Info("Server stopped successfully")
}
