package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/config"
	"github.com/loomchat/loom/pkg/model/gemini"
	"github.com/loomchat/loom/pkg/registry"
	"github.com/loomchat/loom/pkg/server"
	"github.com/loomchat/loom/pkg/store/sqlite"
	"github.com/loomchat/loom/pkg/toolserver"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger.
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	apiKey := cfg.GeminiAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("GEMINI_API_KEY not set")
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize store.
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize model provider.
	provider, err := gemini.New(ctx, apiKey)
	if err != nil {
		slog.Error("Failed to initialize Gemini provider", "error", err)
		os.Exit(1)
	}

	// Tool registry and remote tool servers.
	reg := registry.New()
	manager := toolserver.NewManager(reg, logger)
	defer manager.Close()

	for _, url := range cfg.ToolServers {
		conn, err := manager.Connect(ctx, url)
		if err != nil {
			slog.Error("Tool server connection failed, skipping", "url", url, "error", err)
			continue
		}
		slog.Info("Connected tool server", "url", url, "tools", conn.ToolCount)
	}

	orch := chat.New(st, provider, reg, toolserver.NewInvoker(manager), chat.Config{
		Model:             cfg.Chat.Model,
		Instructions:      cfg.Chat.Instructions,
		ToolTimeout:       cfg.Chat.ToolTimeout,
		GenerationTimeout: cfg.Chat.GenerationTimeout,
		MaxRounds:         cfg.Chat.MaxRounds,
	}, logger)

	srv := server.New(st, orch, manager, reg, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Shutting down", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()

	if err := srv.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
