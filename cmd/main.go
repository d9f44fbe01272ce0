package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bookshop-agent/handler"
	"bookshop-agent/internal/integrations/openai"
	"bookshop-agent/internal/oracle"
	"bookshop-agent/internal/session"
	"bookshop-agent/internal/usecase"
)

func main() {
	// ---- Configuration (read only here) ----
	apiKey := mustEnv("OPENAI_API_KEY")
	addr := envStr("ADDR", ":5000")
	model := envStr("OPENAI_MODEL", "gpt-3.5-turbo")
	baseURL := envStr("OPENAI_BASE_URL", "")
	idleTTL := envDuration("SESSION_IDLE_TTL", time.Hour)

	// ---- Clients ----
	llmOpts := []openai.Option{}
	if baseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.NewClient(apiKey, llmOpts...)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	intents, err := oracle.New(llm, model)
	if err != nil {
		slog.Error("failed to create oracle adapter", "err", err)
		os.Exit(1)
	}

	store := session.New(session.WithIdleTTL(idleTTL))
	defer store.Close()

	// ---- Handler ----
	chatService, err := usecase.NewChatService(intents, store)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:        addr,
		Handler:     h.Routes(),
		ReadTimeout: 15 * time.Second,
		// A single turn can chain several oracle calls.
		WriteTimeout: 2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("listening", "addr", addr, "model", model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if secs, convErr := strconv.Atoi(v); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		return def
	}
	return d
}
