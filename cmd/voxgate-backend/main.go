// Command voxgate-backend is the reference LLM backend the broker bridges
// to. It answers llm_request messages on /ws/edge by streaming completions
// from a configurable provider, keeping a short per-session chat history.
//
// Configuration is environment-driven:
//
//	PORT                 listen port (default 8090)
//	LLM_PROVIDER         completion backend (default "openai")
//	LLM_MODEL            model name (default "gpt-4o-mini")
//	LLM_API_KEY          api key for any-llm providers
//	LLM_BASE_URL         base url override for any-llm providers
//	OPENAI_API_KEY       api key when LLM_PROVIDER=openai
//	OPENAI_BASE_URL      OpenAI-compatible endpoint override
//	LLM_SYSTEM_PROMPT    system prompt override
//	CHAT_HISTORY_LIMIT   per-session history messages kept (default 20)
//	LLM_TIMEOUT_S        per-request completion deadline (default 90)
//	MAX_PENDING_REQUESTS per-connection queue depth (default 32)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxgate/voxgate/internal/llmserver"
	"github.com/voxgate/voxgate/pkg/llm"
	"github.com/voxgate/voxgate/pkg/llm/anyllm"
	"github.com/voxgate/voxgate/pkg/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxgate-backend: load .env: %v\n", err)
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := llmserver.Config{
		SystemPrompt:   os.Getenv("LLM_SYSTEM_PROMPT"),
		HistoryLimit:   envInt("CHAT_HISTORY_LIMIT", 20),
		RequestTimeout: time.Duration(envInt("LLM_TIMEOUT_S", 90)) * time.Second,
		MaxPending:     envInt("MAX_PENDING_REQUESTS", 32),
		Provider:       envString("LLM_PROVIDER", "openai"),
		Model:          envString("LLM_MODEL", "gpt-4o-mini"),
	}

	provider, err := buildProvider(cfg.Provider, cfg.Model)
	if err != nil {
		slog.Error("failed to build llm provider", "provider", cfg.Provider, "err", err)
		return 1
	}

	addr := ":" + envString("PORT", "8090")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           llmserver.New(cfg, provider).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("llm backend listening",
			"addr", addr,
			"provider", cfg.Provider,
			"model", cfg.Model,
			"history_limit", cfg.HistoryLimit,
		)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		slog.Error("serve error", "err", err)
		return 1
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProvider picks the completion backend. "openai" talks to any
// OpenAI-compatible endpoint and fails fast without a key; every other name
// is resolved through any-llm.
func buildProvider(name, model string) (llm.Provider, error) {
	if name == "openai" {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required")
		}
		var opts []openai.Option
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		return openai.New(apiKey, model, opts...)
	}

	var opts []anyllmlib.Option
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}
	return anyllm.New(name, model, opts...)
}

// ── Env helpers ────────────────────────────────────────────────────────────────

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer env", "key", key, "value", v)
		return fallback
	}
	return n
}
