package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sokoni/llm-router/internal/api"
	"github.com/sokoni/llm-router/internal/cache"
	"github.com/sokoni/llm-router/internal/config"
	"github.com/sokoni/llm-router/internal/database"
	"github.com/sokoni/llm-router/internal/health"
	"github.com/sokoni/llm-router/internal/logging"
	"github.com/sokoni/llm-router/internal/pricing"
	"github.com/sokoni/llm-router/internal/providers"
	"github.com/sokoni/llm-router/internal/router"
	"github.com/sokoni/llm-router/internal/tokenizer"
	"github.com/sokoni/llm-router/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	routing, err := config.LoadRouting(cfg.RoutingConfigPath)
	if err != nil {
		logger.Fatal("Routing config", zap.Error(err))
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Database init", zap.Error(err))
	}
	defer database.Close(db)

	registry := providers.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		client := providers.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.AttemptTimeout)
		registry.Register("openai", providers.WithBreaker("openai", client), nil)
	}
	if cfg.AnthropicAPIKey != "" {
		client := providers.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.AttemptTimeout)
		registry.Register("anthropic", providers.WithBreaker("anthropic", client), nil)
	}
	if len(registry.Providers()) == 0 {
		logger.Warn("no provider API keys configured, every dispatch will fail")
	}

	fallbacks := make(map[string][]health.Candidate, len(routing.Fallbacks))
	for strategy, refs := range routing.Fallbacks {
		chain := make([]health.Candidate, len(refs))
		for i, ref := range refs {
			chain[i] = health.Candidate{Provider: ref.Provider, Model: ref.Model}
		}
		fallbacks[strategy] = chain
	}

	tracker := health.NewTracker(db, logger, fallbacks)
	store := cache.NewStore(db, logger)
	recorder := usage.NewRecorder(db)
	estimator := pricing.NewEstimator(routing.RegionalCurrencies, routing.ExchangeRates)

	var tokens tokenizer.Tokenizer = tokenizer.Heuristic{}
	if cfg.ExactTokenizer {
		tokens = tokenizer.Tiktoken{}
	}

	dispatcher := router.NewDispatcher(registry, store, tracker, recorder, estimator, tokens, logger, router.Config{
		AttemptTimeout:  cfg.AttemptTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
		CacheTTL:        cfg.CacheTTL,
	})

	server := api.NewServer(dispatcher, recorder, tracker, store, logger, cfg.AdminSecret)

	// Hourly sweep of expired cache entries
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		removed, err := store.Sweep(ctx)
		if err != nil {
			logger.Warn("cache sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("cache sweep", zap.Int64("removed", removed))
		}
	}); err != nil {
		logger.Fatal("Scheduler", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Routes(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("LLM router starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-sigCtx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Shutdown error", zap.Error(err))
	}
	logger.Info("LLM router stopped")
}
