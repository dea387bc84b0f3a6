package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/claudiocassimiro/llm-api/internal/api"
	"github.com/claudiocassimiro/llm-api/internal/auth"
	"github.com/claudiocassimiro/llm-api/internal/completion"
	"github.com/claudiocassimiro/llm-api/internal/config"
	"github.com/claudiocassimiro/llm-api/internal/notifications"
	"github.com/claudiocassimiro/llm-api/internal/provider/ollama"
	"github.com/claudiocassimiro/llm-api/internal/queue"
	"github.com/claudiocassimiro/llm-api/internal/ratelimit"
	"github.com/claudiocassimiro/llm-api/internal/repository"
	"github.com/claudiocassimiro/llm-api/internal/secrets"
	"github.com/claudiocassimiro/llm-api/internal/telemetry"
	"github.com/claudiocassimiro/llm-api/internal/tokenizer"
	"github.com/claudiocassimiro/llm-api/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting llm-api", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, "llm-api", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		slog.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	}

	databaseURL := cfg.DatabaseURL
	if databaseURL == "" && cfg.DatabaseURLSecret != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secret store", "error", err)
			os.Exit(1)
		}
		databaseURL, err = store.GetSecret(ctx, cfg.DatabaseURLSecret)
		if err != nil {
			slog.Error("failed to resolve database secret", "error", err, "secret", cfg.DatabaseURLSecret)
			os.Exit(1)
		}
	}

	var (
		users    repository.UserRepository
		db       *sql.DB
		checkers []api.HealthChecker
	)
	if databaseURL != "" {
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		users = repository.NewPostgresUserRepository(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres user store")
	} else {
		users = repository.NewInMemoryUserRepository()
		slog.Warn("no database configured, users will not survive restarts")
	}

	var rateLimiter ratelimit.RateLimiter
	if cfg.RateLimitRPM > 0 {
		if cfg.RedisURL != "" {
			redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL)
			if err != nil {
				slog.Error("failed to connect to redis", "error", err)
				os.Exit(1)
			}
			defer redisLimiter.Close()
			rateLimiter = redisLimiter

			redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL)
			if err == nil {
				checkers = append(checkers, redisChecker)
			}
			slog.Info("using redis rate limiter", "rpm", cfg.RateLimitRPM)
		} else {
			rateLimiter = ratelimit.NewInMemoryRateLimiter()
			slog.Info("using in-memory rate limiter", "rpm", cfg.RateLimitRPM)
		}
	}

	backend := ollama.New(cfg.OllamaBaseURL)
	checkers = append(checkers, api.NewBackendHealthChecker(backend))
	slog.Info("using ollama backend", "url", cfg.OllamaBaseURL)

	resolver := tokenizer.NewResolver(nil, cfg.FallbackEncoding)
	completions := completion.NewService(backend, resolver, users)

	var usageQueue queue.Queue
	if cfg.UsageQueueURL != "" {
		usageQueue, err = queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to create usage queue", "error", err)
			os.Exit(1)
		}
		slog.Info("publishing usage events", "queue", cfg.UsageQueueURL)
	}

	var monitor *usage.Monitor
	if cfg.UserTokenQuota > 0 {
		monitor = usage.NewMonitor(users, cfg.UserTokenQuota, usage.DefaultThresholds())
		monitor.OnAlert(usage.LogAlertHandler)

		if cfg.UsageTopicARN != "" {
			notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.UsageTopicARN)
			if err != nil {
				slog.Error("failed to create notifier", "error", err)
				os.Exit(1)
			}
			monitor.OnAlert(usage.NotifyAlertHandler(notifier))
			slog.Info("quota alerts enabled", "topic", cfg.UsageTopicARN, "quota", cfg.UserTokenQuota)
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Auth:         auth.NewService(users),
		Completions:  completions,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
		UsageQueue:   usageQueue,
		UsageMonitor: monitor,
		Checkers:     checkers,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streamed completions can legitimately run for
		// minutes. The backend client's own timeout bounds the request.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
