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

	"github.com/MikkoParkkola/translate-gateway/internal/api"
	"github.com/MikkoParkkola/translate-gateway/internal/auth"
	"github.com/MikkoParkkola/translate-gateway/internal/budget"
	"github.com/MikkoParkkola/translate-gateway/internal/cache"
	"github.com/MikkoParkkola/translate-gateway/internal/config"
	"github.com/MikkoParkkola/translate-gateway/internal/cost"
	"github.com/MikkoParkkola/translate-gateway/internal/crypto"
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/models"
	"github.com/MikkoParkkola/translate-gateway/internal/notifications"
	"github.com/MikkoParkkola/translate-gateway/internal/orchestrator"
	"github.com/MikkoParkkola/translate-gateway/internal/provider/bedrock"
	"github.com/MikkoParkkola/translate-gateway/internal/provider/libre"
	"github.com/MikkoParkkola/translate-gateway/internal/provider/local"
	"github.com/MikkoParkkola/translate-gateway/internal/queue"
	"github.com/MikkoParkkola/translate-gateway/internal/ratelimit"
	"github.com/MikkoParkkola/translate-gateway/internal/registry"
	"github.com/MikkoParkkola/translate-gateway/internal/repository"
	"github.com/MikkoParkkola/translate-gateway/internal/secrets"
	"github.com/MikkoParkkola/translate-gateway/internal/storage"
	"github.com/MikkoParkkola/translate-gateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting translate gateway", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "translate-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	var store storage.Service
	if cfg.RedisURL != "" {
		redisStore, err := storage.NewRedisStore(cfg.RedisURL, "translategw")
		if err != nil {
			slog.Warn("failed to connect to redis, cache will not persist", "error", err)
			store = nil
		} else {
			store = redisStore
			slog.Info("using redis durable cache tier")
		}
	}

	translationCache := cache.New(cache.Config{
		MaxSize: cfg.CacheMaxSize,
		TTL:     cfg.CacheTTL,
		Store:   store,
	})

	var secretStore secrets.SecretStore
	if cfg.AWSRegion != "" {
		secretStore, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion, cfg.SecretsPrefix)
		if err != nil {
			slog.Warn("secrets manager unavailable, using env values only", "error", err)
			secretStore = nil
		}
	}
	if secretStore == nil && cfg.EncryptionKey != "" && store != nil {
		encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Warn("invalid encryption key, encrypted key store disabled", "error", err)
		} else {
			secretStore = secrets.NewEncryptedStore(store, encryptor)
			slog.Info("using encrypted key store")
		}
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns unavailable, falling back to log notifier", "error", err)
		} else {
			notifier = snsNotifier
		}
	}

	reg := registry.New()
	registerProviders(ctx, cfg, reg, secretStore, notifier)

	if len(reg.List()) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	prober := registry.NewProber(reg, 5*time.Minute, 10*time.Second)
	prober.OnTransition = func(providerID string, healthy bool) {
		kind := notifications.NotificationProviderDown
		message := "provider became unhealthy"
		if healthy {
			kind = notifications.NotificationProviderUp
			message = "provider recovered"
		}
		if err := notifier.Send(ctx, notifications.Notification{
			Type:     kind,
			Provider: providerID,
			Message:  message,
		}); err != nil {
			slog.Warn("failed to send health notification", "error", err)
		}
	}

	var tracker cost.Tracker = cost.NewInMemoryTracker()
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		pg, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Warn("database unavailable, usage tracking is in-memory", "error", err)
		} else {
			tracker = repository.NewPostgresUsageRepository(pg)
			db = pg
			slog.Info("using postgres usage tracking")
		}
	}

	var dedup budget.AlertDeduplicator
	if cfg.RedisURL != "" {
		redisDedup, err := budget.NewRedisDeduplicator(cfg.RedisURL, time.Hour)
		if err == nil {
			dedup = redisDedup
		}
	}
	monitor := budget.NewMonitor(tracker, dedup, budget.DefaultThresholds())
	monitor.OnAlert(budget.LogAlertHandler)
	monitor.OnAlert(func(alert budget.Alert) {
		kind := notifications.NotificationBudgetWarning
		if alert.Level == budget.AlertLevelExceeded {
			kind = notifications.NotificationBudgetExceeded
		}
		notifier.Send(ctx, notifications.Notification{
			Type:     kind,
			Provider: alert.Provider,
			Message:  "provider spend crossed a budget threshold",
			Data: map[string]interface{}{
				"budget_usd": alert.Budget,
				"spent_usd":  alert.CurrentUse,
				"percentage": alert.Percentage,
			},
		})
	})

	var preferences *registry.Preferences
	if store != nil {
		preferences = registry.NewPreferences(store)
	}

	var shared *ratelimit.RedisLimiter
	if cfg.RedisURL != "" {
		shared, err = ratelimit.NewRedisLimiter(cfg.RedisURL, time.Minute)
		if err != nil {
			slog.Warn("shared throttle unavailable, limits are per-instance", "error", err)
		} else {
			defer shared.Close()
			slog.Info("using fleet-wide rate limits")
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Registry:    reg,
		Cache:       translationCache,
		Tracker:     tracker,
		Preferences: preferences,
		Prober:      prober,
		RateLimit: ratelimit.Config{
			RequestLimit: cfg.RequestsPerMinute,
			TokenLimit:   cfg.TokensPerMinute,
		},
		Shared:      shared,
		MaxAttempts: cfg.MaxRetries,
	})
	defer orch.Close()

	go watchBudgets(ctx, monitor, reg)

	var jobQueue queue.Queue
	var worker *queue.Worker
	if cfg.SQSQueueURL != "" && cfg.AWSRegion != "" {
		sqsQueue, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SQSQueueURL, cfg.SQSQueueURL+"-results")
		if err != nil {
			slog.Warn("sqs unavailable, async jobs disabled", "error", err)
		} else {
			jobQueue = sqsQueue
		}
	}
	if jobQueue != nil {
		worker = queue.NewWorker(jobQueue, orch, 5)
		worker.Start(ctx)
		slog.Info("async job worker started")
	}

	verifier := auth.NewVerifier(cfg.AdminAuthEnabled, cfg.AdminKeyHash)
	admin := api.NewAdminHandler(reg, tracker, verifier)

	var checkers []api.HealthChecker
	if cfg.RedisURL != "" {
		if checker, err := api.NewRedisHealthChecker(cfg.RedisURL); err == nil {
			checkers = append(checkers, checker)
		}
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator:  orch,
		Registry:      reg,
		Queue:         jobQueue,
		Admin:         admin,
		ReadyCheckers: checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
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

	if worker != nil {
		worker.Stop()
	}
	orch.Close()
	if db != nil {
		db.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func registerProviders(ctx context.Context, cfg *config.Config, reg *registry.Registry, secretStore secrets.SecretStore, notifier notifications.Notifier) {
	if cfg.LibreURL != "" {
		apiKey := cfg.LibreAPIKey
		if apiKey == "" && secretStore != nil {
			if value, err := secretStore.GetSecret(ctx, "libretranslate-api-key"); err == nil {
				apiKey = value
			}
		}

		err := reg.Register(&domain.Provider{
			ID:       "libretranslate",
			Name:     "LibreTranslate",
			Type:     domain.ProviderTypeNetwork,
			Endpoint: cfg.LibreURL,
			Features: map[string]bool{"batch": true},
			Limits: domain.Limits{
				RequestsPerMinute: cfg.RequestsPerMinute,
				TokensPerMinute:   cfg.TokensPerMinute,
			},
			Languages: languageSet("en", "fi", "sv", "de", "fr", "es", "it", "pt", "nl", "pl", "ru", "ja", "zh"),
			Priority:  1,
			Enabled:   true,
			Backend:   libre.New(cfg.LibreURL, apiKey),
		})
		if err != nil {
			slog.Error("failed to register provider", "provider", "libretranslate", "error", err)
		} else {
			slog.Info("registered provider", "provider", "libretranslate", "url", cfg.LibreURL)
		}
	}

	if cfg.BedrockModel != "" && cfg.AWSRegion != "" {
		backend, err := bedrock.New(ctx, cfg.AWSRegion, cfg.BedrockModel)
		if err != nil {
			slog.Error("failed to init bedrock", "error", err)
		} else {
			err := reg.Register(&domain.Provider{
				ID:       "bedrock",
				Name:     "Amazon Bedrock",
				Type:     domain.ProviderTypeNetwork,
				Endpoint: "https://bedrock-runtime." + cfg.AWSRegion + ".amazonaws.com",
				Features: map[string]bool{"ai": true, "quality-high": true},
				Limits: domain.Limits{
					RequestsPerMinute: cfg.RequestsPerMinute,
					TokensPerMinute:   cfg.TokensPerMinute,
					CostPer1KChars:    0.015,
					MonthlyBudgetUSD:  100,
				},
				Languages: languageSet("en", "fi", "sv", "de", "fr", "es", "it", "pt", "nl", "pl", "ru", "ja", "zh", "ko", "ar", "hi", "tr", "da", "no", "cs"),
				Priority:  2,
				Enabled:   true,
				Backend:   backend,
			})
			if err != nil {
				slog.Error("failed to register provider", "provider", "bedrock", "error", err)
			} else {
				slog.Info("registered provider", "provider", "bedrock", "model", cfg.BedrockModel)
			}
		}
	}

	if cfg.LocalModelDir != "" {
		routes := models.DefaultRoutes()
		loader := models.NewLoader(models.LoaderConfig{
			Runtime: models.NewProcessRuntime("translate-worker", cfg.LocalModelDir),
			Progress: func(modelID, phase string, percent int) {
				slog.Debug("model load progress", "model", modelID, "phase", phase, "percent", percent)
				if phase == "error" {
					notifier.Send(ctx, notifications.Notification{
						Type:     notifications.NotificationModelLoadFailed,
						Provider: "local",
						Message:  "model failed through the entire fallback chain",
						Data:     map[string]interface{}{"model": modelID},
					})
				}
			},
		})

		languages := make(map[string]bool)
		for _, pair := range routes.Pairs() {
			languages[pair[0]] = true
			languages[pair[1]] = true
		}

		err := reg.Register(&domain.Provider{
			ID:        "local",
			Name:      "Local Models",
			Type:      domain.ProviderTypeLocal,
			Languages: languages,
			Features:  map[string]bool{"offline": true},
			Limits: domain.Limits{
				RequestsPerMinute: 600,
				TokensPerMinute:   1000000,
			},
			Priority: 3,
			Enabled:  true,
			Backend:  local.New(routes, loader),
		})
		if err != nil {
			slog.Error("failed to register provider", "provider", "local", "error", err)
		} else {
			slog.Info("registered provider", "provider", "local", "model_dir", cfg.LocalModelDir)
		}
	}
}

// watchBudgets sweeps provider spend hourly.
func watchBudgets(ctx context.Context, monitor *budget.Monitor, reg *registry.Registry) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range reg.List() {
				if _, err := monitor.Check(ctx, p); err != nil {
					slog.Warn("budget check failed", "provider", p.ID, "error", err)
				}
			}
		}
	}
}

func languageSet(langs ...string) map[string]bool {
	set := make(map[string]bool, len(langs))
	for _, lang := range langs {
		set[lang] = true
	}
	return set
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
