package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"dev.sprung.conductor/internal/config"
	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/ensemble"
	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/llm/providers/anthropic"
	"dev.sprung.conductor/internal/llm/providers/ollama"
	"dev.sprung.conductor/internal/llm/providers/openai"
	"dev.sprung.conductor/internal/messaging/kafka"
	"dev.sprung.conductor/internal/middleware"
	"dev.sprung.conductor/internal/observability"
	"dev.sprung.conductor/internal/orchestrator"
	"dev.sprung.conductor/internal/registry"
	"dev.sprung.conductor/internal/server"
	pgstore "dev.sprung.conductor/internal/storage/postgres"
	redisstore "dev.sprung.conductor/internal/storage/redis"
	sqlitestore "dev.sprung.conductor/internal/storage/sqlite"
	"dev.sprung.conductor/internal/structured"
	"dev.sprung.conductor/internal/version"
)

var (
	showVersion = flag.Bool("version", false, "Show version information and exit")
	listenAddr  = flag.String("addr", "", "Listen address, overrides CONDUCTOR_ADDR")
	catalogPath = flag.String("catalog", "", "Model catalog path, overrides CONDUCTOR_CATALOG")
	generateKey = flag.Bool("generate-key", false, "Generate an API key with its argon2id digest and exit")
	hashKey     = flag.String("hash-key", "", "Print the argon2id digest for an existing API key and exit")
)

func main() {
	// API keys and provider credentials load from .env when present;
	// a missing file is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("Could not load .env file")
	}

	flag.Parse()

	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Conductor failed")
	}
}

func run() error {
	if *showVersion {
		fmt.Println(version.Get().String())
		return nil
	}
	if *generateKey {
		return handleGenerateKey()
	}
	if *hashKey != "" {
		return handleHashKey(*hashKey)
	}

	cfg := config.Load()
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}
	if *catalogPath != "" {
		cfg.Catalog.Path = *catalogPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	printBanner()
	logger := setupLogger(cfg.Log)
	ctx := context.Background()

	tp, err := observability.SetupTraceExporter(ctx, observability.ExporterFromConfig(
		cfg.Trace, "conductor", version.Version, os.Getenv("CONDUCTOR_ENV")))
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	metrics := observability.NewCollector(nil)

	reg, err := registry.New(registry.CatalogLoader(cfg.Catalog.Path), logger)
	if err != nil {
		return fmt.Errorf("loading model catalog: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":   cfg.Catalog.Path,
		"models": len(reg.Models()),
	}).Info("Model catalog loaded")

	if cfg.Catalog.Watch {
		watcher, err := registry.NewWatcher(reg, cfg.Catalog.Path, logger)
		if err != nil {
			logger.WithError(err).Warn("Catalog watcher unavailable, hot reload disabled")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	providers := buildProviders(cfg, tp, metrics, logger)
	if len(providers) == 0 {
		return fmt.Errorf("no providers enabled, check CONDUCTOR_*_ENABLED settings")
	}

	breakers := llm.NewBreakerManager(llm.DefaultCircuitBreakerConfig(), logger, metrics.BreakerStateHook())
	retryer := llm.NewRetryer(llm.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		JitterFactor: cfg.Retry.JitterFactor,
	}, logger)
	client := llm.NewClient(llm.NewProviderRegistry(providers...), breakers, retryer, cfg.Timeouts.PerAttempt, logger)

	store, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer closeStore()
	logger.WithField("backend", cfg.Store.Backend).Info("Conversation store ready")

	var publisher conversation.Publisher
	if len(cfg.Events.Brokers) > 0 {
		kcfg := kafka.DefaultConfig()
		kcfg.Brokers = cfg.Events.Brokers
		kcfg.Topic = cfg.Events.Topic
		pub, err := kafka.New(kcfg, logger)
		if err != nil {
			return fmt.Errorf("configuring kafka publisher: %w", err)
		}
		defer pub.Close()
		publisher = pub
		logger.WithFields(logrus.Fields{
			"brokers": cfg.Events.Brokers,
			"topic":   kcfg.Topic,
		}).Info("Publishing conversation events to Kafka")
	}

	manager := conversation.NewManager(store, publisher, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Builder:       llm.NewBuilder(reg, cfg.Defaults),
		Client:        client,
		Validator:     structured.NewValidator(logger),
		Conversations: manager,
		Coordinator:   ensemble.NewCoordinator(logger),
		Timeouts:      cfg.Timeouts,
		Ensemble:      cfg.Ensemble,
		Logger:        logger,
	})

	srv, err := server.New(server.Deps{
		Config:        cfg,
		Orchestrator:  orch,
		Conversations: manager,
		Registry:      reg,
		Client:        client,
		Metrics:       metrics,
		Logger:        logger,
	}, server.WithGinMode(ginMode(cfg.Log.Level)))
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Trace exporter shutdown error")
	}

	logger.Info("Shutdown complete")
	return nil
}

func printBanner() {
	color.New(color.FgCyan, color.Bold).Fprintln(os.Stderr, "Conductor")
	color.New(color.Faint).Fprintf(os.Stderr, "%s\n", version.Short())
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func ginMode(logLevel string) string {
	if logLevel == "debug" || logLevel == "trace" {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

// buildProviders constructs one adapter per enabled vendor, each
// wrapped with tracing and per-attempt metrics.
func buildProviders(cfg *config.Config, tp trace.TracerProvider, metrics *observability.Collector, logger *logrus.Logger) []llm.Provider {
	var out []llm.Provider

	if cfg.Providers.OpenAI.Enabled {
		p := openai.New(openai.Config{BaseURL: cfg.Providers.OpenAI.BaseURL, Logger: logger})
		out = append(out, observability.NewTracedProvider(p, tp, metrics))
		logger.WithField("base_url", cfg.Providers.OpenAI.BaseURL).Info("OpenAI provider enabled")
	}
	if cfg.Providers.Anthropic.Enabled {
		p := anthropic.New(anthropic.Config{BaseURL: cfg.Providers.Anthropic.BaseURL, Logger: logger})
		out = append(out, observability.NewTracedProvider(p, tp, metrics))
		logger.WithField("base_url", cfg.Providers.Anthropic.BaseURL).Info("Anthropic provider enabled")
	}
	if cfg.Providers.Ollama.Enabled {
		p := ollama.New(ollama.Config{BaseURL: cfg.Providers.Ollama.BaseURL, Logger: logger})
		out = append(out, observability.NewTracedProvider(p, tp, metrics))
		logger.WithField("base_url", cfg.Providers.Ollama.BaseURL).Info("Ollama provider enabled")
	}
	return out
}

// buildStore opens the configured conversation store backend.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *logrus.Logger) (conversation.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		store, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		store, err := pgstore.New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case "sqlite":
		store, err := sqlitestore.New(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return conversation.NewMemoryStore(), func() {}, nil
	}
}

func handleGenerateKey() error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate random key: %w", err)
	}
	key := "ck-" + hex.EncodeToString(raw)

	digest, err := middleware.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	fmt.Printf("API key: %s\n", key)
	fmt.Printf("Digest:  %s\n", digest)
	fmt.Println()
	fmt.Println("Add the digest to CONDUCTOR_API_KEY_DIGESTS and hand the key to the client.")
	fmt.Println("The key itself is never stored by the server.")
	return nil
}

func handleHashKey(key string) error {
	digest, err := middleware.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	fmt.Println(digest)
	return nil
}
