package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/inwire/msggate/internal/httpapi"
	"github.com/inwire/msggate/internal/metrics"
	"github.com/inwire/msggate/internal/msggate"
)

type config struct {
	Addr            string        `envconfig:"MSGGATE_ADDR" default:":8080"`
	WebhookSecret   string        `envconfig:"WEBHOOK_SECRET"`
	DatabaseURL     string        `envconfig:"DATABASE_URL" default:"memory://"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	MaxBodyBytes    int64         `envconfig:"MSGGATE_MAX_BODY_BYTES" default:"1048576"`
	RateLimitMax    int           `envconfig:"MSGGATE_RATE_LIMIT_MAX" default:"0"`
	RateLimitWindow time.Duration `envconfig:"MSGGATE_RATE_LIMIT_WINDOW" default:"1m"`
	InsertTimeout   time.Duration `envconfig:"MSGGATE_INSERT_TIMEOUT" default:"5s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "msggate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	store, err := msggate.BuildStoreFromDSN(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close()

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is not set; webhook deliveries will be rejected with 503")
	}

	registry := metrics.NewRegistry()
	gate := msggate.NewSignatureGate(cfg.WebhookSecret)
	stream := msggate.NewBroadcaster()
	pipeline := msggate.NewPipeline(gate, store, registry, msggate.PipelineOptions{
		InsertTimeout: cfg.InsertTimeout,
		Stream:        stream,
		Logger:        logger,
	})
	server := httpapi.NewServerWithConfig(pipeline, store, registry, httpapi.ServerConfig{
		MaxBodyBytes:    cfg.MaxBodyBytes,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		Stream:          stream,
		Logger:          logger,
	})

	logger.Info("msggate listening", slog.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
