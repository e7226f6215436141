package main

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLogLevel(tc.raw); got != tc.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"MSGGATE_ADDR", "WEBHOOK_SECRET", "DATABASE_URL", "LOG_LEVEL",
		"MSGGATE_MAX_BODY_BYTES", "MSGGATE_RATE_LIMIT_MAX",
		"MSGGATE_RATE_LIMIT_WINDOW", "MSGGATE_INSERT_TIMEOUT",
	} {
		// t.Setenv registers the restore; defaults only apply to unset keys.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		t.Fatalf("process config: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected default addr %q", cfg.Addr)
	}
	if cfg.DatabaseURL != "memory://" {
		t.Fatalf("unexpected default database url %q", cfg.DatabaseURL)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected default body limit %d", cfg.MaxBodyBytes)
	}
	if cfg.RateLimitWindow != time.Minute || cfg.InsertTimeout != 5*time.Second {
		t.Fatalf("unexpected default durations: %s %s", cfg.RateLimitWindow, cfg.InsertTimeout)
	}
}

func TestConfigOverrides(t *testing.T) {
	t.Setenv("MSGGATE_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "sqlite:///msggate.db")
	t.Setenv("MSGGATE_RATE_LIMIT_MAX", "100")
	t.Setenv("MSGGATE_INSERT_TIMEOUT", "250ms")

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		t.Fatalf("process config: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.DatabaseURL != "sqlite:///msggate.db" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.RateLimitMax != 100 || cfg.InsertTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}
