package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUsesDefaultsAndYAMLOverrides(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	yaml := `
storage:
  driver: postgres
postgres:
  dsn: postgres://u:p@db:5432/unimatch
redis:
  addr: redis:6379
realtime:
  relay: redis
  catchup_limit: 500
limits:
  messages_per_10s: 3
  max_message_runes: 1000
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Storage.Driver != StoragePostgres {
		t.Fatalf("unexpected storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Realtime.Relay != RelayRedis || cfg.Realtime.CatchupLimit != 500 {
		t.Fatalf("unexpected realtime config: %+v", cfg.Realtime)
	}
	if cfg.Limits.MessagesPer10Sec != 3 || cfg.Limits.MaxMessageRunes != 1000 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}

	if cfg.Limits.MessagesPerMinute != 40 {
		t.Fatalf("messages_per_minute default should stay 40")
	}
	if cfg.Realtime.SendBuffer != 64 {
		t.Fatalf("send_buffer default should stay 64")
	}
	if cfg.Auth.JWTAccessTTL != 15*time.Minute {
		t.Fatalf("jwt_access_ttl default should stay 15m")
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config with missing file: %v", err)
	}

	if cfg.Storage.Driver != StorageMemory {
		t.Fatalf("unexpected default storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Realtime.Relay != RelayNone {
		t.Fatalf("unexpected default relay: %s", cfg.Realtime.Relay)
	}
	if cfg.Realtime.CatchupLimit != 200 {
		t.Fatalf("unexpected default catchup limit: %d", cfg.Realtime.CatchupLimit)
	}
	if cfg.Limits.MaxMessageRunes != 4000 {
		t.Fatalf("unexpected default max_message_runes: %d", cfg.Limits.MaxMessageRunes)
	}
	if cfg.Redis.Addr != "" {
		t.Fatalf("redis must be disabled by default, got %q", cfg.Redis.Addr)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORAGE_DRIVER", "POSTGRES")
	t.Setenv("REALTIME_RELAY", "nats")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("REALTIME_INSTANCE_ID", "api-7")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.edu, https://b.edu")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Storage.Driver != StoragePostgres || cfg.Realtime.Relay != RelayNATS {
		t.Fatalf("unexpected drivers: %s %s", cfg.Storage.Driver, cfg.Realtime.Relay)
	}
	if cfg.NATS.URL != "nats://bus:4222" || cfg.Realtime.InstanceID != "api-7" {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.NATS, cfg.Realtime)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "https://b.edu" {
		t.Fatalf("unexpected origins: %v", cfg.HTTP.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown storage":       {"STORAGE_DRIVER": "sqlite"},
		"unknown relay":         {"REALTIME_RELAY": "kafka"},
		"redis relay sans addr": {"REALTIME_RELAY": "redis"},
		"default secret prod":   {"APP_ENV": "prod"},
		"bad duration":          {"JWT_ACCESS_TTL": "soon"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV",
		"HTTP_ADDR",
		"HTTP_READ_TIMEOUT",
		"HTTP_WRITE_TIMEOUT",
		"HTTP_IDLE_TIMEOUT",
		"HTTP_ALLOWED_ORIGINS",
		"LOG_LEVEL",
		"STORAGE_DRIVER",
		"POSTGRES_DSN",
		"POSTGRES_AUTO_MIGRATE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"NATS_URL",
		"JWT_SECRET",
		"JWT_ACCESS_TTL",
		"REFRESH_TTL",
		"REALTIME_INSTANCE_ID",
		"REALTIME_RELAY",
		"REALTIME_CATCHUP_LIMIT",
		"REALTIME_SEND_BUFFER",
		"LIMITS_MESSAGES_PER_10S",
		"LIMITS_MESSAGES_PER_MINUTE",
		"TRACING_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}
