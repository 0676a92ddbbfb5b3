package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.LinkSessionTTL != 5*time.Minute {
		t.Fatalf("expected default TTL 5m, got %v", cfg.LinkSessionTTL)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.StoreDriver)
	}
	if cfg.LinkCodeBase != "devicelink://link" {
		t.Fatalf("unexpected code base %q", cfg.LinkCodeBase)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "1234"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":      "x",
		"LINK_SESSION_TTL":   "90s",
		"STORE_DRIVER":       "SQLite",
		"DATABASE_URL":       "file.db",
		"SWEEP_INTERVAL":     "10s",
		"TERMINAL_RETENTION": "2h",
		"CREATE_RATE_LIMIT":  "3",
		"CREATE_RATE_WINDOW": "30s",
		"LOG_FORMAT":         "TEXT",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.LinkSessionTTL != 90*time.Second || cfg.StoreDriver != StoreSQLite || cfg.DatabaseURL != "file.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SweepInterval != 10*time.Second || cfg.TerminalRetention != 2*time.Hour {
		t.Fatalf("unexpected sweep config: %+v", cfg)
	}
	if cfg.CreateRateLimit != 3 || cfg.CreateRateWindow != 30*time.Second || cfg.LogFormat != "text" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]mapEnv{
		"ttl":          {"MASTER_SECRET": "x", "LINK_SESSION_TTL": "soon"},
		"negative ttl": {"MASTER_SECRET": "x", "LINK_SESSION_TTL": "-1m"},
		"driver":       {"MASTER_SECRET": "x", "STORE_DRIVER": "redis"},
		"missing dsn":  {"MASTER_SECRET": "x", "STORE_DRIVER": "postgres"},
		"rate":         {"MASTER_SECRET": "x", "CREATE_RATE_LIMIT": "0"},
		"log format":   {"MASTER_SECRET": "x", "LOG_FORMAT": "xml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfigFromEnv(env); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestViperEnv_ReadsDotEnvAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("MASTER_SECRET=from-file\nPORT=4000\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("PORT", "5000")

	cfg, err := LoadConfigFromEnv(newViperEnv(dotenv))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.MasterSecret != "from-file" {
		t.Fatalf("expected secret from .env, got %q", cfg.MasterSecret)
	}
	if cfg.Port != 5000 {
		t.Fatalf("expected environment to override .env, got %d", cfg.Port)
	}
}
