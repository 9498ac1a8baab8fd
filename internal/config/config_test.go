package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ARENA_CONFIG", "")
	t.Setenv("STORE_BACKEND", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.StoreBackend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ChatGrace() != 10*time.Minute || cfg.StoreTimeout() != 2*time.Second {
		t.Fatalf("unexpected durations grace=%v timeout=%v", cfg.ChatGrace(), cfg.StoreTimeout())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	body := "http_addr: \":9000\"\nchat_grace_sec: 120\nallowed_origins: [\"a.example\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ARENA_CONFIG", path)
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("OUTBOX_SIZE", "-4")
	t.Setenv("ALLOWED_ORIGINS", "b.example, c.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9100" {
		t.Fatalf("env should win over file, got %s", cfg.HTTPAddr)
	}
	if cfg.ChatGraceSec != 120 {
		t.Fatalf("file value lost, got %d", cfg.ChatGraceSec)
	}
	if cfg.OutboxSize != 64 {
		t.Fatalf("invalid env must be ignored, got %d", cfg.OutboxSize)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "c.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadBackendValidation(t *testing.T) {
	t.Setenv("ARENA_CONFIG", "")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected redis backend without url to fail")
	}
	t.Setenv("STORE_BACKEND", "cassandra")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/arena")
	if _, err := Load(); err != nil {
		t.Fatalf("postgres with url: %v", err)
	}
}
