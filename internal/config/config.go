package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type AppConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	StoreBackend string `yaml:"store_backend"`
	RedisURL     string `yaml:"redis_url"`
	DatabaseURL  string `yaml:"database_url"`

	StoreTimeoutMS    int `yaml:"store_timeout_ms"`
	StoreRetentionSec int `yaml:"store_retention_sec"`

	ChatGraceSec     int `yaml:"chat_grace_sec"`
	SessionEvictSec  int `yaml:"session_evict_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`

	SnapshotMessageLimit int `yaml:"snapshot_message_limit"`
	MaxMessageLen        int `yaml:"max_message_len"`
	OutboxSize           int `yaml:"outbox_size"`

	AllowedOrigins   []string `yaml:"allowed_origins"`
	ResultWebhookURL string   `yaml:"result_webhook_url"`
	MsgcatDir        string   `yaml:"msgcat_dir"`
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:             ":8080",
		StoreBackend:         BackendMemory,
		StoreTimeoutMS:       2000,
		StoreRetentionSec:    259200,
		ChatGraceSec:         600,
		SessionEvictSec:      900,
		SweepIntervalSec:     60,
		SnapshotMessageLimit: 50,
		MaxMessageLen:        500,
		OutboxSize:           64,
	}
}

// Load applies defaults, then the YAML file named by ARENA_CONFIG, then environment variables.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("STORE_BACKEND")); v != "" {
		cfg.StoreBackend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RESULT_WEBHOOK_URL")); v != "" {
		cfg.ResultWebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MSGCAT_DIR")); v != "" {
		cfg.MsgcatDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	positiveInt("STORE_TIMEOUT_MS", &cfg.StoreTimeoutMS)
	positiveInt("STORE_RETENTION_SEC", &cfg.StoreRetentionSec)
	positiveInt("CHAT_GRACE_SEC", &cfg.ChatGraceSec)
	positiveInt("SESSION_EVICT_SEC", &cfg.SessionEvictSec)
	positiveInt("SWEEP_INTERVAL_SEC", &cfg.SweepIntervalSec)
	positiveInt("SNAPSHOT_MESSAGE_LIMIT", &cfg.SnapshotMessageLimit)
	positiveInt("MAX_MESSAGE_LEN", &cfg.MaxMessageLen)
	positiveInt("OUTBOX_SIZE", &cfg.OutboxSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend requirements.
func (c *AppConfig) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	return nil
}

func (c *AppConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func (c *AppConfig) StoreRetention() time.Duration {
	return time.Duration(c.StoreRetentionSec) * time.Second
}

func (c *AppConfig) ChatGrace() time.Duration { return time.Duration(c.ChatGraceSec) * time.Second }

func (c *AppConfig) SessionEvict() time.Duration {
	return time.Duration(c.SessionEvictSec) * time.Second
}

func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// positiveInt overwrites *dst with env k when it parses to a positive integer; anything else is ignored.
func positiveInt(k string, dst *int) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
