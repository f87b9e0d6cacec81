package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Chat        ChatConfig                `json:"chat"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// ChatConfig selects the provider used by the goal clarification dialogue.
// Model and temperature are fixed here and never exposed to clients.
type ChatConfig struct {
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	Temperature    *float32 `json:"temperature,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxRetries     int      `json:"max_retries"` // -1 disables retries
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	LogLevel          string `json:"log_level"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	SessionTTL        int    `json:"session_ttl"`         // minutes
	TokenTTL          int    `json:"token_ttl"`           // hours
	FeedPageSize      int    `json:"feed_page_size"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	// relative sqlite files live next to the config file
	for name, db := range cfg.Databases {
		if db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.SessionTTL <= 0 {
		b.SessionTTL = 24 * 60
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = 24
	}
	if b.FeedPageSize <= 0 {
		b.FeedPageSize = 30
	}
	if c.Chat.TimeoutSeconds <= 0 {
		c.Chat.TimeoutSeconds = 60
	}
	if c.Chat.MaxRetries < 0 {
		c.Chat.MaxRetries = 0
	} else if c.Chat.MaxRetries == 0 {
		c.Chat.MaxRetries = 1
	}
}

// Validate checks that the chat provider is usable.
func (c *Config) Validate() error {
	provider := strings.TrimSpace(c.Chat.Provider)
	if provider == "" {
		return fmt.Errorf("chat.provider must be configured")
	}
	if _, ok := c.Providers[provider]; !ok {
		return fmt.Errorf("provider %s not configured", provider)
	}
	return nil
}
