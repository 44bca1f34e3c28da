// Package config reads and writes ~/.chatsync/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatsync/internal/chaterr"
)

// Backend names accepted in [store].
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Duration is a time.Duration written as "2m" or "500ms" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global config file. Fields missing from the file keep
// the values of Default.
type Config struct {
	DefaultSession string `toml:"default_session"`
	// User is the local user id the daemon signs in as.
	User string `toml:"user"`
	// Name is the display name used when the user is first registered.
	Name   string `toml:"name"`
	Device string `toml:"device"`

	Store    Store    `toml:"store"`
	Presence Presence `toml:"presence"`
	Retry    Retry    `toml:"retry"`
	Chat     Chat     `toml:"chat"`
}

// Store selects where messages and presence live.
type Store struct {
	// Messages is "sqlite" or "memory".
	Messages string `toml:"messages"`
	// Presence is "sqlite", "memory" or "redis". It falls back to Messages
	// when empty.
	Presence  string `toml:"presence"`
	RedisAddr string `toml:"redis_addr"`
}

type Presence struct {
	Heartbeat Duration `toml:"heartbeat"`
	Recheck   Duration `toml:"recheck"`
}

type Retry struct {
	MaxAttempts int      `toml:"max_attempts"`
	Backoff     Duration `toml:"backoff"`
}

type Chat struct {
	PageSize int      `toml:"page_size"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Device: "cli",
		Store: Store{
			Messages:  BackendSQLite,
			RedisAddr: "localhost:6379",
		},
		Presence: Presence{
			Heartbeat: Duration{60 * time.Second},
			Recheck:   Duration{15 * time.Second},
		},
		Retry: Retry{MaxAttempts: 3, Backoff: Duration{time.Second}},
		Chat:  Chat{PageSize: 20, CacheTTL: Duration{5 * time.Minute}},
	}
}

// PresenceBackend returns the backend that stores presence and typing.
func (c *Config) PresenceBackend() string {
	if c.Store.Presence == "" {
		return c.Store.Messages
	}
	return c.Store.Presence
}

// Validate rejects unknown backends and non-positive tunables.
func (c *Config) Validate() error {
	switch c.Store.Messages {
	case BackendSQLite, BackendMemory:
	default:
		return chaterr.Validationf("store.messages: unknown backend %q", c.Store.Messages)
	}
	switch c.PresenceBackend() {
	case BackendSQLite, BackendMemory, BackendRedis:
	default:
		return chaterr.Validationf("store.presence: unknown backend %q", c.Store.Presence)
	}
	if c.PresenceBackend() == BackendSQLite && c.Store.Messages != BackendSQLite {
		return chaterr.Validationf("store.presence: sqlite presence needs sqlite messages")
	}
	if c.Presence.Heartbeat.Duration <= 0 || c.Presence.Recheck.Duration <= 0 {
		return chaterr.Validationf("presence intervals must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return chaterr.Validationf("retry.max_attempts must be positive")
	}
	if c.Chat.PageSize <= 0 {
		return chaterr.Validationf("chat.page_size must be positive")
	}
	return nil
}

// Load reads config from the given path on top of Default. Returns nil and
// an error wrapping fs.ErrNotExist if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
