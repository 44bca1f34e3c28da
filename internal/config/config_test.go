package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.User = "alice"
	cfg.Store.Presence = BackendRedis
	cfg.Presence.Heartbeat = Duration{30 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" || loaded.User != "alice" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.PresenceBackend() != BackendRedis {
		t.Errorf("PresenceBackend() = %q, want redis", loaded.PresenceBackend())
	}
	if loaded.Presence.Heartbeat.Duration != 30*time.Second {
		t.Errorf("Heartbeat = %v, want 30s", loaded.Presence.Heartbeat)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "user = \"bob\"\n\n[presence]\nrecheck = \"5s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Presence.Recheck.Duration != 5*time.Second {
		t.Errorf("Recheck = %v, want 5s", cfg.Presence.Recheck)
	}
	if cfg.Presence.Heartbeat.Duration != time.Minute {
		t.Errorf("Heartbeat = %v, want default 1m", cfg.Presence.Heartbeat)
	}
	if cfg.Store.Messages != BackendSQLite || cfg.Chat.PageSize != 20 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[retry]\nbackoff = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an unparsable duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load() error = %v, want fs.ErrNotExist", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown messages backend", func(c *Config) { c.Store.Messages = "postgres" }},
		{"redis messages", func(c *Config) { c.Store.Messages = BackendRedis }},
		{"sqlite presence over memory", func(c *Config) {
			c.Store.Messages = BackendMemory
			c.Store.Presence = BackendSQLite
		}},
		{"zero recheck", func(c *Config) { c.Presence.Recheck = Duration{} }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero page size", func(c *Config) { c.Chat.PageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, chaterr.ErrValidation) {
				t.Errorf("Validate() = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
