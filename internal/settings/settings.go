// Package settings persists local preferences as opaque key/value strings.
package settings

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"go.uber.org/zap"
)

// SoundEnabledKey holds whether message sounds play.
const SoundEnabledKey = "@sound_enabled"

// Backend stores settings. sqlstore.DB implements it.
type Backend interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Settings reads and writes typed preferences.
type Settings struct {
	backend Backend
	logger  *zap.Logger
}

// New creates a Settings over backend.
func New(backend Backend, logger *zap.Logger) *Settings {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settings{backend: backend, logger: logger}
}

// SoundEnabled reports the sound flag, true when never set.
func (s *Settings) SoundEnabled(ctx context.Context) (bool, error) {
	return s.boolValue(ctx, SoundEnabledKey, true)
}

// SetSoundEnabled stores the sound flag.
func (s *Settings) SetSoundEnabled(ctx context.Context, enabled bool) error {
	return s.backend.PutSetting(ctx, SoundEnabledKey, strconv.FormatBool(enabled))
}

func (s *Settings) boolValue(ctx context.Context, key string, def bool) (bool, error) {
	raw, err := s.backend.GetSetting(ctx, key)
	if errors.Is(err, chaterr.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn("ignoring malformed setting", zap.String("key", key), zap.String("value", raw))
		return def, nil
	}
	return v, nil
}

// Memory is a Backend held in memory.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// GetSetting returns the value or chaterr.ErrNotFound.
func (m *Memory) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", chaterr.NotFoundf("setting %q", key)
	}
	return v, nil
}

// PutSetting stores the value.
func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
