package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/remote/redisstore"
	"github.com/matheus3301/chatsync/internal/remote/sqlstore"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/settings"
	"go.uber.org/zap"
)

const redisDialTimeout = 5 * time.Second

// Backends are the stores the daemon runs on, chosen by [store] in the config.
type Backends struct {
	Store    remote.Store
	Settings settings.Backend
}

func openBackends(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*Backends, error) {
	var (
		messages remote.MessageBackend
		local    interface {
			remote.PresenceBackend
			remote.TypingBackend
		}
		st      settings.Backend
		closers []io.Closer
	)

	switch cfg.Store.Messages {
	case config.BackendSQLite:
		db, err := openSQLite(session.StorePath(p.SessionName), b, logger)
		if err != nil {
			return nil, err
		}
		messages, local, st = db, db, db
		closers = append(closers, db)
	case config.BackendMemory:
		mem := memstore.New(memstore.WithBus(b))
		messages, local, st = mem, mem, settings.NewMemory()
		logger.Warn("using in-memory store, nothing will persist")
	default:
		return nil, fmt.Errorf("unknown message backend %q", cfg.Store.Messages)
	}

	switch cfg.PresenceBackend() {
	case config.BackendRedis:
	case config.BackendMemory:
		if cfg.Store.Messages != config.BackendMemory {
			local = memstore.New(memstore.WithBus(b))
		}
		fallthrough
	default:
		return &Backends{Store: remote.Compose(messages, local, local, closers...), Settings: st}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	rs, err := redisstore.New(ctx, cfg.Store.RedisAddr, logger)
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}
	logger.Info("presence on redis", zap.String("addr", cfg.Store.RedisAddr))
	closers = append(closers, rs)
	return &Backends{Store: remote.Compose(messages, rs, rs, closers...), Settings: st}, nil
}

func openSQLite(path string, b *bus.Bus, logger *zap.Logger) (*sqlstore.DB, error) {
	db, err := sqlstore.Open(path, sqlstore.WithBus(b))
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", path))
	return db, nil
}
