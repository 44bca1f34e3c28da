package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/keyedmutex"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/settings"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Version is reported in message metadata.
var Version = "dev"

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load from the config file
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideBackends,
			provideLocks,
			provideRetry,
			provideMessages,
			provideTracker,
			provideCoordinator,
			provideContacts,
			provideSettings,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = session.LoadConfig(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := session.ValidateUser(cfg.User); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideBackends takes the lock so the store is never opened by two daemons.
func provideBackends(p Params, cfg *config.Config, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*Backends, error) {
	return openBackends(p, cfg, b, logger)
}

func provideLocks() *keyedmutex.Mutex {
	return keyedmutex.New()
}

func provideRetry(cfg *config.Config, logger *zap.Logger) *retry.Executor {
	return retry.New(cfg.Retry.MaxAttempts, cfg.Retry.Backoff.Duration, logger)
}

func provideMessages(bk *Backends, locks *keyedmutex.Mutex, exec *retry.Executor, cfg *config.Config, logger *zap.Logger) *messages.Store {
	return messages.New(bk.Store, locks, exec, logger, messages.WithCacheTTL(cfg.Chat.CacheTTL.Duration))
}

func provideTracker(bk *Backends, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(bk.Store, b, logger,
		presence.WithIntervals(cfg.Presence.Heartbeat.Duration, cfg.Presence.Recheck.Duration),
		presence.WithDevice(cfg.Device),
	)
}

func provideCoordinator(
	bk *Backends,
	msgs *messages.Store,
	tracker *presence.Tracker,
	locks *keyedmutex.Mutex,
	exec *retry.Executor,
	b *bus.Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *chat.Coordinator {
	return chat.NewCoordinator(bk.Store, msgs, tracker, locks, exec, b, logger, chat.Options{
		PageSize:   cfg.Chat.PageSize,
		Device:     cfg.Device,
		AppVersion: Version,
	})
}

func provideContacts(bk *Backends, tracker *presence.Tracker, locks *keyedmutex.Mutex, exec *retry.Executor, cfg *config.Config, logger *zap.Logger) *contacts.Book {
	return contacts.New(bk.Store, tracker, locks, exec, logger, contacts.WithRecheck(cfg.Presence.Recheck.Duration))
}

func provideSettings(bk *Backends, logger *zap.Logger) *settings.Settings {
	return settings.New(bk.Settings, logger)
}

func provideService(p Params, cfg *config.Config, coord *chat.Coordinator, book *contacts.Book, st *settings.Settings, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, cfg.User, coord, book, st, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	svc *api.Service,
	lk *lock.Lock,
	bk *Backends,
	msgs *messages.Store,
	tracker *presence.Tracker,
	book *contacts.Book,
	cfg *config.Config,
	logger *zap.Logger,
) {
	lifecycle := make(chan presence.Lifecycle, 1)
	var tracking *presence.Tracking

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := book.EnsureUser(ctx, cfg.User, cfg.Name); err != nil {
				return err
			}
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			tracking = tracker.StartTracking(context.Background(), cfg.User, lifecycle)
			logger.Info("daemon started", zap.String("user", cfg.User))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the chats ends WatchChat streams so the server can drain.
			svc.Close()
			srv.Stop(ctx)
			lifecycle <- presence.Terminating
			tracking.Stop()
			msgs.Close()
			if err := bk.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
