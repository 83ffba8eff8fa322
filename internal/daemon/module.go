// Package daemon composes the per-profile background process: store,
// sync engine, live transport, and the control API over the profile's
// Unix socket.
package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/config"
	"github.com/crewlink/crewchat/internal/feed"
	"github.com/crewlink/crewchat/internal/lock"
	"github.com/crewlink/crewchat/internal/logging"
	"github.com/crewlink/crewchat/internal/messenger"
	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/session"
	"github.com/crewlink/crewchat/internal/status"
	"github.com/crewlink/crewchat/internal/store"
	syncengine "github.com/crewlink/crewchat/internal/sync"
	"github.com/crewlink/crewchat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideTransport,
			provideSyncEngine,
			provideMessenger,
			provideFeed,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to read config, using defaults", zap.Error(err))
		}
		return config.Default()
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config) *remote.Client {
	return remote.New(cfg.Server.BaseURL, cfg.Server.Token)
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.NewClient(transport.Options{
		URL:               cfg.Transport.URL,
		Token:             cfg.Server.Token,
		ReconnectBase:     time.Duration(cfg.Transport.ReconnectBaseMs) * time.Millisecond,
		ReconnectMax:      time.Duration(cfg.Transport.ReconnectMaxMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Transport.HeartbeatIntervalS) * time.Second,
	}, b, logger)
}

func provideSyncEngine(db *store.DB, rc *remote.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *syncengine.Engine {
	return syncengine.NewEngine(db, rc, b, logger, syncengine.Options{
		MaxAttempts:   cfg.Sync.MaxAttempts,
		FlushInterval: time.Duration(cfg.Sync.FlushIntervalMs) * time.Millisecond,
	})
}

func provideMessenger(db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *messenger.Messenger {
	return messenger.New(db, b, logger, cfg.Server.UserID)
}

func provideFeed(db *store.DB, b *bus.Bus, logger *zap.Logger) *feed.Feed {
	return feed.New(db, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	tc *transport.Client,
	engine *syncengine.Engine,
	fd *feed.Feed,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Order matters: the engine and feed must be subscribed
			// before the transport can deliver its first event.
			machine.Watch(ctx)
			engine.Start(ctx)
			fd.Start(ctx)
			tc.Start(ctx)
			_ = machine.Transition(status.Connecting)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control API error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			tc.Stop()
			fd.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
