package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string          // optional override for testing; empty = use default
	Settings    *config.Profile // optional override; nil = load the profile's config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideProtocolClient,
			provideDialer,
			provideRegistry,
			provideService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (*config.Profile, error) {
	settings := p.Settings
	if settings == nil {
		var err error
		settings, err = config.LoadProfile(profile.ProfileConfigPath(p.ProfileName))
		if err != nil {
			return nil, err
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.ProfileName, err)
	}
	return settings, nil
}

func provideLogger(p Params, settings *config.Profile) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.Rotation{
		MaxSizeMB:  settings.LogMaxSizeMB,
		MaxBackups: settings.LogMaxBackups,
		MaxAgeDays: settings.LogMaxAgeDays,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Collector {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock")
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so the store is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideProtocolClient(settings *config.Profile, logger *zap.Logger) *protocol.Client {
	return protocol.NewClient(settings.ServerURL, settings.UserID, settings.Token, &http.Client{}, logger)
}

func provideDialer(settings *config.Profile) conn.Dialer {
	return &conn.WebsocketDialer{URL: settings.SocketURL}
}

func provideRegistry(
	settings *config.Profile,
	db *store.DB,
	client *protocol.Client,
	dialer conn.Dialer,
	b *bus.Bus,
	m *metrics.Collector,
	logger *zap.Logger,
) *chat.Registry {
	deps := chat.Deps{
		DB:      db,
		Client:  client,
		Dialer:  dialer,
		Bus:     b,
		Metrics: m,
		Logger:  logger,
		Settings: chat.Settings{
			HeartbeatInterval: settings.HeartbeatInterval.Duration,
			ReconnectMin:      settings.ReconnectMin.Duration,
			ReconnectMax:      settings.ReconnectMax.Duration,
			SendTimeout:       settings.SendTimeout.Duration,
			PageSize:          settings.PageSize,
			PullRate:          settings.PullRate,
		},
	}
	return chat.NewRegistry(func(room string) *chat.Session {
		return chat.NewSession(room, deps)
	})
}

func provideService(p Params, rooms *chat.Registry, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.ProfileName, rooms, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	ms *MetricsServer,
	rooms *chat.Registry,
	db *store.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			ms.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			rooms.CloseAll()
			srv.Stop(ctx)
			ms.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
