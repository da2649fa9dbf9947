// Package daemon composes the event log daemon: the single process that owns
// an instance's log, its bus and its projections.
package daemon

import (
	"context"
	"fmt"

	"github.com/Mokksdz/manchengo-sub003/internal/bus"
	"github.com/Mokksdz/manchengo-sub003/internal/config"
	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"github.com/Mokksdz/manchengo-sub003/internal/instance"
	"github.com/Mokksdz/manchengo-sub003/internal/lock"
	"github.com/Mokksdz/manchengo-sub003/internal/logging"
	"github.com/Mokksdz/manchengo-sub003/internal/projection"
	"github.com/Mokksdz/manchengo-sub003/internal/status"
	"github.com/Mokksdz/manchengo-sub003/internal/stock"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"github.com/Mokksdz/manchengo-sub003/internal/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SystemAggregate is the aggregate type of the daemon's own lifecycle events.
const SystemAggregate = "System"

// Params holds the resolved instance passed to the fx module.
type Params struct {
	Instance   string
	Root       string // data root; empty = instance.DefaultRoot()
	SocketPath string // optional override for testing; empty = use default
}

func (p Params) paths() instance.Paths {
	root := p.Root
	if root == "" {
		root = instance.DefaultRoot()
	}
	return instance.New(root, p.Instance)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return p.paths().SocketPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideEventStore,
			provideBus,
			provideRunner,
			status.NewMachine,
			NewServer,
		),
		fx.Invoke(registerTelemetry, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(instance.ConfigPath(p.paths().Root))
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(p.paths().LogPath(), p.Instance, cfg.LogLevel)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	paths := p.paths()
	if err := paths.EnsureDir(); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("dir", paths.Dir()))
	l, err := lock.Acquire(paths.Dir())
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a process
// that does not own the instance.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.paths().DBPath()
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

func provideEventStore(db *store.DB, cfg *config.Config, logger *zap.Logger) *eventstore.Store {
	return eventstore.New(db, logger,
		eventstore.WithSearchLimits(cfg.Store.SearchDefaultLimit, cfg.Store.SearchMaxLimit),
		eventstore.WithStreamBatchSize(cfg.Store.StreamBatchSize),
	)
}

func provideBus(es *eventstore.Store, cfg *config.Config, logger *zap.Logger) *bus.Bus {
	return bus.New(es, logger, bus.WithRetryPolicy(cfg.Bus.RetryAttempts, cfg.Bus.RetryBaseDelay))
}

func provideRunner(db *store.DB, es *eventstore.Store, cfg *config.Config, logger *zap.Logger) *projection.Runner {
	return projection.NewRunner(db, es, stock.Projector{}, logger,
		projection.WithInterval(cfg.Projection.Interval),
		projection.WithBatchSize(cfg.Projection.BatchSize),
	)
}

func registerTelemetry(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.Setup(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			if cfg.Telemetry.Enabled {
				logger.Info("trace export enabled", zap.String("endpoint", cfg.Telemetry.Endpoint))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown == nil {
				return nil
			}
			if err := shutdown(ctx); err != nil {
				logger.Warn("error flushing traces", zap.Error(err))
			}
			return nil
		},
	})
}

type lifecycleDeps struct {
	fx.In

	Params  Params
	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Store   *eventstore.Store
	Bus     *bus.Bus
	Runner  *projection.Runner
	Machine *status.Machine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := start(ctx, d); err != nil {
				_ = d.Machine.Transition(status.Error)
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stop(ctx, d)
			return nil
		},
	})
}

func start(ctx context.Context, d lifecycleDeps) error {
	if err := d.Store.Init(ctx); err != nil {
		return err
	}
	if err := d.Machine.Transition(status.CatchingUp); err != nil {
		return err
	}

	n, err := d.Runner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("catch up %s: %w", stock.ProjectionName, err)
	}
	d.Logger.Info("projection caught up", zap.String("projection", stock.ProjectionName), zap.Int("events", n))
	d.Runner.Start(context.Background())
	d.Bus.SubscribeMany(stock.Types, d.Runner.Nudge, 0)

	go func() {
		if err := d.Server.Start(); err != nil {
			d.Logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	if err := d.Machine.Transition(status.Ready); err != nil {
		return err
	}
	if _, err := d.Bus.Publish(ctx, systemDraft(event.SystemStartup, d, "daemon started")); err != nil {
		d.Logger.Warn("recording startup failed", zap.Error(err))
	}
	d.Logger.Info("daemon ready", zap.Int64("version", d.Store.CurrentVersion()))
	return nil
}

func stop(ctx context.Context, d lifecycleDeps) {
	_ = d.Machine.Transition(status.Draining)

	if _, err := d.Bus.Publish(ctx, systemDraft(event.SystemShutdown, d, "daemon stopping")); err != nil {
		d.Logger.Warn("recording shutdown failed", zap.Error(err))
	}
	if err := d.Bus.Close(ctx); err != nil {
		d.Logger.Warn("bus did not drain", zap.Error(err))
	}
	d.Runner.Stop()
	d.Server.Stop(ctx)
	_ = d.Machine.Transition(status.Stopped)

	if err := d.DB.Close(); err != nil {
		d.Logger.Warn("error closing store", zap.Error(err))
	}
	if err := d.Lock.Release(); err != nil {
		d.Logger.Warn("error releasing lock", zap.Error(err))
	}
	d.Logger.Info("daemon stopped")
}

func systemDraft(t event.Type, d lifecycleDeps, msg string) event.Draft {
	return event.Draft{
		Type:          t,
		AggregateType: SystemAggregate,
		AggregateID:   d.Params.Instance,
		Payload: event.SystemNotice{
			Instance: d.Params.Instance,
			Message:  msg,
			Version:  d.Store.CurrentVersion(),
		},
		Metadata: event.Metadata{Source: "eventlogd"},
	}
}
