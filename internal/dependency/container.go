// Package dependency wires the server's components using go.uber.org/dig.
package dependency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/config"
	"github.com/t77yq/jules-scheduler/internal/events"
	"github.com/t77yq/jules-scheduler/internal/jules"
	"github.com/t77yq/jules-scheduler/internal/mcp"
	"github.com/t77yq/jules-scheduler/internal/monitor"
	"github.com/t77yq/jules-scheduler/internal/scheduler"
	"github.com/t77yq/jules-scheduler/internal/service"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

// BuildInfo identifies the running binary
type BuildInfo struct {
	Name    string
	Version string
}

// Container holds the resolved process singletons
type Container struct {
	engine   *scheduler.CronEngine
	server   *mcp.Server
	watcher  *storage.Watcher
	history  storage.RunHistoryStorage
	schedule *service.ScheduleService

	closers []func() error
}

func (c *Container) Engine() *scheduler.CronEngine       { return c.engine }
func (c *Container) Server() *mcp.Server                 { return c.server }
func (c *Container) History() storage.RunHistoryStorage  { return c.history }
func (c *Container) Schedules() *service.ScheduleService { return c.schedule }

// Watcher returns nil when store watching is disabled
func (c *Container) Watcher() *storage.Watcher { return c.watcher }

// eventConn owns the optional NATS connection behind the publisher
type eventConn struct {
	conn *nats.Conn
	nats *events.NATSPublisher
}

// publisher returns the stream publisher, or a no-op one when events are
// disabled
func (e *eventConn) publisher() events.Publisher {
	if e.nats == nil {
		return events.NopPublisher{}
	}
	return e.nats
}

// New builds every component from cfg. ctx bounds connection setup only.
func New(ctx context.Context, cfg *config.Config, info BuildInfo, logger *zap.Logger) (*Container, error) {
	d := dig.New()
	c := &Container{}

	providers := []any{
		func() *config.Config { return cfg },
		func() *zap.Logger { return logger },
		func() BuildInfo { return info },
		newScheduleStore,
		func(store *storage.ScheduleStore) storage.TaskStore { return store },
		func(cfg *config.Config, logger *zap.Logger) (storage.RunHistoryStorage, error) {
			return newRunHistory(cfg, logger, c)
		},
		newJulesClient,
		func(cfg *config.Config, logger *zap.Logger) *eventConn {
			return newEventConn(ctx, cfg, logger, c)
		},
		newAlertManager,
		newFanout,
		newCronEngine,
		newScheduleService,
		newStatusReporter,
		newMCPServer,
	}
	for _, provider := range providers {
		if err := d.Provide(provider); err != nil {
			return nil, err
		}
	}

	err := d.Invoke(func(
		cfg *config.Config,
		store *storage.ScheduleStore,
		history storage.RunHistoryStorage,
		engine *scheduler.CronEngine,
		schedules *service.ScheduleService,
		server *mcp.Server,
	) {
		c.engine = engine
		c.server = server
		c.history = history
		c.schedule = schedules
		if cfg.Storage.Watch {
			c.watcher = storage.NewWatcher(store, store.Path(), logger)
		}
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to build components: %w", dig.RootCause(err))
	}
	return c, nil
}

// Close releases the history database and the NATS connection
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func newScheduleStore(cfg *config.Config, logger *zap.Logger) (*storage.ScheduleStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return storage.NewScheduleStore(storage.ScheduleStoreConfig{
		Path:           cfg.Storage.Path,
		ResetOnCorrupt: cfg.Storage.ResetOnCorrupt,
	}, logger)
}

// newRunHistory returns a nil history when it is disabled; consumers treat
// nil as "not recorded"
func newRunHistory(cfg *config.Config, logger *zap.Logger, c *Container) (storage.RunHistoryStorage, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	history, err := storage.NewSQLiteRunHistory(logger, cfg.History.Path)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, history.Close)
	return history, nil
}

func newJulesClient(cfg *config.Config, logger *zap.Logger) *jules.Client {
	if cfg.APIKey == "" {
		logger.Warn("No API key configured; Jules calls will fail until JULES_API_KEY is set")
	}
	return jules.NewClient(jules.Config{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.Jules.BaseURL,
		Timeout:           cfg.Jules.Timeout,
		RequestsPerSecond: cfg.Jules.RequestsPerSecond,
	}, logger)
}

// newEventConn connects to NATS when configured. Events are optional, so a
// failed connection degrades to a no-op publisher instead of aborting.
func newEventConn(ctx context.Context, cfg *config.Config, logger *zap.Logger, c *Container) *eventConn {
	if cfg.Events.NATSURL == "" {
		return &eventConn{}
	}

	conn, js, err := events.Connect(ctx, events.ConnConfig{
		URL:            cfg.Events.NATSURL,
		Name:           "jules-scheduler",
		ConnectTimeout: cfg.Events.ConnectTimeout,
		MaxReconnects:  cfg.Events.MaxReconnects,
		ReconnectWait:  cfg.Events.ReconnectWait,
		ConnectRetries: cfg.Events.ConnectRetries,
	}, logger)
	if err != nil {
		logger.Warn("Event publishing disabled", zap.Error(err))
		return &eventConn{}
	}

	publisher, err := events.NewNATSPublisher(ctx, js, logger)
	if err != nil {
		conn.Close()
		logger.Warn("Event publishing disabled", zap.Error(err))
		return &eventConn{}
	}

	c.closers = append(c.closers, func() error {
		return conn.Drain()
	})
	return &eventConn{conn: conn, nats: publisher}
}

func newAlertManager(cfg *config.Config, ev *eventConn, logger *zap.Logger) *monitor.AlertManager {
	var notifier monitor.AlertNotifier
	if ev.nats != nil {
		notifier = ev.nats
	}
	return monitor.NewAlertManager(cfg.Alerts.FailureThreshold, notifier, logger)
}

// fanout is the publisher handed to the engine and the schedule service
type fanout struct {
	events.Multi
}

func newFanout(ev *eventConn, alerts *monitor.AlertManager) fanout {
	return fanout{events.Multi{alerts, ev.publisher()}}
}

func newCronEngine(
	store storage.TaskStore,
	client *jules.Client,
	history storage.RunHistoryStorage,
	publisher fanout,
	logger *zap.Logger,
) *scheduler.CronEngine {
	opts := []scheduler.EngineOption{scheduler.WithEventPublisher(publisher.Multi)}
	if history != nil {
		opts = append(opts, scheduler.WithRunRecorder(history))
	}
	return scheduler.NewCronEngine(store, client, logger, opts...)
}

func newScheduleService(
	cfg *config.Config,
	store storage.TaskStore,
	engine *scheduler.CronEngine,
	history storage.RunHistoryStorage,
	publisher fanout,
	logger *zap.Logger,
) *service.ScheduleService {
	return service.NewScheduleService(
		service.Config{AllowedRepos: cfg.AllowedRepos},
		store,
		engine,
		history,
		publisher.Multi,
		logger,
	)
}

func newStatusReporter(
	info BuildInfo,
	store *storage.ScheduleStore,
	engine *scheduler.CronEngine,
	alerts *monitor.AlertManager,
	logger *zap.Logger,
) *monitor.StatusReporter {
	return monitor.NewStatusReporter(info.Version, store.Path(), store, engine, alerts, logger)
}

func newMCPServer(
	info BuildInfo,
	client *jules.Client,
	schedules *service.ScheduleService,
	status *monitor.StatusReporter,
	logger *zap.Logger,
) *mcp.Server {
	return mcp.NewServer(mcp.Config{Name: info.Name, Version: info.Version}, client, schedules, status, logger)
}
