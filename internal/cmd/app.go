package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/foreman/internal/adapter"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/notify"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/store"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
	"github.com/Iron-Ham/foreman/internal/taskqueue/redisq"
	"github.com/redis/go-redis/v9"
)

// appOptions selects which parts of the process a command needs.
type appOptions struct {
	// command is recorded in the workspace lock.
	command string
	// driver overrides broker.driver.
	driver string
	// lock takes the workspace lock when workspace.lock is set.
	lock bool
	// persistState restores and saves the memory broker's unfinished jobs.
	persistState bool
	// tolerateBroker keeps running with queueing disabled when the broker
	// is unreachable.
	tolerateBroker bool
}

// app holds the wired components of one foreman process.
type app struct {
	cfg    *config.Config
	opts   appOptions
	logger *logging.Logger
	bus    *event.Bus

	lock       *session.WorkspaceLock
	store      *store.Store
	runner     *session.Runner
	broker     taskqueue.Broker
	memory     *taskqueue.MemoryBroker
	redis      redis.UniversalClient
	webhook    *notify.WebhookNotifier
	dispatcher *taskqueue.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		bus:    event.NewBus(logger),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if opts.lock && cfg.Workspace.Lock {
		a.lock, err = session.AcquireWorkspaceLock(cfg.WorkspaceRoot(), opts.command, logger)
		if err != nil {
			return nil, err
		}
	}

	var dispatcherOpts []taskqueue.Option
	if cfg.Store.Enabled {
		a.store, err = store.Open(cfg.StorePath(), logger)
		if err != nil {
			return nil, err
		}
		a.store.Attach(a.bus)
		dispatcherOpts = append(dispatcherOpts, taskqueue.WithTaskSink(a.store))
	}

	registry := session.NewRegistry(cfg.Session.ShellConfig(), a.bus, logger)
	a.runner = session.NewRunner(registry, session.RunnerOptions{
		WorkspaceRoot:  cfg.WorkspaceRoot(),
		DefaultTimeout: cfg.Session.CommandTimeout(),
		IdleTimeout:    cfg.Session.IdleTimeout(),
	}, logger)

	if err = a.openBroker(ctx, opts); err != nil {
		return nil, err
	}

	adapters, err := a.buildAdapters()
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = taskqueue.NewDispatcher(taskqueue.Config{
		Broker:   a.broker,
		Adapters: adapters,
		Notifier: a.notifier(),
		Bus:      a.bus,
		Logger:   logger,
	}, dispatcherOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openBroker(ctx context.Context, opts appOptions) error {
	driver := a.cfg.Broker.Driver
	if opts.driver != "" {
		driver = opts.driver
	}

	switch driver {
	case config.DriverRedis:
		b, err := redisq.New(ctx, redisq.Config{
			Addr:     a.cfg.Broker.Redis.Addr,
			Password: a.cfg.Broker.Redis.Password,
			DB:       a.cfg.Broker.Redis.DB,
			Options:  a.cfg.Queue.BrokerOptions(),
		}, a.logger)
		if err != nil {
			if opts.tolerateBroker && errors.Is(err, &errors.BrokerUnavailableError{}) {
				a.logger.Error("broker unavailable, queueing disabled", "error", err)
				return nil
			}
			return err
		}
		a.broker = b
		a.redis = b.Redis()
	default:
		b, err := taskqueue.NewMemoryBroker(a.cfg.Queue.BrokerOptions(), a.logger)
		if err != nil {
			return err
		}
		if opts.persistState {
			n, err := b.RestoreState(a.cfg.StateDir())
			if err != nil {
				a.logger.Warn("failed to restore queue state", "dir", a.cfg.StateDir(), "error", err)
			} else if n > 0 {
				a.logger.Info("restored queued jobs", "count", n)
			}
		}
		a.broker = b
		a.memory = b
	}
	return nil
}

func (a *app) buildAdapters() (*adapter.Registry, error) {
	defs := adapter.BuiltinDefinitions()
	if path := a.cfg.Agent.Definitions; path != "" {
		loaded, err := adapter.LoadDefinitions(path)
		if err != nil {
			return nil, fmt.Errorf("load stage definitions: %w", err)
		}
		defs = loaded
	}

	ttl := time.Duration(a.cfg.Agent.SessionTTLHours) * time.Hour
	var sessions adapter.SessionStore
	if a.redis != nil {
		sessions = adapter.NewRedisSessionStore(a.redis, ttl)
	} else {
		sessions = adapter.NewMemorySessionStore(ttl)
	}

	return adapter.Build(defs, a.runner, adapter.BuildOptions{
		CLITool:    a.cfg.Agent.CLITool,
		ScriptsDir: a.cfg.Agent.ScriptsDir,
		Sessions:   sessions,
	}, a.logger)
}

func (a *app) notifier() notify.Notifier {
	n := notify.Multi{notify.NewBusNotifier(a.bus)}
	if a.cfg.Notify.Log {
		n = append(n, notify.NewLogNotifier(a.logger))
	}
	if url := a.cfg.Notify.WebhookURL; url != "" {
		timeout := time.Duration(a.cfg.Notify.WebhookTimeoutSeconds) * time.Second
		a.webhook = notify.NewWebhookNotifier(url, timeout, a.logger)
		n = append(n, a.webhook)
	}
	return n
}

// close drains the queues, then closes sessions, the store and the lock.
func (a *app) close() error {
	var errs []error
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.CloseAll())
	} else if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.memory != nil && a.opts.persistState {
		if err := a.memory.SaveState(a.cfg.StateDir()); err != nil {
			errs = append(errs, fmt.Errorf("save queue state: %w", err))
		}
	}
	if a.webhook != nil {
		errs = append(errs, a.webhook.Close())
	}
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	if a.store != nil {
		a.bus.Clear()
		errs = append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	return errors.Join(errs...)
}
