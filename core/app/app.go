package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	bboltstore "github.com/codewandler/cqrs-go/adapters/bbolt"
	natsstore "github.com/codewandler/cqrs-go/adapters/nats"
	promadapter "github.com/codewandler/cqrs-go/adapters/prometheus"
	redisadapter "github.com/codewandler/cqrs-go/adapters/redis"
	"github.com/codewandler/cqrs-go/core/command"
	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/projection"
	"github.com/codewandler/cqrs-go/ports/readmodel"
)

// App holds a fully wired engine: event store, repository environment,
// command dispatcher, projection manager and read-model store.
type App struct {
	log        *slog.Logger
	env        *es.Env
	dispatcher *command.Dispatcher
	manager    *projection.Manager
	readModel  readmodel.Store
	closers    []func() error
}

// New assembles the engine from cfg. envOpts register aggregates, events
// and upcasters on top of the configured backends:
//
//	a, err := app.New(cfg, es.WithAggregates(&Account{}))
func New(cfg Config, envOpts ...es.EnvOption) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	app := &App{
		log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		})),
	}
	// releases whatever was already opened when assembly fails midway
	fail := func(err error) (*App, error) {
		_ = app.Close()
		return nil, err
	}

	// === event store ===
	var (
		store       es.EventStore
		snapshotter es.Snapshotter
		checkpoints projection.CheckpointStore = projection.NewMemCheckpointStore()
		idem        command.IdempotencyStore   = command.NewMemIdempotencyStore()
	)
	switch cfg.Store {
	case StoreMemory:
		store = es.NewInMemoryStore()

	case StoreBbolt:
		s, err := bboltstore.Open(cfg.BboltPath, bboltstore.WithLog(app.log))
		if err != nil {
			return fail(fmt.Errorf("open bbolt store: %w", err))
		}
		app.closers = append(app.closers, s.Close)
		store = s

	case StoreNats:
		connect := natsstore.ConnectDefault()
		if cfg.NatsURL != "" {
			connect = natsstore.ConnectURL(cfg.NatsURL)
		}
		connect = natsstore.ReuseConnection(connect)

		s, err := natsstore.NewEventStore(natsstore.EventStoreConfig{
			Connect:    connect,
			Log:        app.log,
			StreamName: cfg.NatsStream,
		})
		if err != nil {
			return fail(fmt.Errorf("connect nats store: %w", err))
		}
		app.closers = append(app.closers, s.Close)
		store = s

		snapshots, err := natsstore.NewKvStore(natsstore.KvConfig{
			Connect: connect,
			Bucket:  cfg.SnapshotBucket,
		})
		if err != nil {
			return fail(fmt.Errorf("open snapshot bucket: %w", err))
		}
		app.closers = append(app.closers, func() error { snapshots.Close(); return nil })
		snapshotter = es.NewKvSnapshotter(snapshots)

		cps, err := natsstore.NewCheckpointStore(natsstore.CheckpointConfig{
			Connect: connect,
			Bucket:  cfg.CheckpointBucket,
		})
		if err != nil {
			return fail(fmt.Errorf("open checkpoint bucket: %w", err))
		}
		app.closers = append(app.closers, func() error { cps.Close(); return nil })
		checkpoints = cps

		commands, err := natsstore.NewKvStore(natsstore.KvConfig{
			Connect: connect,
			Bucket:  cfg.CommandBucket,
			TTL:     cfg.IdempotencyTTL,
		})
		if err != nil {
			return fail(fmt.Errorf("open command bucket: %w", err))
		}
		app.closers = append(app.closers, func() error { commands.Close(); return nil })
		idem = command.NewKvIdempotencyStore(commands, cfg.IdempotencyTTL)
	}

	// === read side ===
	app.readModel = readmodel.NewMemStore()
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		app.closers = append(app.closers, rdb.Close)
		app.readModel = redisadapter.NewReadModelStore(rdb, redisadapter.WithPrefix(cfg.RedisPrefix))
		checkpoints = redisadapter.NewCheckpointStore(rdb, redisadapter.WithPrefix(cfg.RedisPrefix))
		idem = redisadapter.NewIdempotencyStore(rdb, cfg.IdempotencyTTL, redisadapter.WithPrefix(cfg.RedisPrefix))
	}

	// === metrics ===
	var all *promadapter.AllMetrics
	if cfg.Metrics {
		all = promadapter.NewAllMetrics(promclient.DefaultRegisterer)
	}

	// === repository environment ===
	opts := []es.EnvOption{
		es.WithLog(app.log),
		es.WithStore(store),
		es.WithRepoOpts(es.WithSnapshotEvery(cfg.SnapshotEvery)),
	}
	if snapshotter != nil {
		opts = append(opts, es.WithSnapshotter(snapshotter))
	}
	if all != nil {
		opts = append(opts, es.WithMetrics(all.ES))
	}
	app.env = es.NewEnv(append(opts, envOpts...)...)

	// === command side ===
	dispatcherOpts := []command.DispatcherOption{
		command.WithLog(app.log),
		command.WithIdempotencyStore(idem),
		command.WithMaxAttempts(cfg.CommandMaxAttempts),
		command.WithBackoff(cfg.CommandBackoff),
	}
	if all != nil {
		dispatcherOpts = append(dispatcherOpts, command.WithDispatcherMetrics(all.Command))
	}
	app.dispatcher = command.NewDispatcher(dispatcherOpts...)

	// === projection side ===
	managerOpts := []projection.ManagerOption{
		projection.WithLog(app.log),
		projection.WithCheckpoints(checkpoints),
		projection.WithDeadLetters(projection.NewMemDeadLetterStore()),
		projection.WithPollInterval(cfg.PollInterval),
		projection.WithBatchSize(cfg.ProjectionBatchSize),
	}
	if all != nil {
		managerOpts = append(managerOpts, projection.WithManagerMetrics(all.Projection))
	}
	app.manager = projection.NewManager(store, app.env.Registry(), managerOpts...)

	return app, nil
}

func (a *App) Log() *slog.Logger                { return a.log }
func (a *App) Env() *es.Env                     { return a.env }
func (a *App) Dispatcher() *command.Dispatcher  { return a.dispatcher }
func (a *App) Projections() *projection.Manager { return a.manager }
func (a *App) ReadModel() readmodel.Store       { return a.readModel }

// Start runs the projection workers. Register all projections and command
// handlers first.
func (a *App) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.Info("app started")
	return nil
}

// Close stops the dispatcher and projection workers and releases the
// backends in reverse open order.
func (a *App) Close() error {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.manager != nil {
		a.manager.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run assembles and starts the engine in one call.
func Run(ctx context.Context, cfg Config, envOpts ...es.EnvOption) (*App, error) {
	app, err := New(cfg, envOpts...)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}
