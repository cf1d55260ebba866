package sagaflow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/sagaflow/internal/config"
	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/logging"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/circuit"
	"github.com/petrijr/sagaflow/pkg/worker"
)

// Runtime is an engine wired from a Config, together with the worker that
// launches its scheduled executions and the clients it opened.
//
//	cfg, err := sagaflow.LoadConfigFromEnv()
//	rt, err := sagaflow.Open(ctx, cfg)
//	defer rt.Close(ctx)
//
//	flow.MustRegister(rt.Engine)
//	go rt.RunWorkers(ctx)
type Runtime struct {
	// Engine drives executions.
	Engine Engine

	// Worker consumes the schedule queue.
	Worker *worker.Worker

	// Metrics counts engine and circuit events.
	Metrics *api.MetricsObserver

	Logger *slog.Logger

	eng     *engine.Engine
	closers []func(context.Context) error
}

// OpenOption adjusts what Open wires beyond the Config.
type OpenOption func(*openOptions)

type openOptions struct {
	observers []api.Observer
	logger    *slog.Logger
}

// WithObserver adds obs next to the logging and metrics observers.
func WithObserver(obs Observer) OpenOption {
	return func(o *openOptions) { o.observers = append(o.observers, obs) }
}

// WithLogger replaces the JSON stderr logger built from Config.LogLevel.
func WithLogger(logger *slog.Logger) OpenOption {
	return func(o *openOptions) { o.logger = logger }
}

// Open validates cfg and builds a Runtime: the store and queue backends it
// names, the configured circuits, a logging and metrics observer, and a
// worker with cfg.Workers consumers.
func Open(ctx context.Context, cfg Config, opts ...OpenOption) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel, nil)
	}
	rt := &Runtime{
		Metrics: api.NewMetricsObserver(nil),
		Logger:  logger,
	}

	b := &backends{cfg: cfg, rt: rt}
	store, err := b.store(ctx)
	if err != nil {
		_ = rt.closeClients(ctx)
		return nil, fmt.Errorf("sagaflow: open %s store: %w", cfg.Store.Backend, err)
	}
	queue, err := b.queue(ctx)
	if err != nil {
		_ = rt.closeClients(ctx)
		return nil, fmt.Errorf("sagaflow: open %s queue: %w", cfg.Queue.Backend, err)
	}

	observers := append([]api.Observer{api.NewLoggingObserver(logger), rt.Metrics}, o.observers...)
	observer := api.NewCompositeObserver(observers...)
	circuits := circuit.NewRegistry(circuit.WithNotifier(circuit.ObserverNotifier(observer)))
	for name, c := range cfg.Circuits {
		circuits.Register(name, c.Breaker())
	}

	rt.eng = engine.New(engine.Config{
		Store:              store,
		Queue:              queue,
		Observer:           observer,
		Logger:             logger,
		Circuits:           circuits,
		DefaultConcurrency: cfg.DefaultConcurrency,
		DefaultStepTimeout: cfg.DefaultStepTimeout,
		MaxExecutions:      cfg.MaxExecutions,
		SyncPollInterval:   cfg.SyncPollInterval,
		PersistQueueSize:   cfg.PersistQueueSize,
	})
	rt.Engine = rt.eng
	rt.Worker = worker.NewWithConfig(rt.eng, queue, worker.Config{
		Logger:      logger.With("component", "worker"),
		Concurrency: cfg.Workers,
	})

	logger.Info("sagaflow runtime opened",
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Backend,
		"circuits", len(cfg.Circuits),
	)
	return rt, nil
}

// Circuits returns the circuit registry guarding step bodies.
func (r *Runtime) Circuits() *circuit.Registry { return r.eng.Circuits() }

// RunWorkers consumes the schedule queue until ctx is cancelled.
func (r *Runtime) RunWorkers(ctx context.Context) error {
	return r.Worker.Run(ctx)
}

// Close shuts the engine down, which checkpoints running executions, then
// releases the database and cache clients opened by Open.
func (r *Runtime) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := r.eng.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.closeClients(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (r *Runtime) closeClients(ctx context.Context) error {
	var result *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.closers = nil
	return result.ErrorOrNil()
}

// backends opens the clients named by a Config, sharing one client between
// the store and the queue where both use the same backend.
type backends struct {
	cfg   config.Config
	rt    *Runtime
	db    *sql.DB
	redis *redis.Client
	mongo *mongo.Client
}

func (b *backends) onClose(fn func(context.Context) error) {
	b.rt.closers = append(b.rt.closers, fn)
}

func (b *backends) store(ctx context.Context) (persistence.Store, error) {
	sc := b.cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		return persistence.NewInMemoryStore(), nil

	case config.BackendSQLite:
		db, err := b.openSQL(ctx, "sqlite", sc.DSN)
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases shared.
		db.SetMaxOpenConns(1)
		return persistence.NewSQLiteStore(ctx, db)

	case config.BackendPostgres:
		db, err := b.openSQL(ctx, "pgx", sc.DSN)
		if err != nil {
			return nil, err
		}
		return persistence.NewPostgresStore(ctx, db)

	case config.BackendRedis:
		client, err := b.redisClient(ctx, sc.Address)
		if err != nil {
			return nil, err
		}
		return persistence.NewRedisStore(client, b.cfg.KeyPrefix), nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.DSN))
		if err != nil {
			return nil, err
		}
		b.onClose(client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, err
		}
		b.mongo = client
		return persistence.NewMongoStore(client, b.cfg.MongoDatabase()), nil
	}
	return nil, fmt.Errorf("unknown backend %q", sc.Backend)
}

func (b *backends) queue(ctx context.Context) (taskqueue.Queue, error) {
	qc := b.cfg.Queue
	switch qc.Backend {
	case config.BackendMemory:
		return taskqueue.NewInMemoryQueue(qc.Capacity), nil

	case config.BackendSQLite:
		if b.db == nil {
			return nil, fmt.Errorf("sqlite queue needs a sqlite store")
		}
		return taskqueue.NewSQLiteQueue(b.db)

	case config.BackendPostgres:
		if b.db == nil {
			return nil, fmt.Errorf("postgres queue needs a postgres store")
		}
		return taskqueue.NewPostgresQueue(ctx, b.db, b.cfg.Queue.Table)

	case config.BackendMongo:
		if b.mongo == nil {
			return nil, fmt.Errorf("mongo queue needs a mongo store")
		}
		return taskqueue.NewMongoQueue(b.mongo, b.cfg.MongoDatabase(), b.cfg.Queue.Table), nil

	case config.BackendRedis:
		client := b.redis
		if client == nil || client.Options().Addr != b.cfg.QueueAddress() {
			var err error
			client, err = b.redisClient(ctx, b.cfg.QueueAddress())
			if err != nil {
				return nil, err
			}
		}
		return taskqueue.NewRedisQueue(client, b.cfg.KeyPrefix), nil
	}
	return nil, fmt.Errorf("unknown backend %q", qc.Backend)
}

func (b *backends) openSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	b.onClose(func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *backends) redisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	b.onClose(func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		b.redis = client
	}
	return client, nil
}
