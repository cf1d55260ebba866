package sagaflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/sagaflow/internal/config"
	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = api.Engine
	WorkflowDefinition = api.WorkflowDefinition
	Step               = api.Step
	StepInput          = api.StepInput
	StepFunc           = api.StepFunc
	RollbackFunc       = api.RollbackFunc
	ConditionFunc      = api.ConditionFunc
	Body               = api.Body
	Result             = api.Result
	Snapshot           = api.Snapshot
	ExecutionFilter    = api.ExecutionFilter
	ExecutionState     = api.ExecutionState
	StepState          = api.StepState
	StartOption        = api.StartOption
	ScheduleOptions    = api.ScheduleOptions
	CancelOptions      = api.CancelOptions
	ResumeOptions      = api.ResumeOptions
	OnError            = api.OnError
	BackoffStrategy    = api.BackoffStrategy
	Observer           = api.Observer
	ObserverFunc       = api.ObserverFunc
	Event              = api.Event
	ExecutionError     = api.ExecutionError

	// Config is the file and environment configuration read by Open.
	Config        = config.Config
	StoreConfig   = config.StoreConfig
	QueueConfig   = config.QueueConfig
	CircuitConfig = config.CircuitConfig
)

// Re-export step results, bodies and options.

var (
	OK      = api.OK
	Done    = api.Done
	Skip    = api.Skip
	Await   = api.Await
	Expand  = api.Expand
	Snooze  = api.Snooze
	Func    = api.Func
	Module  = api.Module
	Ref     = api.Ref
	SubFlow = api.SubWorkflow

	FuncWithRollback = api.FuncWithRollback

	WithVersion     = api.WithVersion
	WithExecutionID = api.WithExecutionID
	WithParent      = api.WithParent
	WithTrigger     = api.WithTrigger

	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewMetricsObserver   = api.NewMetricsObserver

	DefaultConfig     = config.Default
	LoadConfig        = config.Load
	LoadConfigFromEnv = config.LoadFromEnv
)

// Re-export state values for convenience.

const (
	StatePending   = api.StatePending
	StateRunning   = api.StateRunning
	StatePaused    = api.StatePaused
	StateCompleted = api.StateCompleted
	StateFailed    = api.StateFailed
	StateCancelled = api.StateCancelled

	OnErrorFail     = api.OnErrorFail
	OnErrorSkip     = api.OnErrorSkip
	OnErrorContinue = api.OnErrorContinue

	BackoffFixed       = api.BackoffFixed
	BackoffLinear      = api.BackoffLinear
	BackoffExponential = api.BackoffExponential

	// Infinite disables a step's attempt timeout.
	Infinite = api.Infinite

	BackendMemory   = config.BackendMemory
	BackendSQLite   = config.BackendSQLite
	BackendPostgres = config.BackendPostgres
	BackendRedis    = config.BackendRedis
	BackendMongo    = config.BackendMongo

	ErrorKey          = api.ErrorKey
	ErrorStepKey      = api.ErrorStepKey
	RollbackErrorsKey = api.RollbackErrorsKey
)

// Re-export sentinel errors.

var (
	ErrNotFound          = api.ErrNotFound
	ErrWorkflowNotFound  = api.ErrWorkflowNotFound
	ErrInvalidDefinition = api.ErrInvalidDefinition
	ErrInvalidState      = api.ErrInvalidState
	ErrStepTimeout       = api.ErrStepTimeout
	ErrSyncTimeout       = api.ErrSyncTimeout
	ErrCancelled         = api.ErrCancelled
)

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores,
// with an in-memory schedule queue.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine publishing its
// lifecycle events to obs.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.New(engine.Config{
		Queue:    taskqueue.NewInMemoryQueue(0),
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine persisting executions and scheduled
// starts to db. The schema is created if missing.
func NewSQLiteEngine(ctx context.Context, db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(ctx, db)
}

// NewPostgresEngine returns an Engine persisting executions and scheduled
// starts to a PostgreSQL database opened with the "pgx" driver.
func NewPostgresEngine(ctx context.Context, db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(ctx, db)
}

// NewRedisEngine returns an Engine keeping executions and its schedule
// queue under prefix in Redis.
func NewRedisEngine(client *redis.Client, prefix string) Engine {
	return engine.NewRedisEngine(client, prefix)
}

// NewMongoEngine returns an Engine keeping executions and its schedule
// queue in the dbName database.
func NewMongoEngine(client *mongo.Client, dbName string) Engine {
	return engine.NewMongoEngine(client, dbName)
}
