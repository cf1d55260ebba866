// Package config loads engine settings from an optional YAML file and
// SAGAFLOW_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/sagaflow/pkg/circuit"
)

const (
	defaultLogLevel         = "info"
	defaultConcurrency      = 5
	defaultSyncPollInterval = 10 * time.Millisecond
	defaultPersistQueueSize = 256
	defaultKeyPrefix        = "sagaflow:"
	defaultQueueCapacity    = 1024
	defaultWorkers          = 1
	defaultStoreBackend     = BackendMemory
	defaultQueueBackend     = BackendMemory
	defaultMongoDatabase    = "sagaflow"
	envConfigPath           = "SAGAFLOW_CONFIG"
	envPrefix               = "SAGAFLOW_"
)

// Backend names accepted for stores and queues.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// DSN is the SQL data source name, or the MongoDB URI.
	DSN string `yaml:"dsn"`
	// Address is the Redis host:port.
	Address  string `yaml:"address"`
	Database string `yaml:"database"`
}

type QueueConfig struct {
	Backend  string `yaml:"backend"`
	Address  string `yaml:"address"`
	Capacity int    `yaml:"capacity"`
	// Table names the postgres queue table or the mongo queue collection.
	Table string `yaml:"table"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit"`
}

// Breaker converts c to a circuit configuration.
func (c CircuitConfig) Breaker() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		ResetTimeout:     c.ResetTimeout,
		HalfOpenLimit:    c.HalfOpenLimit,
	}
}

type Config struct {
	LogLevel           string                   `yaml:"log_level"`
	DefaultConcurrency int                      `yaml:"default_concurrency"`
	MaxExecutions      int64                    `yaml:"max_executions"`
	DefaultStepTimeout time.Duration            `yaml:"default_step_timeout"`
	SyncPollInterval   time.Duration            `yaml:"sync_poll_interval"`
	PersistQueueSize   int                      `yaml:"persist_queue_size"`
	KeyPrefix          string                   `yaml:"key_prefix"`
	Workers            int                      `yaml:"workers"`
	Store              StoreConfig              `yaml:"store"`
	Queue              QueueConfig              `yaml:"queue"`
	Circuits           map[string]CircuitConfig `yaml:"circuits"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:           defaultLogLevel,
		DefaultConcurrency: defaultConcurrency,
		SyncPollInterval:   defaultSyncPollInterval,
		PersistQueueSize:   defaultPersistQueueSize,
		KeyPrefix:          defaultKeyPrefix,
		Workers:            defaultWorkers,
		Store:              StoreConfig{Backend: defaultStoreBackend},
		Queue:              QueueConfig{Backend: defaultQueueBackend, Capacity: defaultQueueCapacity},
	}
}

// LoadFromEnv loads the file named by SAGAFLOW_CONFIG, if any, then
// applies the environment.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(envConfigPath))
}

// Load reads path (skipped when empty) over the defaults, applies
// SAGAFLOW_* overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.KeyPrefix = getEnv("KEY_PREFIX", c.KeyPrefix)
	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.DSN = getEnv("STORE_DSN", c.Store.DSN)
	c.Store.Address = getEnv("STORE_ADDRESS", c.Store.Address)
	c.Store.Database = getEnv("STORE_DATABASE", c.Store.Database)
	c.Queue.Backend = getEnv("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.Address = getEnv("QUEUE_ADDRESS", c.Queue.Address)
	c.Queue.Table = getEnv("QUEUE_TABLE", c.Queue.Table)

	var err error
	if c.DefaultConcurrency, err = parseEnvInt("DEFAULT_CONCURRENCY", c.DefaultConcurrency); err != nil {
		return err
	}
	if c.PersistQueueSize, err = parseEnvInt("PERSIST_QUEUE_SIZE", c.PersistQueueSize); err != nil {
		return err
	}
	if c.Queue.Capacity, err = parseEnvInt("QUEUE_CAPACITY", c.Queue.Capacity); err != nil {
		return err
	}
	if c.Workers, err = parseEnvInt("WORKERS", c.Workers); err != nil {
		return err
	}
	maxExec, err := parseEnvInt("MAX_EXECUTIONS", int(c.MaxExecutions))
	if err != nil {
		return err
	}
	c.MaxExecutions = int64(maxExec)
	if c.DefaultStepTimeout, err = parseEnvDuration("DEFAULT_STEP_TIMEOUT", c.DefaultStepTimeout); err != nil {
		return err
	}
	if c.SyncPollInterval, err = parseEnvDuration("SYNC_POLL_INTERVAL", c.SyncPollInterval); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	if c.DefaultConcurrency < 1 {
		return errors.New("default concurrency must be >= 1")
	}
	if c.MaxExecutions < 0 {
		return errors.New("max executions must be >= 0")
	}
	if c.DefaultStepTimeout < 0 {
		return errors.New("default step timeout must be >= 0")
	}
	if c.SyncPollInterval <= 0 {
		return errors.New("sync poll interval must be positive")
	}
	if c.PersistQueueSize < 1 {
		return errors.New("persist queue size must be >= 1")
	}
	if c.Workers < 0 {
		return errors.New("workers must be >= 0")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("store backend %q needs a dsn", c.Store.Backend)
		}
	case BackendRedis:
		if c.Store.Address == "" {
			return errors.New("store backend \"redis\" needs an address")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
		if c.Queue.Capacity < 0 {
			return errors.New("queue capacity must be >= 0")
		}
	case BackendSQLite:
		if c.Store.Backend != BackendSQLite {
			return errors.New("queue backend \"sqlite\" shares the sqlite store and needs store backend \"sqlite\"")
		}
	case BackendPostgres:
		if c.Store.Backend != BackendPostgres {
			return errors.New("queue backend \"postgres\" shares the postgres store and needs store backend \"postgres\"")
		}
	case BackendMongo:
		if c.Store.Backend != BackendMongo {
			return errors.New("queue backend \"mongo\" shares the mongo store and needs store backend \"mongo\"")
		}
	case BackendRedis:
		if c.Queue.Address == "" && c.Store.Backend != BackendRedis {
			return errors.New("queue backend \"redis\" needs an address")
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}

	for name, cc := range c.Circuits {
		if name == "" {
			return errors.New("circuit name cannot be empty")
		}
		if cc.FailureThreshold < 0 || cc.SuccessThreshold < 0 || cc.HalfOpenLimit < 0 {
			return fmt.Errorf("circuit %q: thresholds must be >= 0", name)
		}
		if cc.ResetTimeout < 0 {
			return fmt.Errorf("circuit %q: reset timeout must be >= 0", name)
		}
	}
	return nil
}

// MongoDatabase returns the configured database, or the default.
func (c Config) MongoDatabase() string {
	if c.Store.Database != "" {
		return c.Store.Database
	}
	return defaultMongoDatabase
}

// QueueAddress returns the Redis address of the queue, falling back to the
// store address.
func (c Config) QueueAddress() string {
	if c.Queue.Address != "" {
		return c.Queue.Address
	}
	return c.Store.Address
}

func getEnv(key, fallback string) string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	return v
}

func parseEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be an integer: %w", envPrefix, key, err)
	}
	return out, nil
}

func parseEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be a duration such as 30s: %w", envPrefix, key, err)
	}
	return d, nil
}
