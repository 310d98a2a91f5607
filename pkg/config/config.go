// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, RetryQueue, OpenSearch, Drain,
// Reindex, etc.). Configuration is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxQueueBatch is the largest number of messages the retry queue accepts in a
// single send.
const MaxQueueBatch = 10

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	RetryQueue  RetryQueueConfig  `yaml:"retryQueue"`
	OpenSearch  OpenSearchConfig  `yaml:"opensearch"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Drain       DrainConfig       `yaml:"drain"`
	Reindex     ReindexConfig     `yaml:"reindex"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Notifications   string `yaml:"notifications"`
	ReindexRequests string `yaml:"reindexRequests"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// RetryQueueConfig controls the dead-letter retry queue.
type RetryQueueConfig struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
}

// OpenSearchConfig holds the search engine endpoint and write behaviour.
type OpenSearchConfig struct {
	URLs             []string      `yaml:"urls"`
	Index            string        `yaml:"index"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	RetryMax         int           `yaml:"retryMax"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

// ObjectStoreConfig locates the authoritative object store.
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Table  string `yaml:"table"`
}

// DrainConfig controls the scheduled dead-letter drain cycle.
type DrainConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Budget       time.Duration `yaml:"budget"`
	SafetyMargin time.Duration `yaml:"safetyMargin"`
	LogEvery     int           `yaml:"logEvery"`
}

// ReindexConfig controls the checkpointed full-corpus reindex.
type ReindexConfig struct {
	Budget       time.Duration `yaml:"budget"`
	SafetyMargin time.Duration `yaml:"safetyMargin"`
	PageSize     int           `yaml:"pageSize"`
	BatchSize    int           `yaml:"batchSize"`
	// Concurrency caps batch sends in flight within one page.
	Concurrency int `yaml:"concurrency"`
	// RequestBurst reindex requests per collection are accepted per
	// RequestWindow by the front door.
	RequestBurst  int           `yaml:"requestBurst"`
	RequestWindow time.Duration `yaml:"requestWindow"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints. The drain safety margin must leave
// room for one full visibility lease so an in-flight replay never outlives
// the invocation.
func (c *Config) Validate() error {
	var errs []error
	if c.Reindex.BatchSize < 1 || c.Reindex.BatchSize > MaxQueueBatch {
		errs = append(errs, fmt.Errorf("reindex.batchSize must be in [1,%d], got %d", MaxQueueBatch, c.Reindex.BatchSize))
	}
	if c.Reindex.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("reindex.concurrency must be positive, got %d", c.Reindex.Concurrency))
	}
	if c.Reindex.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("reindex.pageSize must be positive, got %d", c.Reindex.PageSize))
	}
	if c.RetryQueue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("retryQueue.visibilityTimeout must be positive"))
	}
	if c.Drain.SafetyMargin <= c.RetryQueue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("drain.safetyMargin (%s) must exceed retryQueue.visibilityTimeout (%s)",
			c.Drain.SafetyMargin, c.RetryQueue.VisibilityTimeout))
	}
	if c.Drain.Budget <= c.Drain.SafetyMargin {
		errs = append(errs, fmt.Errorf("drain.budget (%s) must exceed drain.safetyMargin (%s)", c.Drain.Budget, c.Drain.SafetyMargin))
	}
	if c.Reindex.Budget <= c.Reindex.SafetyMargin {
		errs = append(errs, fmt.Errorf("reindex.budget (%s) must exceed reindex.safetyMargin (%s)", c.Reindex.Budget, c.Reindex.SafetyMargin))
	}
	if c.Reindex.RequestBurst < 1 || c.Reindex.RequestWindow <= 0 {
		errs = append(errs, errors.New("reindex.requestBurst and reindex.requestWindow must be positive"))
	}
	if c.OpenSearch.Index == "" {
		errs = append(errs, errors.New("opensearch.index is required"))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "objectstore",
			User:            "indexsync",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "index-sync",
			Topics: KafkaTopics{
				Notifications:   "object-notifications",
				ReindexRequests: "reindex-requests",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		RetryQueue: RetryQueueConfig{
			Name:              "index-retry",
			VisibilityTimeout: 5 * time.Second,
		},
		OpenSearch: OpenSearchConfig{
			URLs:             []string{"http://localhost:9200"},
			Index:            "documents",
			RetryMax:         2,
			RequestTimeout:   3 * time.Second,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Bucket: "library",
			Table:  "objects",
		},
		Drain: DrainConfig{
			Interval:     time.Minute,
			Budget:       50 * time.Second,
			SafetyMargin: 10 * time.Second,
			LogEvery:     100,
		},
		Reindex: ReindexConfig{
			Budget:        5 * time.Minute,
			SafetyMargin:  20 * time.Second,
			PageSize:      1000,
			BatchSize:     MaxQueueBatch,
			Concurrency:   8,
			RequestBurst:  1,
			RequestWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_RETRY_QUEUE_NAME"); v != "" {
		cfg.RetryQueue.Name = v
	}
	if v := os.Getenv("SP_OPENSEARCH_URLS"); v != "" {
		cfg.OpenSearch.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_OPENSEARCH_INDEX"); v != "" {
		cfg.OpenSearch.Index = v
	}
	if v := os.Getenv("SP_OPENSEARCH_USERNAME"); v != "" {
		cfg.OpenSearch.Username = v
	}
	if v := os.Getenv("SP_OPENSEARCH_PASSWORD"); v != "" {
		cfg.OpenSearch.Password = v
	}
	if v := os.Getenv("SP_OBJECT_STORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("SP_DRAIN_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Drain.Budget = d
		}
	}
	if v := os.Getenv("SP_REINDEX_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reindex.Budget = d
		}
	}
	if v := os.Getenv("SP_REINDEX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reindex.Concurrency = n
		}
	}
	if v := os.Getenv("SP_REINDEX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reindex.PageSize = n
		}
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
