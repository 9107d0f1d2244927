// Package config provides the two configuration layers of the pipeline: the
// application config (infrastructure endpoints, logging, metrics) loaded
// from YAML/env, and the run parameter normalizer (params.go, schema.go,
// normalize.go) that turns raw training parameters into a typed Params.
package config

import (
	"fmt"
	"time"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
)

// DatabaseConfig holds PostgreSQL connection parameters for the run tracker.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"db_name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationPath   string        `mapstructure:"migration_path"`
}

// RedisConfig holds Redis connection parameters for the featurization cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig holds producer parameters for run lifecycle events.
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	TopicPrefix     string   `mapstructure:"topic_prefix"`
	ProducerRetries int      `mapstructure:"producer_retries"`
	BatchSize       int      `mapstructure:"batch_size"`
	RequiredAcks    int      `mapstructure:"required_acks"`
}

// MinIOConfig holds object-storage parameters for checkpoint and transformer
// artifacts.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MilvusConfig holds vector-store parameters for diversity queries.
type MilvusConfig struct {
	Addr             string `mapstructure:"addr"`
	DBName           string `mapstructure:"db_name"`
	IndexType        string `mapstructure:"index_type"`
	NList            int    `mapstructure:"nlist"`
	NProbe           int    `mapstructure:"nprobe"`
	DefaultTopK      int    `mapstructure:"default_top_k"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

// MetricsConfig holds Prometheus exposition parameters.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace string `mapstructure:"namespace"`
}

// PipelineConfig holds pipeline-wide execution settings that are not
// per-run parameters.
type PipelineConfig struct {
	// TrainTimeBudget is the wall-clock ceiling for the epoch loop. When
	// exceeded, training truncates to the completed epochs and proceeds to
	// scoring; it is not an error.
	TrainTimeBudget time.Duration `mapstructure:"train_time_budget"`

	// CheckpointRoot is the local directory under which per-run checkpoint
	// directories are created.
	CheckpointRoot string `mapstructure:"checkpoint_root"`

	// RunnerPath is the executable that serves model fit/predict requests
	// over the line-delimited JSON protocol.
	RunnerPath string `mapstructure:"runner_path"`

	// CheckpointBucket is the object-store bucket for checkpoint archives
	// and transformer artifacts.
	CheckpointBucket string `mapstructure:"checkpoint_bucket"`
}

// Config is the root application configuration. Every infrastructure
// component reads its settings from the relevant sub-struct.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Milvus   MilvusConfig   `mapstructure:"milvus"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Log      logging.Config `mapstructure:"log"`
}

// Validate performs semantic validation of the fully-populated Config.
// Any error is fatal; the application must refuse to start.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("config: database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("config: database.port %d is out of range [1, 65535]", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("config: database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("config: database.db_name is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("config: database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be non-negative, got %d", c.Redis.DB)
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must contain at least one broker address")
	}

	if c.MinIO.Endpoint == "" {
		return fmt.Errorf("config: minio.endpoint is required")
	}

	if c.Milvus.Addr == "" {
		return fmt.Errorf("config: milvus.addr is required")
	}

	if c.Pipeline.TrainTimeBudget <= 0 {
		return fmt.Errorf("config: pipeline.train_time_budget must be positive, got %s", c.Pipeline.TrainTimeBudget)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return nil
}
