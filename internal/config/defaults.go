package config

import "time"

const (
	DefaultDBHost     = "localhost"
	DefaultDBPort     = 5432
	DefaultDBName     = "chempipe"
	DefaultDBMaxConns = 10

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "chempipe:"
	DefaultRedisTTL       = 24 * time.Hour

	DefaultKafkaBroker      = "localhost:9092"
	DefaultKafkaTopicPrefix = "chempipe"

	DefaultMinIOEndpoint = "localhost:9000"

	DefaultMilvusAddr = "localhost:19530"
	DefaultMilvusTopK = 10

	DefaultMetricsNamespace = "chempipe"
	DefaultMetricsAddr      = ":9102"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// DefaultTrainTimeBudget is the epoch-loop wall-clock ceiling. Runs
	// that hit it truncate max_epochs to the completed count and move to
	// scoring.
	DefaultTrainTimeBudget = 18 * time.Hour

	DefaultCheckpointRoot = "./checkpoints"

	DefaultRunnerPath       = "chempipe-runner"
	DefaultCheckpointBucket = "chempipe-models"
)

// ApplyDefaults fills every zero-value field in cfg with its default.
// Fields the caller set explicitly are left unchanged, so explicit
// configuration always wins. Call after unmarshalling and before Validate.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = DefaultDBHost
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = DefaultDBPort
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = DefaultDBName
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = DefaultDBMaxConns
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Redis.DefaultTTL == 0 {
		cfg.Redis.DefaultTTL = DefaultRedisTTL
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = DefaultKafkaTopicPrefix
	}

	if cfg.MinIO.Endpoint == "" {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}

	if cfg.Milvus.Addr == "" {
		cfg.Milvus.Addr = DefaultMilvusAddr
	}
	if cfg.Milvus.DefaultTopK == 0 {
		cfg.Milvus.DefaultTopK = DefaultMilvusTopK
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = DefaultMetricsAddr
	}

	if cfg.Pipeline.TrainTimeBudget == 0 {
		cfg.Pipeline.TrainTimeBudget = DefaultTrainTimeBudget
	}
	if cfg.Pipeline.CheckpointRoot == "" {
		cfg.Pipeline.CheckpointRoot = DefaultCheckpointRoot
	}
	if cfg.Pipeline.RunnerPath == "" {
		cfg.Pipeline.RunnerPath = DefaultRunnerPath
	}
	if cfg.Pipeline.CheckpointBucket == "" {
		cfg.Pipeline.CheckpointBucket = DefaultCheckpointBucket
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}
