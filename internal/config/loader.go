package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix for all application settings.
const envPrefix = "CHEMPIPE"

// newViper builds a pre-configured viper instance: YAML file type, CHEMPIPE_
// env prefix, automatic env binding, and a "." → "_" key replacer so that
// "database.host" resolves from CHEMPIPE_DATABASE_HOST.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvKeys(v)
	return v
}

// bindEnvKeys registers every settable key with viper so that environment
// variables are visible to Unmarshal even when no config file supplies the
// key. AutomaticEnv alone only resolves keys viper already knows about.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.host", "database.port", "database.user", "database.password",
		"database.db_name", "database.ssl_mode", "database.max_conns",
		"database.min_conns", "database.conn_max_lifetime",
		"database.conn_max_idle_time", "database.migration_path",
		"redis.addr", "redis.password", "redis.db", "redis.pool_size",
		"redis.min_idle_conns", "redis.dial_timeout", "redis.read_timeout",
		"redis.write_timeout", "redis.default_ttl", "redis.key_prefix",
		"kafka.brokers", "kafka.topic_prefix", "kafka.producer_retries",
		"kafka.batch_size", "kafka.required_acks",
		"minio.endpoint", "minio.access_key", "minio.secret_key", "minio.use_ssl",
		"milvus.addr", "milvus.db_name", "milvus.index_type", "milvus.nlist",
		"milvus.nprobe", "milvus.default_top_k", "milvus.collection_prefix",
		"metrics.enabled", "metrics.listen_addr", "metrics.namespace",
		"pipeline.train_time_budget", "pipeline.checkpoint_root",
		"pipeline.runner_path", "pipeline.checkpoint_bucket",
		"log.level", "log.format", "log.output_paths", "log.error_output_paths",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the YAML file at configPath, merges CHEMPIPE_* environment
// overrides, applies defaults for unset fields, and validates the result.
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config file %q: %w", configPath, err)
	}

	return unmarshalAndFinalize(v)
}

// LoadFromEnv builds a Config entirely from CHEMPIPE_* environment variables
// and defaults, with no config file. Preferred for containerised runs.
func LoadFromEnv() (*Config, error) {
	return unmarshalAndFinalize(newViper())
}

func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// MustLoad wraps Load and panics on error. For use in main(), where a
// config-load failure is always fatal.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}
