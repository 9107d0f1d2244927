package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database:
  host: db.internal
  user: pipeline
  password: secret
log:
  level: debug
  format: console
pipeline:
  train_time_budget: 2h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, DefaultDBPort, cfg.Database.Port)
	assert.Equal(t, DefaultDBName, cfg.Database.DBName)
	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, []string{DefaultKafkaBroker}, cfg.Kafka.Brokers)
	assert.Equal(t, DefaultMinIOEndpoint, cfg.MinIO.Endpoint)
	assert.Equal(t, DefaultMilvusAddr, cfg.Milvus.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Pipeline.TrainTimeBudget)
	assert.Equal(t, DefaultCheckpointRoot, cfg.Pipeline.CheckpointRoot)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	require.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHEMPIPE_DATABASE_HOST", "env-db")
	t.Setenv("CHEMPIPE_DATABASE_USER", "env-user")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-db", cfg.Database.Host)
	assert.Equal(t, "env-user", cfg.Database.User)
	assert.Equal(t, DefaultTrainTimeBudget, cfg.Pipeline.TrainTimeBudget)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Setenv("CHEMPIPE_DATABASE_USER", "env-user")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg.Log.Level = "info"
	cfg.Database.Port = 0
	assert.Error(t, cfg.Validate())
}
