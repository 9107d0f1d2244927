// Package kafka publishes run lifecycle events so downstream consumers
// (dashboards, schedulers) can follow training progress.
package kafka

import (
	"encoding/json"
	"time"
)

// Run lifecycle topics, joined to the configured topic prefix with a dot.
const (
	TopicRunStarted   = "run.started"
	TopicRunScored    = "run.epoch_scored"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
)

// EventEnvelope standardizes event messages across topics.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// RunStartedPayload announces a new training run.
type RunStartedPayload struct {
	ModelUUID  string    `json:"model_uuid"`
	DatasetKey string    `json:"dataset_key"`
	ModelType  string    `json:"model_type"`
	StartedAt  time.Time `json:"started_at"`
}

// RunScoredPayload carries one fold-averaged epoch score.
type RunScoredPayload struct {
	ModelUUID   string  `json:"model_uuid"`
	Epoch       int     `json:"epoch"`
	ValidScore  float64 `json:"valid_score"`
	ScoreStddev float64 `json:"score_stddev"`
	Folds       int     `json:"folds"`
}

// RunCompletedPayload closes out a successful run.
type RunCompletedPayload struct {
	ModelUUID     string    `json:"model_uuid"`
	BestEpoch     int       `json:"best_epoch"`
	EpochsRun     int       `json:"epochs_run"`
	Truncated     bool      `json:"truncated"`
	BestScore     float64   `json:"best_score"`
	BestChkptKey  string    `json:"best_checkpoint_key,omitempty"`
	BaseChkptKey  string    `json:"baseline_checkpoint_key,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RunFailedPayload reports a fatal training failure.
type RunFailedPayload struct {
	ModelUUID string    `json:"model_uuid"`
	ErrorCode string    `json:"error_code"`
	Message   string    `json:"message"`
	FailedAt  time.Time `json:"failed_at"`
}
