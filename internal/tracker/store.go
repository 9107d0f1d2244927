// Package tracker persists model-run metadata: one row per training run
// plus its per-epoch scores, and run lifecycle events on the message bus.
// It is the system of record the track command queries.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/deepmatter/chempipe/internal/infrastructure/database/postgres"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	"github.com/deepmatter/chempipe/internal/pipeline"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// RunStatus is the lifecycle state of a training run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one training run's metadata. Pointer fields are null until the
// run completes or fails.
type Run struct {
	ModelUUID    uuid.UUID
	DatasetKey   string
	ModelType    string
	Params       json.RawMessage
	Status       RunStatus
	BestEpoch    *int
	EpochsRun    *int
	Truncated    bool
	BestScore    *float64
	BestChkptKey *string
	BaseChkptKey *string
	ErrorMsg     *string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// RunOutcome carries the completion fields written by CompleteRun.
type RunOutcome struct {
	BestEpoch    int
	EpochsRun    int
	Truncated    bool
	BestScore    float64
	BestChkptKey string
	BaseChkptKey string
}

// ScoreRow is one persisted metric observation.
type ScoreRow struct {
	Fold      int
	Epoch     int
	Subset    string
	ScoreType string
	Score     float64
}

// dbConn is the slice of pgxpool.Pool the store uses.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL run-metadata repository.
type Store struct {
	db  dbConn
	log logging.Logger
}

// NewStore builds a Store over an established pool.
func NewStore(pool *postgres.Pool, log logging.Logger) *Store {
	return newStoreWithConn(pool.Pgx(), log)
}

func newStoreWithConn(db dbConn, log logging.Logger) *Store {
	return &Store{db: db, log: log.Named("tracker")}
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	params := run.Params
	if params == nil {
		params = json.RawMessage("{}")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO model_runs (model_uuid, dataset_key, model_type, params, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ModelUUID, run.DatasetKey, run.ModelType, params, RunStatusRunning, run.StartedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTrackerWrite, "failed to insert run")
	}
	s.log.Debug("run created",
		logging.String("model_uuid", run.ModelUUID.String()),
		logging.String("dataset_key", run.DatasetKey))
	return nil
}

// CompleteRun marks a run completed and records its outcome.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, out RunOutcome) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE model_runs
		SET status = $2, best_epoch = $3, epochs_run = $4, truncated = $5,
		    best_score = $6, best_chkpt_key = $7, base_chkpt_key = $8,
		    completed_at = NOW()
		WHERE model_uuid = $1`,
		id, RunStatusCompleted, out.BestEpoch, out.EpochsRun, out.Truncated,
		out.BestScore, out.BestChkptKey, out.BaseChkptKey)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTrackerWrite, "failed to complete run")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.CodeTrackerWrite, "run %s not found", id)
	}
	return nil
}

// FailRun marks a run failed with its error message.
func (s *Store) FailRun(ctx context.Context, id uuid.UUID, msg string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE model_runs
		SET status = $2, error_msg = $3, completed_at = NOW()
		WHERE model_uuid = $1`,
		id, RunStatusFailed, msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTrackerWrite, "failed to mark run failed")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.CodeTrackerWrite, "run %s not found", id)
	}
	return nil
}

// RecordScores flattens epoch score records into run_scores rows, one per
// metric, using the COPY protocol.
func (s *Store) RecordScores(ctx context.Context, id uuid.UUID, records []pipeline.EpochScoreRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		for scoreType, score := range rec.Metrics {
			rows = append(rows, []any{
				id, rec.Fold, rec.Epoch, string(rec.Subset), string(scoreType), score,
			})
		}
	}

	n, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"run_scores"},
		[]string{"model_uuid", "fold", "epoch", "subset", "score_type", "score"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTrackerWrite, "failed to insert run scores")
	}
	s.log.Debug("scores recorded",
		logging.String("model_uuid", id.String()),
		logging.Int("rows", int(n)))
	return nil
}

const runColumns = `model_uuid, dataset_key, model_type, params, status,
	best_epoch, epochs_run, truncated, best_score, best_chkpt_key,
	base_chkpt_key, error_msg, started_at, completed_at`

// GetRun fetches one run by model UUID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM model_runs WHERE model_uuid = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.CodeTrackerQuery, "run %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to fetch run")
	}
	return run, nil
}

// ListRuns returns runs for a dataset, newest first. limit <= 0 means 50.
func (s *Store) ListRuns(ctx context.Context, datasetKey string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+runColumns+` FROM model_runs
		WHERE dataset_key = $1 ORDER BY started_at DESC LIMIT $2`,
		datasetKey, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to list runs")
	}
	return runs, nil
}

// ListScores returns all persisted metric rows for a run, ordered by
// fold, epoch, subset.
func (s *Store) ListScores(ctx context.Context, id uuid.UUID) ([]ScoreRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT fold, epoch, subset, score_type, score
		FROM run_scores WHERE model_uuid = $1
		ORDER BY fold, epoch, subset, score_type`, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to list scores")
	}
	defer rows.Close()

	var out []ScoreRow
	for rows.Next() {
		var r ScoreRow
		if err := rows.Scan(&r.Fold, &r.Epoch, &r.Subset, &r.ScoreType, &r.Score); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to scan score")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "failed to list scores")
	}
	return out, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ModelUUID, &run.DatasetKey, &run.ModelType, &run.Params, &run.Status,
		&run.BestEpoch, &run.EpochsRun, &run.Truncated, &run.BestScore,
		&run.BestChkptKey, &run.BaseChkptKey, &run.ErrorMsg,
		&run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
