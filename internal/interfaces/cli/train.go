package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/dataset"
	"github.com/deepmatter/chempipe/internal/infrastructure/database/postgres"
	"github.com/deepmatter/chempipe/internal/infrastructure/database/redis"
	"github.com/deepmatter/chempipe/internal/infrastructure/messaging/kafka"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/prometheus"
	"github.com/deepmatter/chempipe/internal/infrastructure/storage/minio"
	"github.com/deepmatter/chempipe/internal/pipeline"
	"github.com/deepmatter/chempipe/internal/tracker"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// runStore is the slice of tracker.Store the train command uses.
type runStore interface {
	CreateRun(ctx context.Context, run *tracker.Run) error
	RecordScores(ctx context.Context, id uuid.UUID, records []pipeline.EpochScoreRecord) error
	CompleteRun(ctx context.Context, id uuid.UUID, out tracker.RunOutcome) error
	FailRun(ctx context.Context, id uuid.UUID, msg string) error
}

// runNotifier is the slice of tracker.Notifier the train command uses.
type runNotifier interface {
	RunStarted(ctx context.Context, run *tracker.Run) error
	EpochScored(ctx context.Context, id uuid.UUID, summary pipeline.EpochSummary) error
	RunCompleted(ctx context.Context, id uuid.UUID, out tracker.RunOutcome) error
	RunFailed(ctx context.Context, id uuid.UUID, runErr error) error
}

type runCounter interface {
	IncRuns(status string)
}

// trainDeps aggregates the train command's collaborators. store, notifier
// and counter are optional; nil disables tracking, events, or metrics.
type trainDeps struct {
	normalizer *config.Normalizer
	loader     *dataset.Loader
	cache      dataset.FeatureCache
	selector   *pipeline.Selector
	store      runStore
	notifier   runNotifier
	counter    runCounter
	log        logging.Logger
	out        io.Writer
}

// trainSummary is the JSON document printed after a successful run.
type trainSummary struct {
	ModelUUID  string                  `json:"model_uuid"`
	DatasetKey string                  `json:"dataset_key"`
	ModelType  string                  `json:"model_type"`
	BestEpoch  int                     `json:"best_epoch"`
	EpochsRun  int                     `json:"epochs_run"`
	Truncated  bool                    `json:"truncated"`
	BestScore  float64                 `json:"best_score"`
	Summary    []pipeline.EpochSummary `json:"valid_summary"`
	Best       string                  `json:"best_model_dir"`
	Baseline   string                  `json:"baseline_model_dir"`
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train [-- run parameters]",
		Short: "Train a model and persist its best and baseline checkpoints",
		Long:  "Normalizes the run parameters, loads and featurizes the dataset, runs\nthe fold/epoch selection loop, and persists the best and baseline\ncheckpoints. Run parameters follow \"--\", e.g.:\n\n  chempipe train -- --dataset_key delaney.csv --response_cols solubility",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFromContext(cmd)
			if err != nil {
				return err
			}
			deps, cleanup, err := buildTrainDeps(cmd.Context(), app, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer cleanup()
			return runTrain(cmd.Context(), deps, paramArgs(cmd, args))
		},
	}
	return cmd
}

// buildTrainDeps constructs the production collaborators from the app
// config. The returned cleanup closes every connection it opened.
func buildTrainDeps(ctx context.Context, app *appContext, out io.Writer) (*trainDeps, func(), error) {
	cfg, log := app.cfg, app.log
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	objClient, err := minio.NewClient(cfg.MinIO, log)
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := minio.NewArtifactRepository(ctx, objClient, cfg.Pipeline.CheckpointBucket, log)
	if err != nil {
		return nil, nil, err
	}

	cacheClient, err := redis.NewClient(cfg.Redis, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = cacheClient.Close() })
	cache := redis.NewFeatureCache(cacheClient, cfg.Redis.KeyPrefix, cfg.Redis.DefaultTTL, log)

	pool, err := postgres.NewPool(ctx, cfg.Database, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, pool.Close)

	producer := kafka.NewProducer(cfg.Kafka, log)
	closers = append(closers, func() { _ = producer.Close() })

	metrics := prometheus.NewTrainingMetrics(cfg.Metrics.Namespace)

	selector := pipeline.NewSelector(pipeline.SelectorConfig{
		Registry: pipeline.NewExecRegistry(cfg.Pipeline.RunnerPath),
		Checkpoints: pipeline.NewCheckpointStore(
			cfg.Pipeline.CheckpointRoot, artifacts, "checkpoints", log),
		TimeBudget: cfg.Pipeline.TrainTimeBudget,
		Metrics:    metrics,
		Logger:     log,
	})

	return &trainDeps{
		normalizer: config.NewNormalizer(log),
		loader:     dataset.NewLoader(log),
		cache:      cache,
		selector:   selector,
		store:      tracker.NewStore(pool, log),
		notifier:   tracker.NewNotifier(producer, log),
		counter:    metrics,
		log:        log.Named("train"),
		out:        out,
	}, cleanup, nil
}

// runTrain executes one training run end to end.
func runTrain(ctx context.Context, deps *trainDeps, tokens []string) error {
	p, err := deps.normalizer.FromArgs(tokens)
	if err != nil {
		return err
	}

	ds, err := deps.loader.LoadCSV(p.DatasetKey, p)
	if err != nil {
		return err
	}

	featurizer, err := dataset.NewFeaturizer(p)
	if err != nil {
		return err
	}
	cached := dataset.NewCachedFeaturizer(featurizer, deps.cache, deps.log)
	if err := cached.FeaturizeDataset(ctx, ds, p); err != nil {
		return err
	}

	split, err := dataset.MakeSplit(ds, p)
	if err != nil {
		return err
	}

	runID := uuid.New()
	argsJSON, _ := json.Marshal(p.Args())
	run := &tracker.Run{
		ModelUUID:  runID,
		DatasetKey: p.DatasetKey,
		ModelType:  p.ModelType,
		Params:     argsJSON,
		StartedAt:  time.Now().UTC(),
	}
	if deps.store != nil {
		if err := deps.store.CreateRun(ctx, run); err != nil {
			return err
		}
	}
	if deps.notifier != nil {
		_ = deps.notifier.RunStarted(ctx, run)
	}

	result, err := deps.selector.Run(ctx, ds, split, p)
	if err != nil {
		if deps.store != nil {
			if ferr := deps.store.FailRun(ctx, runID, err.Error()); ferr != nil {
				deps.log.Warn("failed to record run failure", logging.Err(ferr))
			}
		}
		if deps.notifier != nil {
			_ = deps.notifier.RunFailed(ctx, runID, err)
		}
		if deps.counter != nil {
			deps.counter.IncRuns("failed")
		}
		return err
	}

	outcome := outcomeFromResult(result)
	if deps.store != nil {
		if err := deps.store.RecordScores(ctx, runID, result.Records); err != nil {
			return err
		}
		if err := deps.store.CompleteRun(ctx, runID, outcome); err != nil {
			return err
		}
	}
	if deps.notifier != nil {
		for _, summary := range result.Summary {
			_ = deps.notifier.EpochScored(ctx, runID, summary)
		}
		_ = deps.notifier.RunCompleted(ctx, runID, outcome)
	}
	if deps.counter != nil {
		deps.counter.IncRuns("completed")
	}

	return printTrainSummary(deps.out, runID, p.DatasetKey, result, outcome)
}

// outcomeFromResult maps a training result onto the tracked outcome row.
func outcomeFromResult(result *pipeline.TrainingResult) tracker.RunOutcome {
	out := tracker.RunOutcome{
		BestEpoch: result.BestEpoch,
		EpochsRun: result.EpochsRun,
		Truncated: result.Truncated,
	}
	for _, s := range result.Summary {
		if s.Epoch == result.BestEpoch {
			out.BestScore = s.MeanScore
		}
	}
	for _, ref := range result.Checkpoints {
		switch ref.Label {
		case model.LabelBest:
			out.BestChkptKey = ref.ObjectKey
		case model.LabelBaseline:
			out.BaseChkptKey = ref.ObjectKey
		}
	}
	return out
}

func printTrainSummary(w io.Writer, runID uuid.UUID, datasetKey string, result *pipeline.TrainingResult, out tracker.RunOutcome) error {
	summary := trainSummary{
		ModelUUID:  runID.String(),
		DatasetKey: datasetKey,
		ModelType:  string(result.ModelType),
		BestEpoch:  result.BestEpoch,
		EpochsRun:  result.EpochsRun,
		Truncated:  result.Truncated,
		BestScore:  out.BestScore,
		Summary:    result.Summary,
	}
	for _, ref := range result.Checkpoints {
		switch ref.Label {
		case model.LabelBest:
			summary.Best = ref.Dir
		case model.LabelBaseline:
			summary.Baseline = ref.Dir
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
