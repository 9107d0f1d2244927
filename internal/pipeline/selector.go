package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/dataset"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// State names one phase of a training run.
type State string

const (
	StateInit       State = "INIT"
	StateFoldLoop   State = "FOLD_LOOP"
	StateEpochLoop  State = "EPOCH_LOOP"
	StateScoring    State = "SCORING"
	StateFinalRefit State = "FINAL_REFIT"
	StatePersist    State = "PERSIST"
	StateDone       State = "DONE"
)

// TrainMetrics receives training observations for export. Implementations
// live in internal/infrastructure/monitoring/prometheus; a nil TrainMetrics
// disables export.
type TrainMetrics interface {
	ObserveFitDuration(kind string, d time.Duration)
	AddEpochs(kind string, n int)
	SetBestScore(kind string, score float64)
}

// PredictionSet holds final-model predictions for one partition. Std is nil
// when no uncertainty estimate is available.
type PredictionSet struct {
	Subset model.Subset
	Values []float64
	Std    []float64
}

// TrainingResult is the outcome of one selector run.
type TrainingResult struct {
	ModelType       model.Kind
	BestEpoch       int
	EpochsRun       int
	Truncated       bool
	Records         []EpochScoreRecord
	Summary         []EpochSummary
	Checkpoints     []BestCheckpointRef
	Transformers    *TransformerPair
	TestPredictions *PredictionSet
}

// SelectorConfig wires a Selector's collaborators. Registry and Checkpoints
// are required; the rest default.
type SelectorConfig struct {
	Registry    *Registry
	Checkpoints *CheckpointStore
	TimeBudget  time.Duration
	Metrics     TrainMetrics
	Logger      logging.Logger
}

// Selector drives the fold/epoch training loop for one run: fit and score
// every epoch across folds, pick the best epoch by fold-averaged validation
// score, then refit from scratch and persist the best and baseline
// checkpoints. Control flow is single-threaded and blocking; a Selector
// serves one run at a time.
type Selector struct {
	registry    *Registry
	checkpoints *CheckpointStore
	budget      time.Duration
	metrics     TrainMetrics
	log         logging.Logger
	now         func() time.Time

	state State
}

// NewSelector builds a selector from cfg, applying defaults for the
// optional fields.
func NewSelector(cfg SelectorConfig) *Selector {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	budget := cfg.TimeBudget
	if budget <= 0 {
		budget = config.DefaultTrainTimeBudget
	}
	return &Selector{
		registry:    cfg.Registry,
		checkpoints: cfg.Checkpoints,
		budget:      budget,
		metrics:     cfg.Metrics,
		log:         log.Named("selector"),
		now:         time.Now,
		state:       StateInit,
	}
}

// State reports the selector's current phase.
func (s *Selector) State() State {
	return s.state
}

func (s *Selector) transition(to State) {
	s.log.Debug("state transition",
		logging.String("from", string(s.state)), logging.String("to", string(to)))
	s.state = to
}

// Run executes the full training state machine over a featurized dataset
// and its split. Estimator failures abort the run; exceeding the time
// budget truncates the epoch loop and proceeds to scoring.
func (s *Selector) Run(ctx context.Context, ds *dataset.Dataset, split *dataset.Split, p *config.Params) (*TrainingResult, error) {
	s.transition(StateInit)
	kind, hooks, err := s.registry.Hooks(p)
	if err != nil {
		return nil, err
	}
	if len(ds.Features) != ds.Len() {
		return nil, apperrors.Validation("dataset must be featurized before training")
	}
	if len(split.Folds) == 0 {
		return nil, apperrors.Validation("split has no folds")
	}
	if len(ds.ResponseCols) == 0 {
		return nil, apperrors.Validation("dataset has no response column")
	}

	predType := model.PredictionType(p.PredictionType)
	responses := ds.Response(0)
	features := ds.Features

	// Transformers are fitted on the refit partition so the persisted
	// model and artifact agree on the statistics.
	refitIdx := s.refitIndices(split)
	pair := &TransformerPair{}
	if p.Transformers && predType == model.Regression {
		pair.Response = FitResponseTransformer(gatherFloat(responses, refitIdx))
	}
	if model.FeaturizerType(p.Featurizer) == model.FeaturizerDescriptors {
		pair.Feature = FitFeatureScaler(gatherRows(features, refitIdx))
		features = pair.Feature.Transform(features)
	}
	fitResponses := responses
	if pair.Response != nil {
		fitResponses = pair.Response.Transform(responses)
	}

	maxEpochs := 1
	if hooks.Iterative {
		maxEpochs = p.MaxEpochs
	}
	deadline := s.now().Add(s.budget)
	perf := NewPerfAccumulator(p)

	result := &TrainingResult{ModelType: kind, Transformers: pair}
	epochsRun := maxEpochs

	s.transition(StateFoldLoop)
	for f, fold := range split.Folds {
		completed, err := s.runFold(ctx, hooks, p, f, fold, split.Test,
			features, fitResponses, responses, pair, perf, epochsRun, deadline)
		if err != nil {
			return nil, err
		}
		if completed < epochsRun {
			// Time budget hit: later folds train no further than the
			// shortest fold so every scored epoch has all folds.
			epochsRun = completed
			result.Truncated = true
		}
	}

	s.transition(StateScoring)
	if epochsRun == 0 {
		return nil, apperrors.New(apperrors.CodeNoEpochsCompleted,
			"time budget exhausted before any epoch completed")
	}
	result.EpochsRun = epochsRun
	result.Records = perf.Records()
	result.Summary = summaryWithin(perf, epochsRun)
	best, err := bestWithin(result.Summary)
	if err != nil {
		return nil, err
	}
	result.BestEpoch = best.Epoch
	if s.metrics != nil {
		s.metrics.SetBestScore(string(kind), best.MeanScore)
	}
	s.log.Info("selected best epoch",
		logging.Int("best_epoch", result.BestEpoch),
		logging.Float64("valid_score", best.MeanScore),
		logging.Int("epochs_run", epochsRun),
		logging.Bool("truncated", result.Truncated))

	if err := s.finalRefit(ctx, hooks, p, split, features, fitResponses, responses, pair, result); err != nil {
		return nil, err
	}

	s.transition(StateDone)
	return result, nil
}

// runFold trains one fold for up to maxEpochs increments, scoring every
// partition at each epoch. It returns the number of completed epochs, which
// is lower than maxEpochs only when the wall-clock budget ran out.
func (s *Selector) runFold(ctx context.Context, hooks KindHooks, p *config.Params,
	foldIdx int, fold dataset.Fold, test []int,
	features [][]float64, fitResponses, rawResponses []float64,
	pair *TransformerPair, perf *PerfAccumulator,
	maxEpochs int, deadline time.Time) (int, error) {

	est, err := hooks.New(ctx, p)
	if err != nil {
		return 0, err
	}
	defer est.Close()

	trainX := gatherRows(features, fold.Train)
	trainY := gatherFloat(fitResponses, fold.Train)

	partitions := []struct {
		subset model.Subset
		idx    []int
	}{
		{model.SubsetTrain, fold.Train},
		{model.SubsetValid, fold.Valid},
		{model.SubsetTest, test},
	}

	s.transition(StateEpochLoop)
	completed := 0
	for epoch := 0; epoch < maxEpochs; epoch++ {
		if epoch > 0 && s.now().After(deadline) {
			s.log.Warn("time budget exceeded, truncating epochs",
				logging.Int("fold", foldIdx),
				logging.Int("completed", completed),
				logging.Int("max_epochs", maxEpochs))
			break
		}

		fitStart := s.now()
		if err := est.Fit(ctx, trainX, trainY); err != nil {
			return 0, err
		}
		if s.metrics != nil {
			s.metrics.ObserveFitDuration(p.ModelType, s.now().Sub(fitStart))
			s.metrics.AddEpochs(p.ModelType, 1)
		}

		for _, part := range partitions {
			if len(part.idx) == 0 {
				continue
			}
			pred, err := est.Predict(ctx, gatherRows(features, part.idx))
			if err != nil {
				return 0, err
			}
			if pair.Response != nil {
				pred = pair.Response.Untransform(pred)
			}
			rec, err := perf.Accumulate(foldIdx, epoch, part.subset,
				gatherFloat(rawResponses, part.idx), pred)
			if err != nil {
				return 0, err
			}
			if part.subset == model.SubsetValid {
				s.log.Debug("epoch scored",
					logging.Int("fold", foldIdx),
					logging.Int("epoch", epoch),
					logging.Float64("valid_score", rec.ChoiceScore))
			}
		}
		completed++
	}
	return completed, nil
}

// finalRefit retrains from scratch up to min(best, baseline) increments,
// persists that checkpoint, then continues to max(best, baseline) and
// persists the second. The refit never exceeds max(best, baseline) total
// increments.
func (s *Selector) finalRefit(ctx context.Context, hooks KindHooks, p *config.Params,
	split *dataset.Split, features [][]float64, fitResponses, rawResponses []float64,
	pair *TransformerPair, result *TrainingResult) error {

	s.transition(StateFinalRefit)

	bestIncr, baseIncr := 1, 1
	if hooks.Iterative {
		// A checkpoint at epoch index e takes e+1 fit increments to
		// reproduce. The baseline is a fixed increment count, clamped to
		// what the budget allowed.
		bestIncr = result.BestEpoch + 1
		baseIncr = p.BaselineEpoch
		if baseIncr > result.EpochsRun {
			baseIncr = result.EpochsRun
		}
	}
	lo, hi := bestIncr, baseIncr
	loLabel, hiLabel := model.LabelBest, model.LabelBaseline
	if baseIncr < bestIncr {
		lo, hi = baseIncr, bestIncr
		loLabel, hiLabel = model.LabelBaseline, model.LabelBest
	}

	refitIdx := s.refitIndices(split)
	trainX := gatherRows(features, refitIdx)
	trainY := gatherFloat(fitResponses, refitIdx)

	est, err := hooks.New(ctx, p)
	if err != nil {
		return err
	}
	defer est.Close()

	for i := 0; i < lo; i++ {
		if err := est.Fit(ctx, trainX, trainY); err != nil {
			return err
		}
	}

	s.transition(StatePersist)
	ref, err := s.persist(ctx, loLabel, lo, est, split, features, rawResponses, pair, p, result)
	if err != nil {
		return err
	}
	result.Checkpoints = append(result.Checkpoints, ref)

	s.transition(StateFinalRefit)
	for i := lo; i < hi; i++ {
		if err := est.Fit(ctx, trainX, trainY); err != nil {
			return err
		}
	}

	s.transition(StatePersist)
	ref, err = s.persist(ctx, hiLabel, hi, est, split, features, rawResponses, pair, p, result)
	if err != nil {
		return err
	}
	result.Checkpoints = append(result.Checkpoints, ref)

	return SaveTransformers(ctx, pair, s.checkpoints.Dir(model.LabelBest),
		s.transformerStore(), p.TransformerKey)
}

// persist writes one labeled checkpoint. The best-labeled checkpoint also
// produces the run's held-out test predictions, since the estimator holds
// exactly the best-epoch state at that moment.
func (s *Selector) persist(ctx context.Context, label model.EpochLabel, epoch int,
	est Estimator, split *dataset.Split, features [][]float64, rawResponses []float64,
	pair *TransformerPair, p *config.Params, result *TrainingResult) (BestCheckpointRef, error) {

	ref, err := s.checkpoints.Persist(ctx, label, epoch, est)
	if err != nil {
		return BestCheckpointRef{}, err
	}
	if label == model.LabelBest && len(split.Test) > 0 {
		preds, err := s.predictWithUncertainty(ctx, est, gatherRows(features, split.Test), pair, p)
		if err != nil {
			return BestCheckpointRef{}, err
		}
		preds.Subset = model.SubsetTest
		result.TestPredictions = preds
	}
	return ref, nil
}

// predictWithUncertainty produces final predictions plus an uncertainty
// estimate where the model family supports one. Binary classifiers without
// native support fall back to the binomial approximation; anything else
// degrades to a logged warning and a nil estimate.
func (s *Selector) predictWithUncertainty(ctx context.Context, est Estimator,
	rows [][]float64, pair *TransformerPair, p *config.Params) (*PredictionSet, error) {

	values, err := est.Predict(ctx, rows)
	if err != nil {
		return nil, err
	}
	if pair.Response != nil {
		values = pair.Response.Untransform(values)
	}
	set := &PredictionSet{Values: values}
	if !p.Uncertainty {
		return set, nil
	}

	kind, _ := model.ParseKind(p.ModelType)
	predType := model.PredictionType(p.PredictionType)
	supported := false
	if _, hooks, err := s.registry.Hooks(p); err == nil && hooks.SupportsUncertainty != nil {
		supported = hooks.SupportsUncertainty(predType)
	}

	switch {
	case supported:
		std, err := est.Uncertainty(ctx, rows)
		if err != nil {
			s.log.Warn("uncertainty estimation failed, returning null estimate",
				logging.String("model_type", string(kind)), logging.Err(err))
			return set, nil
		}
		if pair.Response != nil {
			std = pair.Response.UntransformStd(std)
		}
		set.Std = std
	case predType == model.Classification:
		// Binomial spread of the predicted class probability.
		std := make([]float64, len(values))
		for i, v := range values {
			std[i] = math.Sqrt(math.Max(v*(1-v), 0))
		}
		set.Std = std
	default:
		s.log.Warn("uncertainty not supported for this model type, returning null estimate",
			logging.String("model_type", string(kind)),
			logging.String("prediction_type", string(predType)))
	}
	return set, nil
}

// refitIndices selects the final-refit partition: the union of all
// train+valid rows for cross-validated runs, the single fold's training
// rows otherwise.
func (s *Selector) refitIndices(split *dataset.Split) []int {
	if len(split.Folds) > 1 {
		return split.CombinedTrainValid()
	}
	return split.Folds[0].Train
}

// transformerStore exposes the checkpoint store's object backend for the
// transformer artifact upload.
func (s *Selector) transformerStore() ArtifactStore {
	if s.checkpoints == nil {
		return nil
	}
	return s.checkpoints.store
}

// summaryWithin restricts the validation summary to epochs every fold
// completed.
func summaryWithin(perf *PerfAccumulator, epochsRun int) []EpochSummary {
	full := perf.ValidationSummary()
	out := make([]EpochSummary, 0, epochsRun)
	for _, sum := range full {
		if sum.Epoch < epochsRun {
			out = append(out, sum)
		}
	}
	return out
}

// bestWithin picks the argmax summary, earliest epoch on ties.
func bestWithin(summary []EpochSummary) (EpochSummary, error) {
	if len(summary) == 0 {
		return EpochSummary{}, apperrors.New(apperrors.CodeNoEpochsCompleted,
			"no validation scores accumulated")
	}
	best := summary[0]
	for _, sum := range summary[1:] {
		if sum.MeanScore > best.MeanScore {
			best = sum
		}
	}
	return best, nil
}

func gatherRows(features [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = features[j]
	}
	return out
}

func gatherFloat(values []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}
