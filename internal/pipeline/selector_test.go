package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/dataset"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// scriptedEstimator fakes an external model: the feature matrix is a single
// identity column, so Predict can recover each row's dataset index and
// return the true response perturbed to hit a target score per epoch.
type scriptedEstimator struct {
	responses   []float64
	validScores []float64 // target r2 per epoch; last entry repeats
	fits        int
	fitErr      error
	predictErr  error
	stdValue    float64
	stdErr      error
	saved       []string
	closed      bool
}

func (e *scriptedEstimator) Fit(context.Context, [][]float64, []float64) error {
	if e.fitErr != nil {
		return e.fitErr
	}
	e.fits++
	return nil
}

func (e *scriptedEstimator) Predict(_ context.Context, rows [][]float64) ([]float64, error) {
	if e.predictErr != nil {
		return nil, e.predictErr
	}
	epoch := e.fits - 1
	if epoch >= len(e.validScores) {
		epoch = len(e.validScores) - 1
	}
	target := e.validScores[epoch]

	actual := make([]float64, len(rows))
	for i, row := range rows {
		actual[i] = e.responses[int(row[0])]
	}
	_, std := meanStd(actual)
	n := float64(len(actual))
	ssTot := std * std * n
	// ssRes = n*d^2 gives r2 = 1 - n*d^2/ssTot = target.
	d := math.Sqrt(ssTot * (1 - target) / n)

	out := make([]float64, len(actual))
	for i := range actual {
		out[i] = actual[i] + d
	}
	return out, nil
}

func (e *scriptedEstimator) Uncertainty(_ context.Context, rows [][]float64) ([]float64, error) {
	if e.stdErr != nil {
		return nil, e.stdErr
	}
	out := make([]float64, len(rows))
	for i := range out {
		out[i] = e.stdValue
	}
	return out, nil
}

func (e *scriptedEstimator) Save(_ context.Context, dir string) error {
	e.saved = append(e.saved, dir)
	return os.WriteFile(filepath.Join(dir, "model.bin"), []byte("weights"), 0o644)
}

func (e *scriptedEstimator) Close() error {
	e.closed = true
	return nil
}

// fakeBackend builds scriptedEstimators and remembers every instance.
type fakeBackend struct {
	responses   []float64
	validScores []float64
	fitErr      error
	predictErr  error
	stdErr      error
	instances   []*scriptedEstimator
}

func (b *fakeBackend) factory(context.Context, *config.Params) (Estimator, error) {
	e := &scriptedEstimator{
		responses:   b.responses,
		validScores: b.validScores,
		fitErr:      b.fitErr,
		predictErr:  b.predictErr,
		stdErr:      b.stdErr,
		stdValue:    0.25,
	}
	b.instances = append(b.instances, e)
	return e, nil
}

func (b *fakeBackend) registry(iterative bool, uncertainty func(model.PredictionType) bool) *Registry {
	r := NewRegistry()
	hooks := KindHooks{New: b.factory, Iterative: iterative, SupportsUncertainty: uncertainty}
	r.Register(model.KindNN, hooks)
	r.Register(model.KindRF, KindHooks{New: b.factory, SupportsUncertainty: uncertainty})
	return r
}

// identityDataset builds n rows whose single feature is the row index.
func identityDataset(n int) *dataset.Dataset {
	ds := &dataset.Dataset{ResponseCols: []string{"pIC50"}}
	for i := 0; i < n; i++ {
		ds.Compounds = append(ds.Compounds, dataset.Compound{
			ID:        "c",
			Responses: []float64{float64(i % 7)},
		})
		ds.Features = append(ds.Features, []float64{float64(i)})
	}
	return ds
}

func newTestSelector(t *testing.T, reg *Registry, budget time.Duration) (*Selector, *CheckpointStore) {
	t.Helper()
	store := NewCheckpointStore(t.TempDir(), nil, "", logging.NewNopLogger())
	sel := NewSelector(SelectorConfig{
		Registry:    reg,
		Checkpoints: store,
		TimeBudget:  budget,
		Logger:      logging.NewNopLogger(),
	})
	return sel, store
}

func mustSplit(t *testing.T, ds *dataset.Dataset, p *config.Params) *dataset.Split {
	t.Helper()
	split, err := dataset.MakeSplit(ds, p)
	require.NoError(t, err)
	return split
}

func TestSelector_BestEpochIsArgmax(t *testing.T) {
	ds := identityDataset(60)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_strategy", "k_fold_cv",
		"--num_folds", "3",
		"--split_test_frac", "0.1",
		"--max_epochs", "3",
		"--baseline_epoch", "3",
		"--transformers", // off: defaults true, bare flag toggles
	)

	backend := &fakeBackend{
		responses:   identityDataset(60).Response(0),
		validScores: []float64{0.1, 0.5, 0.3},
	}
	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Hour)

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	assert.Equal(t, 1, res.BestEpoch)
	assert.Equal(t, 3, res.EpochsRun)
	assert.False(t, res.Truncated)
	assert.Equal(t, StateDone, sel.State())

	require.Len(t, res.Summary, 3)
	assert.InDelta(t, 0.5, res.Summary[1].MeanScore, 1e-9)
}

func TestSelector_RefitPersistsExactlyTwoCheckpoints(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "6",
		"--baseline_epoch", "5",
		"--transformers",
	)

	// Peak at epoch index 1: the best checkpoint takes 2 increments.
	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.1, 0.9, 0.3, 0.2, 0.2, 0.2},
	}
	sel, store := newTestSelector(t, backend.registry(true, nil), time.Hour)

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	require.Len(t, res.Checkpoints, 2)
	assert.Equal(t, model.LabelBest, res.Checkpoints[0].Label)
	assert.Equal(t, 2, res.Checkpoints[0].Epoch)
	assert.Equal(t, model.LabelBaseline, res.Checkpoints[1].Label)
	assert.Equal(t, 5, res.Checkpoints[1].Epoch)

	// One estimator ran the six fold epochs; the refit estimator performed
	// exactly max(best, baseline) = 5 increments, no more.
	require.Len(t, backend.instances, 2)
	assert.Equal(t, 6, backend.instances[0].fits)
	assert.Equal(t, 5, backend.instances[1].fits)
	for _, inst := range backend.instances {
		assert.True(t, inst.closed)
	}

	// Both checkpoint directories hold model files and the transformer
	// artifact sits next to the best one.
	for _, label := range []model.EpochLabel{model.LabelBest, model.LabelBaseline} {
		_, err := os.Stat(filepath.Join(store.Dir(label), "model.bin"))
		assert.NoError(t, err)
	}
	_, err = os.Stat(filepath.Join(store.Dir(model.LabelBest), "transformers.json"))
	assert.NoError(t, err)
}

func TestSelector_BaselineBeforeBest(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "6",
		"--baseline_epoch", "2",
		"--transformers",
	)

	// Peak at the last epoch: baseline (2) persists first, best (6) second.
	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.9},
	}
	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Hour)

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	require.Len(t, res.Checkpoints, 2)
	assert.Equal(t, model.LabelBaseline, res.Checkpoints[0].Label)
	assert.Equal(t, 2, res.Checkpoints[0].Epoch)
	assert.Equal(t, model.LabelBest, res.Checkpoints[1].Label)
	assert.Equal(t, 6, res.Checkpoints[1].Epoch)
	assert.Equal(t, 6, backend.instances[1].fits)
}

func TestSelector_EnsembleRunsOneEpoch(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "RF",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "30",
		"--transformers",
	)

	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.4},
	}
	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Hour)

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	assert.Equal(t, 1, res.EpochsRun)
	assert.Equal(t, 0, res.BestEpoch)
	assert.Equal(t, 1, backend.instances[0].fits)
	// Refit is a single fit; both labels reference that one state.
	assert.Equal(t, 1, backend.instances[1].fits)
	require.Len(t, res.Checkpoints, 2)
	assert.Equal(t, res.Checkpoints[0].Epoch, res.Checkpoints[1].Epoch)
}

func TestSelector_TimeBudgetTruncates(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "30",
		"--baseline_epoch", "30",
		"--transformers",
	)

	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.5},
	}
	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Minute)

	// Every clock read advances well past the budget: only the guaranteed
	// first epoch completes.
	base := time.Now()
	calls := 0
	sel.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 2 * time.Minute)
	}

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, 1, res.EpochsRun)
	assert.Equal(t, 0, res.BestEpoch)
	// Baseline clamps to the epochs actually run.
	require.Len(t, res.Checkpoints, 2)
	assert.Equal(t, 1, res.Checkpoints[1].Epoch)
}

func TestSelector_FitErrorIsFatal(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "3",
		"--transformers",
	)

	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.5},
		fitErr:      apperrors.New(apperrors.CodeFitFailed, "backend blew up"),
	}
	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Hour)

	_, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeFitFailed, apperrors.GetCode(err))
}

func TestSelector_TestPredictionsWithUncertainty(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "2",
		"--baseline_epoch", "2",
		"--transformers",
	)

	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.2, 0.6},
	}
	supports := func(model.PredictionType) bool { return true }
	sel, _ := newTestSelector(t, backend.registry(true, supports), time.Hour)

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	require.NotNil(t, res.TestPredictions)
	assert.Equal(t, model.SubsetTest, res.TestPredictions.Subset)
	assert.Len(t, res.TestPredictions.Values, 10)
	require.Len(t, res.TestPredictions.Std, 10)
	assert.Equal(t, 0.25, res.TestPredictions.Std[0])
}

func TestSelector_UnsupportedUncertaintyWarnsAndReturnsNil(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "1",
		"--baseline_epoch", "1",
		"--transformers",
	)

	backend := &fakeBackend{
		responses:   identityDataset(40).Response(0),
		validScores: []float64{0.5},
	}
	core, logs := observer.New(zapcore.WarnLevel)
	sel := NewSelector(SelectorConfig{
		Registry:    backend.registry(true, func(model.PredictionType) bool { return false }),
		Checkpoints: NewCheckpointStore(t.TempDir(), nil, "", logging.NewNopLogger()),
		TimeBudget:  time.Hour,
		Logger:      logging.NewLoggerFromCore(core),
	})

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	require.NotNil(t, res.TestPredictions)
	assert.Nil(t, res.TestPredictions.Std)
	assert.Equal(t, 1, logs.FilterMessageSnippet("uncertainty not supported").Len())
}

func TestSelector_ClassificationBinomialFallback(t *testing.T) {
	ds := identityDataset(40)
	for i := range ds.Compounds {
		ds.Compounds[i].Responses[0] = float64(i % 2)
	}
	p := testParams(t,
		"--model_type", "NN",
		"--prediction_type", "classification",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "1",
		"--baseline_epoch", "1",
		"--transformers",
	)

	backend := &fakeBackend{
		responses:   ds.Response(0),
		validScores: []float64{1.0},
	}
	sel, _ := newTestSelector(t, backend.registry(true, func(model.PredictionType) bool { return false }), time.Hour)

	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	require.NotNil(t, res.TestPredictions)
	require.Len(t, res.TestPredictions.Std, 10)
	for i, v := range res.TestPredictions.Values {
		want := math.Sqrt(math.Max(v*(1-v), 0))
		assert.InDelta(t, want, res.TestPredictions.Std[i], 1e-12)
	}
}

func TestSelector_ResponseTransformRoundTrips(t *testing.T) {
	ds := identityDataset(40)
	p := testParams(t,
		"--model_type", "NN",
		"--splitter", "index",
		"--split_valid_frac", "0.25",
		"--split_test_frac", "0.25",
		"--max_epochs", "1",
		"--baseline_epoch", "1",
	)
	require.True(t, p.Transformers)

	backend := &fakeBackend{
		// With transformers on, the estimator sees standardized responses,
		// so the scripted scores apply in transformed space; scoring still
		// happens against raw responses.
		responses: nil,
		validScores: []float64{1.0},
	}
	// Perfect transformed predictions untransform to perfect raw ones, so
	// the fake needs the standardized responses it will be fitted on.
	raw := identityDataset(40).Response(0)
	tr := FitResponseTransformer(gatherFloat(raw, mustSplit(t, ds, p).Folds[0].Train))
	backend.responses = tr.Transform(raw)

	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Hour)
	res, err := sel.Run(context.Background(), ds, mustSplit(t, ds, p), p)
	require.NoError(t, err)

	require.NotNil(t, res.Transformers.Response)
	require.Len(t, res.Summary, 1)
	assert.InDelta(t, 1.0, res.Summary[0].MeanScore, 1e-9)
}

func TestSelector_RequiresFeaturizedDataset(t *testing.T) {
	ds := identityDataset(10)
	ds.Features = nil
	p := testParams(t, "--model_type", "NN", "--splitter", "index", "--transformers")

	backend := &fakeBackend{responses: identityDataset(10).Response(0), validScores: []float64{0.5}}
	sel, _ := newTestSelector(t, backend.registry(true, nil), time.Hour)

	_, err := sel.Run(context.Background(), ds, &dataset.Split{Folds: []dataset.Fold{{}}}, p)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSelector_UnknownKind(t *testing.T) {
	p := testParams(t, "--model_type", "xgboost", "--transformers")
	sel, _ := newTestSelector(t, NewRegistry(), time.Hour)
	_, err := sel.Run(context.Background(), identityDataset(10), &dataset.Split{Folds: []dataset.Fold{{}}}, p)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeModelKindUnknown, apperrors.GetCode(err))
}
