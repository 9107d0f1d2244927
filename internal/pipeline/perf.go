package pipeline

import (
	"math"
	"sort"

	"github.com/deepmatter/chempipe/internal/config"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// Metrics maps score types to their computed values for one partition at
// one epoch.
type Metrics map[model.ScoreType]float64

// EpochScoreRecord captures the performance of one partition at one epoch
// of one fold. Records are immutable once accumulated.
type EpochScoreRecord struct {
	Fold        int
	Epoch       int
	Subset      model.Subset
	Metrics     Metrics
	ChoiceScore float64
}

// EpochSummary is the fold-aggregated validation performance of one epoch.
type EpochSummary struct {
	Epoch     int
	MeanScore float64
	StdScore  float64
	Folds     int
}

// PerfAccumulator collects per-epoch scores across folds and ranks epochs
// by the fold-averaged validation model-choice score.
type PerfAccumulator struct {
	predType model.PredictionType
	choice   model.ScoreType
	records  []EpochScoreRecord
}

// NewPerfAccumulator builds an accumulator for the run's prediction type
// and model-choice score.
func NewPerfAccumulator(p *config.Params) *PerfAccumulator {
	return &PerfAccumulator{
		predType: model.PredictionType(p.PredictionType),
		choice:   model.ScoreType(p.ModelChoiceScoreType),
	}
}

// Accumulate evaluates predictions against actuals for one partition and
// appends the resulting record.
func (a *PerfAccumulator) Accumulate(fold, epoch int, subset model.Subset, actual, predicted []float64) (EpochScoreRecord, error) {
	m, err := Evaluate(a.predType, actual, predicted)
	if err != nil {
		return EpochScoreRecord{}, err
	}
	rec := EpochScoreRecord{
		Fold:        fold,
		Epoch:       epoch,
		Subset:      subset,
		Metrics:     m,
		ChoiceScore: choiceScore(m, a.choice),
	}
	a.records = append(a.records, rec)
	return rec, nil
}

// Records returns all accumulated records in insertion order.
func (a *PerfAccumulator) Records() []EpochScoreRecord {
	out := make([]EpochScoreRecord, len(a.records))
	copy(out, a.records)
	return out
}

// ValidationSummary aggregates validation choice scores across folds,
// returning one summary per epoch in epoch order.
func (a *PerfAccumulator) ValidationSummary() []EpochSummary {
	byEpoch := map[int][]float64{}
	for _, r := range a.records {
		if r.Subset != model.SubsetValid {
			continue
		}
		byEpoch[r.Epoch] = append(byEpoch[r.Epoch], r.ChoiceScore)
	}
	epochs := make([]int, 0, len(byEpoch))
	for e := range byEpoch {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)

	out := make([]EpochSummary, 0, len(epochs))
	for _, e := range epochs {
		mean, std := meanStd(byEpoch[e])
		out = append(out, EpochSummary{Epoch: e, MeanScore: mean, StdScore: std, Folds: len(byEpoch[e])})
	}
	return out
}

// BestEpoch returns the 0-based epoch whose fold-averaged validation
// choice score is highest. Ties resolve to the earliest epoch.
func (a *PerfAccumulator) BestEpoch() (int, error) {
	summary := a.ValidationSummary()
	if len(summary) == 0 {
		return 0, apperrors.New(apperrors.CodeNoEpochsCompleted, "no validation scores accumulated")
	}
	best := summary[0]
	for _, s := range summary[1:] {
		if s.MeanScore > best.MeanScore {
			best = s
		}
	}
	return best.Epoch, nil
}

// choiceScore extracts the ranking scalar from a metric set. Error metrics
// are negated so that a higher choice score is always better.
func choiceScore(m Metrics, st model.ScoreType) float64 {
	v := m[st]
	switch st {
	case model.ScoreRMSE, model.ScoreMAE:
		return -v
	default:
		return v
	}
}

// Evaluate computes the metric set appropriate to the prediction type.
// Classification predictions are scores in [0,1] against {0,1} actuals.
func Evaluate(predType model.PredictionType, actual, predicted []float64) (Metrics, error) {
	if len(actual) == 0 {
		return nil, apperrors.Validation("cannot score an empty partition")
	}
	if len(actual) != len(predicted) {
		return nil, apperrors.Validationf("actual/predicted length mismatch: %d vs %d",
			len(actual), len(predicted))
	}
	switch predType {
	case model.Classification:
		return Metrics{
			model.ScoreROCAUC:   rocAUC(actual, predicted),
			model.ScorePRCAUC:   prcAUC(actual, predicted),
			model.ScoreAccuracy: accuracy(actual, predicted),
		}, nil
	default:
		return Metrics{
			model.ScoreR2:   r2(actual, predicted),
			model.ScoreRMSE: rmse(actual, predicted),
			model.ScoreMAE:  mae(actual, predicted),
		}, nil
	}
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) == 1 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func r2(actual, predicted []float64) float64 {
	mean, _ := meanStd(actual)
	var ssRes, ssTot float64
	for i := range actual {
		r := actual[i] - predicted[i]
		t := actual[i] - mean
		ssRes += r * r
		ssTot += t * t
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func rmse(actual, predicted []float64) float64 {
	var ss float64
	for i := range actual {
		d := actual[i] - predicted[i]
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(actual)))
}

func mae(actual, predicted []float64) float64 {
	var sum float64
	for i := range actual {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(len(actual))
}

func accuracy(actual, predicted []float64) float64 {
	var hits int
	for i := range actual {
		label := 0.0
		if predicted[i] >= 0.5 {
			label = 1.0
		}
		if label == actual[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(actual))
}

// rocAUC computes the area under the ROC curve via the rank-sum
// formulation, with ties receiving averaged ranks.
func rocAUC(actual, predicted []float64) float64 {
	n := len(actual)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return predicted[order[a]] < predicted[order[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && predicted[order[j]] == predicted[order[i]] {
			j++
		}
		// Average rank over the tie group (1-based ranks).
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = avg
		}
		i = j
	}

	var nPos, nNeg int
	var posRankSum float64
	for i := range actual {
		if actual[i] >= 0.5 {
			nPos++
			posRankSum += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	u := posRankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg))
}

// prcAUC computes average precision: the mean of precision values at each
// positive example when ranked by descending score.
func prcAUC(actual, predicted []float64) float64 {
	n := len(actual)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return predicted[order[a]] > predicted[order[b]] })

	var nPos int
	for i := range actual {
		if actual[i] >= 0.5 {
			nPos++
		}
	}
	if nPos == 0 {
		return 0
	}

	var tp int
	var sum float64
	for k, idx := range order {
		if actual[idx] >= 0.5 {
			tp++
			sum += float64(tp) / float64(k+1)
		}
	}
	return sum / float64(nPos)
}
