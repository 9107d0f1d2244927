// Package diversity produces nearest-neighbor diversity reports for
// compound datasets: per-compound Tanimoto distance to the nearest other
// compound, plus distribution summaries. Small datasets are analyzed
// in-process; large ones go through the Milvus vector store.
package diversity

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"regexp"
	"strconv"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/dataset"
	"github.com/deepmatter/chempipe/internal/domain/molecule"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// defaultVectorStoreThreshold is the dataset size at which the all-pairs
// in-process scan gives way to the vector store.
const defaultVectorStoreThreshold = 5000

var reportQuantiles = []float64{0.1, 0.25, 0.5, 0.75, 0.9}

// VectorIndex writes fingerprints into a named collection.
type VectorIndex interface {
	CollectionName(datasetKey, featurizerName string) string
	EnsureCollection(ctx context.Context, name string, numBits int) error
	Insert(ctx context.Context, name string, ids []string, fps []*molecule.Fingerprint) error
}

// VectorSearcher answers nearest-foreign-neighbor queries over an indexed
// collection.
type VectorSearcher interface {
	NearestForeignDistances(ctx context.Context, collection string, ids []string, fps []*molecule.Fingerprint) ([]float64, error)
}

// CompoundDistance is one compound's nearest-neighbor distance.
type CompoundDistance struct {
	CompoundID      string  `json:"compound_id"`
	NearestDistance float64 `json:"nearest_distance"`
}

// NeighborStats summarizes the nearest-neighbor distance distribution.
type NeighborStats struct {
	Count     int                `json:"count"`
	Mean      float64            `json:"mean"`
	Std       float64            `json:"std"`
	Min       float64            `json:"min"`
	Max       float64            `json:"max"`
	Quantiles map[string]float64 `json:"quantiles"`
}

// Report is the diversity analysis of one featurized dataset.
type Report struct {
	DatasetKey string             `json:"dataset_key"`
	Featurizer string             `json:"featurizer"`
	Compounds  int                `json:"compounds"`
	Source     string             `json:"source"`
	Stats      NeighborStats      `json:"stats"`
	Rows       []CompoundDistance `json:"rows"`
}

const (
	sourceInProcess   = "in_process"
	sourceVectorStore = "vector_store"
)

// Reporter generates diversity reports. Index and Searcher are optional;
// without them every dataset is analyzed in-process.
type Reporter struct {
	index     VectorIndex
	searcher  VectorSearcher
	threshold int
	log       logging.Logger
}

// ReporterConfig wires a Reporter's collaborators.
type ReporterConfig struct {
	Index     VectorIndex
	Searcher  VectorSearcher
	Threshold int
	Logger    logging.Logger
}

// NewReporter builds a reporter, applying defaults for optional fields.
func NewReporter(cfg ReporterConfig) *Reporter {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultVectorStoreThreshold
	}
	return &Reporter{
		index:     cfg.Index,
		searcher:  cfg.Searcher,
		threshold: threshold,
		log:       log.Named("diversity"),
	}
}

// Generate computes the nearest-neighbor diversity report for ds using the
// run's fingerprint parameters.
func (r *Reporter) Generate(ctx context.Context, ds *dataset.Dataset, p *config.Params) (*Report, error) {
	if ds.Len() < 2 {
		return nil, apperrors.Validationf("diversity report needs at least 2 compounds, got %d", ds.Len())
	}

	ids := make([]string, ds.Len())
	fps := make([]*molecule.Fingerprint, ds.Len())
	for i, c := range ds.Compounds {
		fp, err := molecule.CalculateECFP(c.SMILES, p.ECFPRadius, p.ECFPSize)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDiversityFailed,
				"failed to fingerprint compound "+c.ID)
		}
		ids[i] = c.ID
		fps[i] = fp
	}

	featurizerName := "ecfp_r" + strconv.Itoa(p.ECFPRadius) + "_b" + strconv.Itoa(p.ECFPSize)

	var (
		dists  []float64
		source string
		err    error
	)
	if r.searcher != nil && r.index != nil && ds.Len() >= r.threshold {
		source = sourceVectorStore
		dists, err = r.vectorStoreDistances(ctx, p.DatasetKey, featurizerName, ids, fps)
	} else {
		source = sourceInProcess
		dists, err = molecule.NearestDistances(fps)
	}
	if err != nil {
		return nil, err
	}

	rows := make([]CompoundDistance, len(ids))
	for i := range ids {
		rows[i] = CompoundDistance{CompoundID: ids[i], NearestDistance: dists[i]}
	}

	report := &Report{
		DatasetKey: p.DatasetKey,
		Featurizer: featurizerName,
		Compounds:  ds.Len(),
		Source:     source,
		Stats:      summarize(dists),
		Rows:       rows,
	}
	r.log.Info("diversity report generated",
		logging.String("dataset_key", p.DatasetKey),
		logging.Int("compounds", ds.Len()),
		logging.String("source", source))
	return report, nil
}

func (r *Reporter) vectorStoreDistances(ctx context.Context, datasetKey, featurizerName string, ids []string, fps []*molecule.Fingerprint) ([]float64, error) {
	collection := r.index.CollectionName(sanitizeToken(datasetKey), featurizerName)
	if err := r.index.EnsureCollection(ctx, collection, fps[0].Length); err != nil {
		return nil, err
	}
	if err := r.index.Insert(ctx, collection, ids, fps); err != nil {
		return nil, err
	}
	return r.searcher.NearestForeignDistances(ctx, collection, ids, fps)
}

var nonWord = regexp.MustCompile(`\W+`)

// sanitizeToken maps a dataset key to a Milvus-safe collection token.
func sanitizeToken(s string) string {
	return nonWord.ReplaceAllString(s, "_")
}

func summarize(dists []float64) NeighborStats {
	n := len(dists)
	min, max := math.Inf(1), math.Inf(-1)
	sum := 0.0
	for _, d := range dists {
		sum += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	mean := sum / float64(n)

	varSum := 0.0
	for _, d := range dists {
		varSum += (d - mean) * (d - mean)
	}
	std := math.Sqrt(varSum / float64(n))

	qv := molecule.DistanceQuantiles(dists, reportQuantiles)
	quantiles := make(map[string]float64, len(reportQuantiles))
	for i, q := range reportQuantiles {
		quantiles["q"+strconv.Itoa(int(q*100))] = qv[i]
	}

	return NeighborStats{
		Count:     n,
		Mean:      mean,
		Std:       std,
		Min:       min,
		Max:       max,
		Quantiles: quantiles,
	}
}

// WriteJSON writes the full report as indented JSON.
func (rep *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDiversityFailed, "failed to encode report")
	}
	return nil
}

// WriteCSV writes the per-compound rows as CSV.
func (rep *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"compound_id", "nearest_distance"}); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDiversityFailed, "failed to write report")
	}
	for _, row := range rep.Rows {
		rec := []string{row.CompoundID, strconv.FormatFloat(row.NearestDistance, 'f', 6, 64)}
		if err := cw.Write(rec); err != nil {
			return apperrors.Wrap(err, apperrors.CodeDiversityFailed, "failed to write report")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDiversityFailed, "failed to write report")
	}
	return nil
}
