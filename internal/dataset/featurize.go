package dataset

import (
	"context"
	"fmt"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/domain/molecule"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// Featurizer converts compounds into numeric feature rows.
type Featurizer interface {
	// Name identifies the featurizer in cache keys and run metadata.
	Name() string

	// Featurize returns one feature row per compound, in input order.
	Featurize(ctx context.Context, compounds []Compound) ([][]float64, error)
}

// FeatureCache stores featurized matrices keyed by dataset and featurizer.
// The Redis cache in internal/infrastructure/database/redis implements it.
type FeatureCache interface {
	Get(ctx context.Context, key string) ([][]float64, bool, error)
	Put(ctx context.Context, key string, features [][]float64) error
}

// NewFeaturizer builds the featurizer named by the run parameters.
func NewFeaturizer(p *config.Params) (Featurizer, error) {
	switch model.FeaturizerType(p.Featurizer) {
	case model.FeaturizerECFP:
		return &ECFPFeaturizer{Radius: p.ECFPRadius, Size: p.ECFPSize}, nil
	case model.FeaturizerDescriptors, model.FeaturizerGraphConv:
		// Descriptor and graph featurization are owned by the external
		// model service; feature matrices for these arrive precomputed.
		return nil, apperrors.New(apperrors.CodeFeaturizerUnknown,
			fmt.Sprintf("featurizer %q requires precomputed features", p.Featurizer))
	default:
		return nil, apperrors.New(apperrors.CodeFeaturizerUnknown,
			fmt.Sprintf("unknown featurizer %q", p.Featurizer))
	}
}

// ECFPFeaturizer produces circular fingerprint bit vectors as feature rows.
type ECFPFeaturizer struct {
	Radius int
	Size   int
}

// Name returns the cache identity, including the shape parameters so that
// differently-sized fingerprints never collide.
func (f *ECFPFeaturizer) Name() string {
	return fmt.Sprintf("ecfp_r%d_b%d", f.Radius, f.Size)
}

// Featurize fingerprints every compound. A malformed SMILES aborts the
// featurization; partially featurized datasets are never returned.
func (f *ECFPFeaturizer) Featurize(ctx context.Context, compounds []Compound) ([][]float64, error) {
	out := make([][]float64, len(compounds))
	for i, c := range compounds {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeFeaturizeFailed, "featurization cancelled")
		}
		fp, err := molecule.CalculateECFP(c.SMILES, f.Radius, f.Size)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeFeaturizeFailed,
				fmt.Sprintf("featurize compound %q", c.ID))
		}
		out[i] = fp.ToFloat64()
	}
	return out, nil
}

// CachedFeaturizer wraps a Featurizer with a FeatureCache. When the run
// parameters allow reuse of previously featurized data, a cache hit skips
// recomputation; results are always written back on a miss.
type CachedFeaturizer struct {
	inner Featurizer
	cache FeatureCache
	log   logging.Logger
}

// NewCachedFeaturizer wires a featurizer to a cache. A nil cache degrades
// to always computing.
func NewCachedFeaturizer(inner Featurizer, cache FeatureCache, log logging.Logger) *CachedFeaturizer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &CachedFeaturizer{inner: inner, cache: cache, log: log.Named("featurize")}
}

// FeaturizeDataset fills ds.Features according to p, consulting the cache
// first when p.PreviouslyFeaturized permits. Cache failures degrade to
// recomputation with a warning; they never fail the run.
func (c *CachedFeaturizer) FeaturizeDataset(ctx context.Context, ds *Dataset, p *config.Params) error {
	key := featureCacheKey(p, c.inner.Name())

	if c.cache != nil && p.PreviouslyFeaturized {
		feats, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.Warn("feature cache read failed, recomputing",
				logging.String("key", key), logging.Err(err))
		} else if ok && len(feats) == ds.Len() {
			ds.Features = feats
			c.log.Info("loaded features from cache",
				logging.String("key", key), logging.Int("rows", len(feats)))
			return nil
		}
	}

	feats, err := c.inner.Featurize(ctx, ds.Compounds)
	if err != nil {
		return err
	}
	ds.Features = feats

	if c.cache != nil {
		if err := c.cache.Put(ctx, key, feats); err != nil {
			c.log.Warn("feature cache write failed",
				logging.String("key", key), logging.Err(err))
		}
	}
	return nil
}

// featureCacheKey identifies one featurized matrix: dataset key plus the
// featurizer identity.
func featureCacheKey(p *config.Params, featurizerName string) string {
	return fmt.Sprintf("features:%s:%s", p.DatasetKey, featurizerName)
}
