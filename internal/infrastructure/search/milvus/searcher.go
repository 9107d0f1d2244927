package milvus

import (
	"context"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/deepmatter/chempipe/internal/domain/molecule"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

const defaultNProbe = 16

// Neighbor is a single search hit. Distance is Jaccard distance, which
// equals Tanimoto distance for bit-vector fingerprints.
type Neighbor struct {
	CompoundID string
	Distance   float64
}

// FingerprintSearcher answers nearest-neighbor queries over fingerprint
// collections.
type FingerprintSearcher struct {
	client *Client
	nprobe int
	topK   int
	log    logging.Logger
}

// NewFingerprintSearcher creates a searcher tuned from config.
func NewFingerprintSearcher(client *Client, nprobe, topK int, log logging.Logger) *FingerprintSearcher {
	if nprobe <= 0 {
		nprobe = defaultNProbe
	}
	if topK <= 0 {
		topK = 10
	}
	return &FingerprintSearcher{client: client, nprobe: nprobe, topK: topK, log: log}
}

// Search returns the topK nearest neighbors for each query fingerprint,
// ordered nearest first. topK <= 0 uses the configured default.
func (s *FingerprintSearcher) Search(ctx context.Context, collection string, queries []*molecule.Fingerprint, topK int) ([][]Neighbor, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = s.topK
	}

	vectors := make([]entity.Vector, len(queries))
	for i, fp := range queries {
		vectors[i] = entity.BinaryVector(fp.Bits)
	}

	sp, err := entity.NewIndexBinIvfFlatSearchParam(s.nprobe)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to build search params")
	}

	results, err := s.client.Milvus().Search(ctx, collection, nil, "",
		[]string{fieldCompoundID}, vectors, fieldFingerprint,
		entity.JACCARD, topK, sp)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorStore, "vector search failed on "+collection)
	}
	if len(results) != len(queries) {
		return nil, apperrors.Newf(apperrors.CodeVectorStore,
			"vector search returned %d result sets for %d queries", len(results), len(queries))
	}

	out := make([][]Neighbor, len(results))
	for i, res := range results {
		ids, ok := res.IDs.(*entity.ColumnVarChar)
		if !ok {
			return nil, apperrors.New(apperrors.CodeVectorStore, "vector search returned non-varchar IDs")
		}
		hits := make([]Neighbor, 0, res.ResultCount)
		for j, id := range ids.Data() {
			hits = append(hits, Neighbor{CompoundID: id, Distance: float64(res.Scores[j])})
		}
		out[i] = hits
	}
	return out, nil
}

// NearestForeignDistances returns, for each query compound, the distance
// to its nearest neighbor other than itself. Compounds whose only hit is
// themselves get the maximum distance 1.
func (s *FingerprintSearcher) NearestForeignDistances(ctx context.Context, collection string, ids []string, fps []*molecule.Fingerprint) ([]float64, error) {
	if len(ids) != len(fps) {
		return nil, apperrors.Validationf("compound IDs and fingerprints differ in length: %d vs %d", len(ids), len(fps))
	}

	hits, err := s.Search(ctx, collection, fps, 2)
	if err != nil {
		return nil, err
	}

	dists := make([]float64, len(ids))
	for i, neighbors := range hits {
		dists[i] = 1
		for _, n := range neighbors {
			if n.CompoundID != ids[i] {
				dists[i] = n.Distance
				break
			}
		}
	}
	return dists, nil
}
