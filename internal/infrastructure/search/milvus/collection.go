package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/domain/molecule"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

const (
	fieldCompoundID  = "compound_id"
	fieldFingerprint = "fingerprint"

	compoundIDMaxLength = 128
	defaultNList        = 128
)

// FingerprintStore manages fingerprint collections. Each collection holds
// one featurization of one dataset: a compound ID primary key plus a
// binary vector of the fingerprint bits.
type FingerprintStore struct {
	client *Client
	cfg    config.MilvusConfig
	log    logging.Logger
}

// NewFingerprintStore creates a store over an established client.
func NewFingerprintStore(client *Client, cfg config.MilvusConfig, log logging.Logger) *FingerprintStore {
	return &FingerprintStore{client: client, cfg: cfg, log: log}
}

// CollectionName derives the collection name for a dataset/featurizer
// pair. Milvus collection names permit only word characters, so callers
// pass pre-sanitized tokens such as "delaney" and "ecfp_r2_b1024".
func (s *FingerprintStore) CollectionName(datasetKey, featurizerName string) string {
	prefix := s.cfg.CollectionPrefix
	if prefix == "" {
		prefix = "chempipe"
	}
	return fmt.Sprintf("%s_%s_%s", prefix, datasetKey, featurizerName)
}

// EnsureCollection creates the collection, index, and memory load for a
// fingerprint set of numBits bits. Existing collections are loaded as-is.
func (s *FingerprintStore) EnsureCollection(ctx context.Context, name string, numBits int) error {
	if numBits <= 0 || numBits%8 != 0 {
		return apperrors.Validationf("fingerprint bit count must be a positive multiple of 8, got %d", numBits)
	}

	mc := s.client.Milvus()
	has, err := mc.HasCollection(ctx, name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to check collection "+name)
	}

	if !has {
		schema := entity.NewSchema().
			WithName(name).
			WithDescription("molecular fingerprints for diversity search").
			WithField(entity.NewField().
				WithName(fieldCompoundID).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(compoundIDMaxLength).
				WithIsPrimaryKey(true)).
			WithField(entity.NewField().
				WithName(fieldFingerprint).
				WithDataType(entity.FieldTypeBinaryVector).
				WithDim(int64(numBits)))

		if err := mc.CreateCollection(ctx, schema, 1); err != nil {
			return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to create collection "+name)
		}

		idx, err := s.binaryIndex()
		if err != nil {
			return err
		}
		if err := mc.CreateIndex(ctx, name, fieldFingerprint, idx, false); err != nil {
			return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to index collection "+name)
		}
		s.log.Info("created fingerprint collection",
			logging.String("collection", name),
			logging.Int("bits", numBits))
	}

	if err := mc.LoadCollection(ctx, name, false); err != nil {
		return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to load collection "+name)
	}
	return nil
}

// binaryIndex builds the vector index from config. Jaccard distance on
// bit vectors equals Tanimoto distance, so search results line up with
// the in-process similarity math.
func (s *FingerprintStore) binaryIndex() (entity.Index, error) {
	nlist := s.cfg.NList
	if nlist <= 0 {
		nlist = defaultNList
	}

	var (
		idx entity.Index
		err error
	)
	switch s.cfg.IndexType {
	case "", "BIN_IVF_FLAT":
		idx, err = entity.NewIndexBinIvfFlat(entity.JACCARD, nlist)
	case "BIN_FLAT":
		idx, err = entity.NewIndexBinFlat(entity.JACCARD, nlist)
	default:
		return nil, apperrors.Validationf("unsupported milvus index type %q", s.cfg.IndexType)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to build vector index")
	}
	return idx, nil
}

// Insert writes fingerprints keyed by compound ID and flushes the
// segment so they become searchable.
func (s *FingerprintStore) Insert(ctx context.Context, name string, ids []string, fps []*molecule.Fingerprint) error {
	if len(ids) != len(fps) {
		return apperrors.Validationf("compound IDs and fingerprints differ in length: %d vs %d", len(ids), len(fps))
	}
	if len(ids) == 0 {
		return nil
	}

	dim := fps[0].Length
	vectors := make([][]byte, len(fps))
	for i, fp := range fps {
		if fp.Length != dim {
			return apperrors.Validationf("fingerprint %s has %d bits, expected %d", ids[i], fp.Length, dim)
		}
		vectors[i] = fp.Bits
	}

	mc := s.client.Milvus()
	cols := []entity.Column{
		entity.NewColumnVarChar(fieldCompoundID, ids),
		entity.NewColumnBinaryVector(fieldFingerprint, dim, vectors),
	}
	if _, err := mc.Insert(ctx, name, "", cols...); err != nil {
		return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to insert fingerprints into "+name)
	}
	if err := mc.Flush(ctx, name, false); err != nil {
		return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to flush collection "+name)
	}

	s.log.Debug("inserted fingerprints",
		logging.String("collection", name),
		logging.Int("count", len(ids)))
	return nil
}

// Drop removes a collection and its data.
func (s *FingerprintStore) Drop(ctx context.Context, name string) error {
	if err := s.client.Milvus().DropCollection(ctx, name); err != nil {
		return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to drop collection "+name)
	}
	return nil
}
