package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// ResponseTransformer standardizes response values to zero mean and unit
// variance, and inverts predictions back to the original scale.
type ResponseTransformer struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// FitResponseTransformer computes the transform statistics from training
// responses. A constant response column keeps Std=1 so the transform stays
// invertible.
func FitResponseTransformer(responses []float64) *ResponseTransformer {
	mean, std := meanStd(responses)
	if std == 0 {
		std = 1
	}
	return &ResponseTransformer{Mean: mean, Std: std}
}

// Transform maps responses into standardized space.
func (t *ResponseTransformer) Transform(responses []float64) []float64 {
	out := make([]float64, len(responses))
	for i, v := range responses {
		out[i] = (v - t.Mean) / t.Std
	}
	return out
}

// Untransform maps standardized predictions back to response space.
func (t *ResponseTransformer) Untransform(predicted []float64) []float64 {
	out := make([]float64, len(predicted))
	for i, v := range predicted {
		out[i] = v*t.Std + t.Mean
	}
	return out
}

// UntransformStd rescales uncertainty estimates back to response space.
// Standardization shifts the mean but only scaling affects the spread.
func (t *ResponseTransformer) UntransformStd(std []float64) []float64 {
	if std == nil {
		return nil
	}
	out := make([]float64, len(std))
	for i, v := range std {
		out[i] = v * t.Std
	}
	return out
}

// FeatureScaler standardizes feature columns. Columns with zero variance
// pass through unscaled.
type FeatureScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitFeatureScaler computes per-column statistics from training features.
func FitFeatureScaler(features [][]float64) *FeatureScaler {
	if len(features) == 0 {
		return &FeatureScaler{}
	}
	cols := len(features[0])
	s := &FeatureScaler{Mean: make([]float64, cols), Std: make([]float64, cols)}
	for c := 0; c < cols; c++ {
		col := make([]float64, len(features))
		for r := range features {
			col[r] = features[r][c]
		}
		mean, std := meanStd(col)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[c], s.Std[c] = mean, std
	}
	return s
}

// Transform returns a standardized copy of the feature matrix.
func (s *FeatureScaler) Transform(features [][]float64) [][]float64 {
	if len(s.Mean) == 0 {
		return features
	}
	out := make([][]float64, len(features))
	for r, row := range features {
		scaled := make([]float64, len(row))
		for c, v := range row {
			scaled[c] = (v - s.Mean[c]) / s.Std[c]
		}
		out[r] = scaled
	}
	return out
}

// TransformerPair is the serialized transformer artifact persisted next to
// model checkpoints: the response transformer and optional feature scaler
// fitted on the training partition.
type TransformerPair struct {
	Response *ResponseTransformer `json:"response,omitempty"`
	Feature  *FeatureScaler       `json:"feature,omitempty"`
}

// ArtifactStore writes opaque artifacts to a remote object store. The
// MinIO repository in internal/infrastructure/storage/minio implements it.
type ArtifactStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
}

const transformerFileName = "transformers.json"

// SaveTransformers serializes the pair under dir, and additionally to the
// object store under key when both store and key are set.
func SaveTransformers(ctx context.Context, pair *TransformerPair, dir string, store ArtifactStore, key string) error {
	data, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransformerWrite, "serialize transformers")
	}
	path := filepath.Join(dir, transformerFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransformerWrite, "write transformer file")
	}
	if store != nil && key != "" {
		if err := store.PutObject(ctx, key, data); err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransformerWrite, "upload transformers")
		}
	}
	return nil
}

// LoadTransformers reads a transformer pair from dir, falling back to the
// object store key when the local file is absent.
func LoadTransformers(ctx context.Context, dir string, store ArtifactStore, key string) (*TransformerPair, error) {
	data, err := os.ReadFile(filepath.Join(dir, transformerFileName))
	if err != nil {
		if !os.IsNotExist(err) || store == nil || key == "" {
			return nil, apperrors.Wrap(err, apperrors.CodeTransformerRead, "read transformer file")
		}
		data, err = store.GetObject(ctx, key)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeTransformerRead, "fetch transformers")
		}
	}
	pair := &TransformerPair{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(pair); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTransformerRead, "decode transformers")
	}
	return pair, nil
}
