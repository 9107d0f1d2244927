package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects map[string][]byte
	putErr  error
	getErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) PutObject(_ context.Context, key string, body []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memStore) GetObject(_ context.Context, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	body, ok := m.objects[key]
	if !ok {
		return nil, assert.AnError
	}
	return body, nil
}

func TestResponseTransformer_RoundTrip(t *testing.T) {
	responses := []float64{1, 3, 5, 7}
	tr := FitResponseTransformer(responses)
	assert.InDelta(t, 4.0, tr.Mean, 1e-12)

	transformed := tr.Transform(responses)
	mean, std := meanStd(transformed)
	assert.InDelta(t, 0.0, mean, 1e-12)
	assert.InDelta(t, 1.0, std, 1e-12)

	back := tr.Untransform(transformed)
	for i := range responses {
		assert.InDelta(t, responses[i], back[i], 1e-12)
	}
}

func TestResponseTransformer_ConstantColumn(t *testing.T) {
	tr := FitResponseTransformer([]float64{5, 5, 5})
	assert.Equal(t, 1.0, tr.Std)
	assert.Equal(t, []float64{0, 0, 0}, tr.Transform([]float64{5, 5, 5}))
}

func TestResponseTransformer_UntransformStd(t *testing.T) {
	tr := &ResponseTransformer{Mean: 10, Std: 2}
	assert.Equal(t, []float64{2, 4}, tr.UntransformStd([]float64{1, 2}))
	assert.Nil(t, tr.UntransformStd(nil))
}

func TestFeatureScaler(t *testing.T) {
	features := [][]float64{{1, 100}, {3, 100}}
	s := FitFeatureScaler(features)

	out := s.Transform(features)
	// First column standardizes; constant second column passes through
	// shifted to zero.
	assert.InDelta(t, -1.0, out[0][0], 1e-12)
	assert.InDelta(t, 1.0, out[1][0], 1e-12)
	assert.InDelta(t, 0.0, out[0][1], 1e-12)

	// Original matrix untouched.
	assert.Equal(t, 1.0, features[0][0])
}

func TestSaveLoadTransformers_Local(t *testing.T) {
	dir := t.TempDir()
	pair := &TransformerPair{
		Response: &ResponseTransformer{Mean: 4, Std: 2},
		Feature:  &FeatureScaler{Mean: []float64{1}, Std: []float64{2}},
	}

	require.NoError(t, SaveTransformers(context.Background(), pair, dir, nil, ""))

	loaded, err := LoadTransformers(context.Background(), dir, nil, "")
	require.NoError(t, err)
	assert.Equal(t, pair, loaded)
}

func TestSaveLoadTransformers_ObjectStore(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	pair := &TransformerPair{Response: &ResponseTransformer{Mean: 1, Std: 1}}

	require.NoError(t, SaveTransformers(context.Background(), pair, dir, store, "runs/abc/transformers.json"))
	assert.Contains(t, store.objects, "runs/abc/transformers.json")

	// Remote fallback when the local file is gone.
	loaded, err := LoadTransformers(context.Background(), t.TempDir(), store, "runs/abc/transformers.json")
	require.NoError(t, err)
	assert.Equal(t, pair, loaded)
}

func TestLoadTransformers_Missing(t *testing.T) {
	_, err := LoadTransformers(context.Background(), t.TempDir(), nil, "")
	require.Error(t, err)
}
