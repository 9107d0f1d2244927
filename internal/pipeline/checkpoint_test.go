package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

func TestCheckpointStore_PersistLocal(t *testing.T) {
	root := t.TempDir()
	store := NewCheckpointStore(root, nil, "", logging.NewNopLogger())
	est := &scriptedEstimator{}

	ref, err := store.Persist(context.Background(), model.LabelBest, 7, est)
	require.NoError(t, err)

	assert.Equal(t, model.LabelBest, ref.Label)
	assert.Equal(t, 7, ref.Epoch)
	assert.Equal(t, filepath.Join(root, "best_model_dir"), ref.Dir)
	assert.Empty(t, ref.ObjectKey)

	data, err := os.ReadFile(filepath.Join(ref.Dir, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestCheckpointStore_PersistUploadsArchive(t *testing.T) {
	root := t.TempDir()
	remote := newMemStore()
	store := NewCheckpointStore(root, remote, "runs/abc/", logging.NewNopLogger())

	ref, err := store.Persist(context.Background(), model.LabelBaseline, 30, &scriptedEstimator{})
	require.NoError(t, err)
	assert.Equal(t, "runs/abc/baseline_model.tar.gz", ref.ObjectKey)
	assert.Contains(t, remote.objects, ref.ObjectKey)

	// Fetch restores the directory contents from the archive.
	restored := BestCheckpointRef{
		Label:     ref.Label,
		Epoch:     ref.Epoch,
		Dir:       filepath.Join(t.TempDir(), "baseline_model_dir"),
		ObjectKey: ref.ObjectKey,
	}
	require.NoError(t, store.Fetch(context.Background(), restored))

	data, err := os.ReadFile(filepath.Join(restored.Dir, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestCheckpointStore_UploadFailure(t *testing.T) {
	remote := newMemStore()
	remote.putErr = assert.AnError
	store := NewCheckpointStore(t.TempDir(), remote, "runs/abc", logging.NewNopLogger())

	_, err := store.Persist(context.Background(), model.LabelBest, 1, &scriptedEstimator{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCheckpointWrite, apperrors.GetCode(err))
}

func TestCheckpointStore_FetchWithoutKey(t *testing.T) {
	store := NewCheckpointStore(t.TempDir(), nil, "", nil)
	err := store.Fetch(context.Background(), BestCheckpointRef{Dir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCheckpointRead, apperrors.GetCode(err))
}

func TestUnarchiveDir_RejectsEscape(t *testing.T) {
	// Build an archive from a benign directory, then retarget an entry
	// outside the extraction root.
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "ok.txt"), []byte("x"), 0o644))
	data, err := archiveDir(src)
	require.NoError(t, err)
	require.NoError(t, unarchiveDir(data, t.TempDir()))

	evil := tamperedArchive(t, "../escape.txt")
	err = unarchiveDir(evil, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

// tamperedArchive builds a gzipped tarball containing a single entry with
// the given (possibly hostile) name.
func tamperedArchive(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("boom")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}
