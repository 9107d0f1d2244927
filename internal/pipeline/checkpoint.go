package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// BestCheckpointRef locates one persisted model checkpoint. ObjectKey is
// empty for local-only checkpoints.
type BestCheckpointRef struct {
	Label     model.EpochLabel
	Epoch     int
	Dir       string
	ObjectKey string
}

// CheckpointStore persists model checkpoints under a per-run directory,
// optionally mirroring each checkpoint to an object store as a tarball.
type CheckpointStore struct {
	root      string
	store     ArtifactStore
	keyPrefix string
	log       logging.Logger
}

// NewCheckpointStore builds a store rooted at root (created on demand).
// store and keyPrefix are optional; when both are set every checkpoint is
// also uploaded under keyPrefix.
func NewCheckpointStore(root string, store ArtifactStore, keyPrefix string, log logging.Logger) *CheckpointStore {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &CheckpointStore{root: root, store: store, keyPrefix: keyPrefix, log: log.Named("checkpoint")}
}

// Dir returns the checkpoint directory for a label without creating it.
func (s *CheckpointStore) Dir(label model.EpochLabel) string {
	return filepath.Join(s.root, fmt.Sprintf("%s_model_dir", label))
}

// Persist saves the estimator's current state under the label's directory
// and returns a reference to it. epoch records how many fit increments the
// state represents.
func (s *CheckpointStore) Persist(ctx context.Context, label model.EpochLabel, epoch int, est Estimator) (BestCheckpointRef, error) {
	dir := s.Dir(label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BestCheckpointRef{}, apperrors.Wrap(err, apperrors.CodeCheckpointWrite,
			fmt.Sprintf("create checkpoint directory %q", dir))
	}
	if err := est.Save(ctx, dir); err != nil {
		return BestCheckpointRef{}, err
	}

	ref := BestCheckpointRef{Label: label, Epoch: epoch, Dir: dir}
	if s.store != nil && s.keyPrefix != "" {
		key := fmt.Sprintf("%s/%s_model.tar.gz", strings.TrimSuffix(s.keyPrefix, "/"), label)
		data, err := archiveDir(dir)
		if err != nil {
			return BestCheckpointRef{}, err
		}
		if err := s.store.PutObject(ctx, key, data); err != nil {
			return BestCheckpointRef{}, apperrors.Wrap(err, apperrors.CodeCheckpointWrite,
				fmt.Sprintf("upload checkpoint %q", key))
		}
		ref.ObjectKey = key
	}

	s.log.Info("persisted checkpoint",
		logging.String("label", string(label)),
		logging.Int("epoch", epoch),
		logging.String("dir", dir),
		logging.String("object_key", ref.ObjectKey))
	return ref, nil
}

// Fetch materializes a remote checkpoint into its local directory so a
// Reloader can restore it.
func (s *CheckpointStore) Fetch(ctx context.Context, ref BestCheckpointRef) error {
	if ref.ObjectKey == "" || s.store == nil {
		return apperrors.New(apperrors.CodeCheckpointRead, "checkpoint has no object key")
	}
	data, err := s.store.GetObject(ctx, ref.ObjectKey)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeCheckpointRead,
			fmt.Sprintf("download checkpoint %q", ref.ObjectKey))
	}
	return unarchiveDir(data, ref.Dir)
}

// archiveDir packs a checkpoint directory into a gzipped tarball with
// paths relative to the directory root.
func archiveDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCheckpointWrite,
			fmt.Sprintf("archive checkpoint directory %q", dir))
	}
	if err := tw.Close(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCheckpointWrite, "finalize checkpoint archive")
	}
	if err := gz.Close(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCheckpointWrite, "finalize checkpoint archive")
	}
	return buf.Bytes(), nil
}

// unarchiveDir unpacks a checkpoint tarball into dir, refusing entries
// that would escape it.
func unarchiveDir(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeCheckpointRead, "open checkpoint archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeCheckpointRead, "read checkpoint archive")
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return apperrors.Newf(apperrors.CodeCheckpointRead,
				"checkpoint archive entry %q escapes target directory", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return apperrors.Wrap(err, apperrors.CodeCheckpointRead, "create checkpoint subdirectory")
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeCheckpointRead, "create checkpoint file")
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return apperrors.Wrap(err, apperrors.CodeCheckpointRead, "extract checkpoint file")
		}
		if err := f.Close(); err != nil {
			return apperrors.Wrap(err, apperrors.CodeCheckpointRead, "close checkpoint file")
		}
	}
}
