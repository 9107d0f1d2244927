package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// ArtifactRepository stores pipeline artifacts in one bucket. It satisfies
// the pipeline's ArtifactStore interface for checkpoint and transformer
// uploads, and also serves remotely hosted dataset files.
type ArtifactRepository struct {
	client *Client
	bucket string
	log    logging.Logger
}

// NewArtifactRepository binds a repository to a bucket, creating it when
// missing.
func NewArtifactRepository(ctx context.Context, client *Client, bucket string, log logging.Logger) (*ArtifactRepository, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if err := client.EnsureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return &ArtifactRepository{client: client, bucket: bucket, log: log.Named("artifacts")}, nil
}

// Bucket returns the repository's bucket name.
func (r *ArtifactRepository) Bucket() string {
	return r.bucket
}

// PutObject uploads body under key.
func (r *ArtifactRepository) PutObject(ctx context.Context, key string, body []byte) error {
	_, err := r.client.api.PutObject(ctx, r.bucket, key,
		bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeObjectStore,
			fmt.Sprintf("upload %s/%s", r.bucket, key))
	}
	r.log.Debug("uploaded object",
		logging.String("bucket", r.bucket),
		logging.String("key", key),
		logging.Int("bytes", len(body)))
	return nil
}

// GetObject downloads the object stored under key.
func (r *ArtifactRepository) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := r.client.api.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeObjectStore,
			fmt.Sprintf("fetch %s/%s", r.bucket, key))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeObjectStore,
			fmt.Sprintf("read %s/%s", r.bucket, key))
	}
	return data, nil
}

// Exists reports whether key is present in the bucket.
func (r *ArtifactRepository) Exists(ctx context.Context, key string) (bool, error) {
	_, err := r.client.api.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, apperrors.Wrap(err, apperrors.CodeObjectStore,
			fmt.Sprintf("stat %s/%s", r.bucket, key))
	}
	return true, nil
}

// Remove deletes the object stored under key.
func (r *ArtifactRepository) Remove(ctx context.Context, key string) error {
	if err := r.client.api.RemoveObject(ctx, r.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.CodeObjectStore,
			fmt.Sprintf("remove %s/%s", r.bucket, key))
	}
	return nil
}

// ListKeys returns the keys under prefix.
func (r *ArtifactRepository) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range r.client.api.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, apperrors.Wrap(info.Err, apperrors.CodeObjectStore,
				fmt.Sprintf("list %s/%s", r.bucket, prefix))
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}
