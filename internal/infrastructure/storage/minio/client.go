// Package minio provides the object-storage layer for model artifacts:
// checkpoint tarballs, transformer files, and remotely hosted datasets.
package minio

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// API is the subset of the MinIO SDK the pipeline uses. GetObject returns a
// plain ReadCloser rather than the SDK's concrete object type so tests can
// substitute a fake.
type API interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// sdkAPI adapts the SDK client to the API interface.
type sdkAPI struct {
	*minio.Client
}

func (a sdkAPI) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return a.Client.GetObject(ctx, bucketName, objectName, opts)
}

// Client wraps the MinIO SDK with connection checking and bucket creation.
type Client struct {
	api API
	log logging.Logger
}

// NewClient connects to the object store and verifies the connection.
func NewClient(cfg config.MinIOConfig, log logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	api, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeObjectStore, "create object store client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := api.BucketExists(ctx, "probe"); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeObjectStore, "connect to object store")
	}

	log.Info("object store connected",
		logging.String("endpoint", cfg.Endpoint), logging.Bool("ssl", cfg.UseSSL))
	return &Client{api: sdkAPI{api}, log: log.Named("minio")}, nil
}

// NewClientWithAPI builds a client over an existing API, for tests.
func NewClientWithAPI(api API, log logging.Logger) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Client{api: api, log: log.Named("minio")}
}

// EnsureBucket creates the bucket when it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.api.BucketExists(ctx, bucket)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeObjectStore, "check bucket")
	}
	if exists {
		return nil
	}
	if err := c.api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.CodeObjectStore, "create bucket")
	}
	c.log.Info("created bucket", logging.String("bucket", bucket))
	return nil
}
