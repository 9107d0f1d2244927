// Package milvus stores molecular fingerprints in a Milvus vector
// database and answers nearest-neighbor queries for diversity analysis.
// Fingerprints are packed bit vectors, so collections use binary vector
// fields with the Jaccard metric, whose distance on bit vectors equals
// Tanimoto distance.
package milvus

import (
	"context"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

const connectTimeout = 10 * time.Second

// newMilvusClient is a variable so tests can substitute a fake backend.
var newMilvusClient = client.NewClient

// Client wraps a Milvus connection.
type Client struct {
	mc  client.Client
	log logging.Logger
}

// NewClient dials Milvus and verifies the connection.
func NewClient(ctx context.Context, cfg config.MilvusConfig, log logging.Logger) (*Client, error) {
	dbName := cfg.DBName
	if dbName == "" {
		dbName = "default"
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	mc, err := newMilvusClient(connectCtx, client.Config{
		Address: cfg.Addr,
		DBName:  dbName,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to connect to milvus")
	}

	log.Info("milvus client connected",
		logging.String("addr", cfg.Addr),
		logging.String("db", dbName))
	return &Client{mc: mc, log: log}, nil
}

// NewClientWithBackend wraps an existing Milvus client.
func NewClientWithBackend(mc client.Client, log logging.Logger) *Client {
	return &Client{mc: mc, log: log}
}

// Milvus returns the underlying SDK client.
func (c *Client) Milvus() client.Client {
	return c.mc
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.mc != nil {
		if err := c.mc.Close(); err != nil {
			return apperrors.Wrap(err, apperrors.CodeVectorStore, "failed to close milvus client")
		}
	}
	return nil
}
