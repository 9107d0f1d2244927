package milvus

import (
	"context"
	"errors"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// fakeMilvus embeds the SDK interface so only the methods under test need
// implementations. Anything else panics, which is what we want.
type fakeMilvus struct {
	client.Client

	hasCollectionFunc  func(ctx context.Context, name string) (bool, error)
	createdSchemas     []*entity.Schema
	createIndexCalls   []string
	loadedCollections  []string
	droppedCollections []string
	insertedColumns    []entity.Column
	insertErr          error
	flushedCollections []string
	searchFunc         func(vectors []entity.Vector, topK int) ([]client.SearchResult, error)
	closed             bool
}

func (f *fakeMilvus) HasCollection(ctx context.Context, name string) (bool, error) {
	if f.hasCollectionFunc != nil {
		return f.hasCollectionFunc(ctx, name)
	}
	return false, nil
}

func (f *fakeMilvus) CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error {
	f.createdSchemas = append(f.createdSchemas, schema)
	return nil
}

func (f *fakeMilvus) CreateIndex(ctx context.Context, collName, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error {
	f.createIndexCalls = append(f.createIndexCalls, collName+"/"+fieldName)
	return nil
}

func (f *fakeMilvus) LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error {
	f.loadedCollections = append(f.loadedCollections, collName)
	return nil
}

func (f *fakeMilvus) DropCollection(ctx context.Context, collName string, opts ...client.DropCollectionOption) error {
	f.droppedCollections = append(f.droppedCollections, collName)
	return nil
}

func (f *fakeMilvus) Insert(ctx context.Context, collName, partitionName string, columns ...entity.Column) (entity.Column, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.insertedColumns = append(f.insertedColumns, columns...)
	return nil, nil
}

func (f *fakeMilvus) Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error {
	f.flushedCollections = append(f.flushedCollections, collName)
	return nil
}

func (f *fakeMilvus) Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	if f.searchFunc != nil {
		return f.searchFunc(vectors, topK)
	}
	return nil, nil
}

func (f *fakeMilvus) Close() error {
	f.closed = true
	return nil
}

func testMilvusConfig() config.MilvusConfig {
	return config.MilvusConfig{
		Addr:             "localhost:19530",
		IndexType:        "BIN_IVF_FLAT",
		NList:            64,
		NProbe:           8,
		DefaultTopK:      10,
		CollectionPrefix: "chempipe",
	}
}

func TestNewClient_ConnectFailure(t *testing.T) {
	orig := newMilvusClient
	newMilvusClient = func(ctx context.Context, conf client.Config) (client.Client, error) {
		return nil, errors.New("connection refused")
	}
	t.Cleanup(func() { newMilvusClient = orig })

	_, err := NewClient(context.Background(), testMilvusConfig(), logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeVectorStore))
}

func TestNewClient_DefaultsDBName(t *testing.T) {
	fake := &fakeMilvus{}
	var gotConf client.Config
	orig := newMilvusClient
	newMilvusClient = func(ctx context.Context, conf client.Config) (client.Client, error) {
		gotConf = conf
		return fake, nil
	}
	t.Cleanup(func() { newMilvusClient = orig })

	c, err := NewClient(context.Background(), testMilvusConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "default", gotConf.DBName)
	assert.Equal(t, "localhost:19530", gotConf.Address)

	require.NoError(t, c.Close())
	assert.True(t, fake.closed)
}
