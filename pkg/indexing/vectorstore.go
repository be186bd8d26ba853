package indexing

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"go.uber.org/zap"
)

// VectorStore holds the embedded chunks of the indexed documents, one
// collection per search settings.
type VectorStore interface {
	// EnsureCollection creates the collection if it doesn't exist.
	EnsureCollection(ctx context.Context, collection string, dimension int) error
	// ReplaceDocuments drops the chunks previously stored for the documents
	// and writes the new ones. vectors[i] is the embedding of chunks[i].
	ReplaceDocuments(ctx context.Context, collection string, documentIDs []string, chunks []Chunk, vectors [][]float32) error
}

// Collection fields.
const (
	fieldChunkID    = "chunk_id"
	fieldDocumentID = "document_id"
	fieldChunkIndex = "chunk_index"
	fieldText       = "text"
	fieldVector     = "vector"

	maxIDLength   = 512
	maxTextLength = 65535
)

// MilvusVectorStore is a VectorStore backed by Milvus.
type MilvusVectorStore struct {
	c      *milvusclient.Client
	logger *zap.Logger
}

// NewMilvusVectorStore connects to Milvus.
func NewMilvusVectorStore(ctx context.Context, host, port string, logger *zap.Logger) (*MilvusVectorStore, error) {
	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address: host + ":" + port,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to milvus: %w", err)
	}
	return &MilvusVectorStore{c: c, logger: logger}, nil
}

// Close closes the connection.
func (m *MilvusVectorStore) Close(ctx context.Context) error {
	return m.c.Close(ctx)
}

// EnsureCollection implements VectorStore.
func (m *MilvusVectorStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	has, err := m.c.HasCollection(ctx, milvusclient.NewHasCollectionOption(collection))
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", collection, err)
	}
	if has {
		return nil
	}

	schema := entity.NewSchema().
		WithName(collection).
		WithDescription("Document chunks").
		WithField(entity.NewField().WithName(fieldChunkID).WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(maxIDLength)).
		WithField(entity.NewField().WithName(fieldDocumentID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxIDLength)).
		WithField(entity.NewField().WithName(fieldChunkIndex).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLength)).
		WithField(entity.NewField().WithName(fieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dimension)))

	err = m.c.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(collection, schema).
		WithIndexOptions(
			milvusclient.NewCreateIndexOption(collection, fieldVector, index.NewAutoIndex(entity.COSINE)),
			milvusclient.NewCreateIndexOption(collection, fieldDocumentID, index.NewInvertedIndex()),
		))
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}

	task, err := m.c.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(collection))
	if err != nil {
		return fmt.Errorf("loading collection %s: %w", collection, err)
	}
	if err := task.Await(ctx); err != nil {
		return fmt.Errorf("waiting for collection %s to load: %w", collection, err)
	}

	m.logger.Info("Created vector collection", zap.String("collection", collection), zap.Int("dimension", dimension))
	return nil
}

// ReplaceDocuments implements VectorStore.
func (m *MilvusVectorStore) ReplaceDocuments(ctx context.Context, collection string, documentIDs []string, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	if len(documentIDs) > 0 {
		_, err := m.c.Delete(ctx, milvusclient.NewDeleteOption(collection).WithExpr(documentIDFilter(documentIDs)))
		if err != nil {
			return fmt.Errorf("deleting previous chunks: %w", err)
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, len(chunks))
	docIDs := make([]string, len(chunks))
	idxs := make([]int64, len(chunks))
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
		docIDs[i] = ch.DocumentID
		idxs[i] = int64(ch.Index)
		texts[i] = truncate(ch.Text, maxTextLength)
	}

	_, err := m.c.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(collection).
		WithVarcharColumn(fieldChunkID, ids).
		WithVarcharColumn(fieldDocumentID, docIDs).
		WithInt64Column(fieldChunkIndex, idxs).
		WithVarcharColumn(fieldText, texts).
		WithFloatVectorColumn(fieldVector, len(vectors[0]), vectors))
	if err != nil {
		return fmt.Errorf("upserting %d chunks: %w", len(chunks), err)
	}
	return nil
}

// documentIDFilter builds a boolean expression matching the chunks of the
// documents.
func documentIDFilter(documentIDs []string) string {
	quoted := make([]string, len(documentIDs))
	for i, id := range documentIDs {
		id = strings.ReplaceAll(id, `\`, `\\`)
		quoted[i] = `"` + strings.ReplaceAll(id, `"`, `\"`) + `"`
	}
	return fmt.Sprintf("%s in [%s]", fieldDocumentID, strings.Join(quoted, ", "))
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	return strings.ToValidUTF8(s, "")
}
