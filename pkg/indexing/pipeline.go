package indexing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// DocumentCatalog records which documents are indexed.
type DocumentCatalog interface {
	UpsertDocuments(ctx context.Context, docs []repository.DocumentModel) (int, error)
}

// Result summarizes the indexing of a batch.
type Result struct {
	TotalDocs   int
	NewDocs     int
	TotalChunks int
	// Failures holds one entry per document that couldn't be indexed. The
	// rest of the batch is indexed regardless.
	Failures []types.ConnectorFailure
}

// Pipeline chunks, embeds and writes batches of documents to the index.
type Pipeline struct {
	chunker  *TokenChunker
	embedder Embedder
	vectors  VectorStore
	keywords KeywordIndex
	catalog  DocumentCatalog
	logger   *zap.Logger
	now      func() time.Time
}

// NewPipeline returns a pipeline. keywords is optional.
func NewPipeline(chunker *TokenChunker, embedder Embedder, vectors VectorStore, keywords KeywordIndex, catalog DocumentCatalog, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		catalog:  catalog,
		logger:   logger,
		now:      time.Now,
	}
}

// IndexBatch indexes the documents of a batch into the collection of the
// search settings. Embedding failures are reported per document; storage
// failures abort the whole batch.
func (p *Pipeline) IndexBatch(ctx context.Context, ss repository.SearchSettingsModel, ccPairID uint, docs []types.Document) (Result, error) {
	docs = dedupe(docs)
	if len(docs) == 0 {
		return Result{}, nil
	}

	collection := ss.CollectionName()
	dimension := int(ss.Dimension)
	if dimension == 0 {
		dimension = p.embedder.Dimension()
	}
	if err := p.vectors.EnsureCollection(ctx, collection, dimension); err != nil {
		return Result{}, err
	}

	var (
		res     Result
		indexed []types.Document
		chunks  []Chunk
		vectors [][]float32
		counts  = make(map[string]int, len(docs))
	)
	for _, doc := range docs {
		docChunks := p.chunker.Chunk(doc)
		if len(docChunks) == 0 {
			indexed = append(indexed, doc)
			continue
		}

		texts := make([]string, len(docChunks))
		for i, ch := range docChunks {
			texts[i] = ch.Text
		}

		vecs, err := p.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}

			p.logger.Warn("Document embedding failed",
				zap.String("document", doc.ShortDescriptor()),
				zap.String("model", p.embedder.Model()),
				zap.Error(err))
			res.Failures = append(res.Failures, types.ConnectorFailure{
				FailedDocument: &types.DocumentFailure{DocumentID: doc.ID, DocumentLink: firstLink(doc)},
				FailureMessage: fmt.Sprintf("Failed to embed document: %s", errorsx.MessageOrErr(err)),
				Exception:      err,
			})
			continue
		}

		indexed = append(indexed, doc)
		chunks = append(chunks, docChunks...)
		vectors = append(vectors, vecs...)
		counts[doc.ID] = len(docChunks)
	}

	if len(indexed) == 0 {
		return res, nil
	}

	ids := make([]string, len(indexed))
	for i, doc := range indexed {
		ids[i] = doc.ID
	}

	if err := p.vectors.ReplaceDocuments(ctx, collection, ids, chunks, vectors); err != nil {
		return Result{}, fmt.Errorf("writing vectors: %w", err)
	}
	if p.keywords != nil {
		if err := p.keywords.ReplaceDocuments(ctx, ids, chunks); err != nil {
			return Result{}, fmt.Errorf("writing keyword index: %w", err)
		}
	}

	now := p.now().UTC()
	rows := make([]repository.DocumentModel, len(indexed))
	for i, doc := range indexed {
		rows[i] = repository.DocumentModel{
			ID:                 doc.ID,
			CCPairID:           ccPairID,
			SemanticIdentifier: doc.SemanticIdentifier,
			Source:             doc.Source,
			ChunkCount:         counts[doc.ID],
			DocUpdatedAt:       doc.DocUpdatedAt,
			LastIndexed:        now,
		}
	}

	newDocs, err := p.catalog.UpsertDocuments(ctx, rows)
	if err != nil {
		return Result{}, err
	}

	res.TotalDocs = len(indexed)
	res.NewDocs = newDocs
	res.TotalChunks = len(chunks)
	return res, nil
}

// dedupe keeps the last version of every document.
func dedupe(docs []types.Document) []types.Document {
	pos := make(map[string]int, len(docs))
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if i, ok := pos[d.ID]; ok {
			out[i] = d
			continue
		}
		pos[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

func firstLink(doc types.Document) string {
	for _, s := range doc.Sections {
		if s.Link != "" {
			return s.Link
		}
	}
	return ""
}
