package indexing

import (
	"context"
	"errors"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// KeywordIndex holds the chunk texts for full-text search.
type KeywordIndex interface {
	// ReplaceDocuments drops the chunks previously indexed for the
	// documents and indexes the new ones.
	ReplaceDocuments(ctx context.Context, documentIDs []string, chunks []Chunk) error
}

// maxChunksPerDocument bounds the lookup of the chunks to drop.
const maxChunksPerDocument = 10000

type keywordEntry struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

// BleveKeywordIndex is a KeywordIndex backed by a local bleve index.
type BleveKeywordIndex struct {
	index bleve.Index
}

func newKeywordMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("document_id", bleve.NewKeywordFieldMapping())
	doc.AddFieldMappingsAt("title", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("text", bleve.NewTextFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// NewBleveKeywordIndex opens the index at path, creating it if needed. An
// empty path keeps the index in memory.
func NewBleveKeywordIndex(path string) (*BleveKeywordIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(newKeywordMapping())
		if err != nil {
			return nil, fmt.Errorf("creating in-memory keyword index: %w", err)
		}
		return &BleveKeywordIndex{index: idx}, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, newKeywordMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening keyword index at %s: %w", path, err)
	}
	return &BleveKeywordIndex{index: idx}, nil
}

// Close closes the index.
func (b *BleveKeywordIndex) Close() error {
	return b.index.Close()
}

// ReplaceDocuments implements KeywordIndex.
func (b *BleveKeywordIndex) ReplaceDocuments(ctx context.Context, documentIDs []string, chunks []Chunk) error {
	batch := b.index.NewBatch()
	for _, docID := range documentIDs {
		ids, err := b.chunkIDs(ctx, docID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			batch.Delete(id)
		}
	}

	for _, ch := range chunks {
		entry := keywordEntry{DocumentID: ch.DocumentID, Title: ch.Title, Text: ch.Text}
		if err := batch.Index(ch.ID, entry); err != nil {
			return fmt.Errorf("indexing chunk %s: %w", ch.ID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("writing keyword batch: %w", err)
	}
	return nil
}

// Search returns the IDs of the chunks matching the query, best first.
func (b *BleveKeywordIndex) Search(ctx context.Context, query string, limit int) ([]string, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("text")

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching keyword index: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Count returns the number of indexed chunks.
func (b *BleveKeywordIndex) Count() (uint64, error) {
	return b.index.DocCount()
}

func (b *BleveKeywordIndex) chunkIDs(ctx context.Context, documentID string) ([]string, error) {
	q := bleve.NewTermQuery(documentID)
	q.SetField("document_id")

	req := bleve.NewSearchRequestOptions(q, maxChunksPerDocument, 0, false)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("looking up chunks of %s: %w", documentID, err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
