package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/indexing-backend/pkg/types"
)

const (
	// DocumentTableName is the table name for indexed documents.
	DocumentTableName = "document"
)

// Document interface defines the methods for the catalog of indexed
// documents.
type Document interface {
	// UpsertDocuments inserts or refreshes the catalog entries of indexed
	// documents and returns how many of them weren't in the catalog before.
	UpsertDocuments(ctx context.Context, docs []DocumentModel) (int, error)
	// CountCCPairDocuments returns the number of catalog entries of a pair.
	CountCCPairDocuments(ctx context.Context, ccPairID uint) (int64, error)
}

// DocumentModel is the model for the document table.
type DocumentModel struct {
	ID                 string               `gorm:"column:id;primaryKey;size:512" json:"id"`
	CCPairID           uint                 `gorm:"column:connector_credential_pair_id;not null;index" json:"connector_credential_pair_id"`
	SemanticIdentifier string               `gorm:"column:semantic_id;not null" json:"semantic_id"`
	Source             types.DocumentSource `gorm:"column:source;size:100" json:"source"`
	ChunkCount         int                  `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`
	DocUpdatedAt       *time.Time           `gorm:"column:doc_updated_at" json:"doc_updated_at"`
	LastIndexed        time.Time            `gorm:"column:last_indexed;not null" json:"last_indexed"`
	CreateTime         time.Time            `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime         time.Time            `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (DocumentModel) TableName() string {
	return DocumentTableName
}

// DocumentColumns is the columns for the document table
type DocumentColumns struct {
	ID                 string
	CCPairID           string
	SemanticIdentifier string
	ChunkCount         string
	DocUpdatedAt       string
	LastIndexed        string
	UpdateTime         string
}

// DocumentColumn is the columns for the document table
var DocumentColumn = DocumentColumns{
	ID:                 "id",
	CCPairID:           "connector_credential_pair_id",
	SemanticIdentifier: "semantic_id",
	ChunkCount:         "chunk_count",
	DocUpdatedAt:       "doc_updated_at",
	LastIndexed:        "last_indexed",
	UpdateTime:         "update_time",
}

func (r *repository) UpsertDocuments(ctx context.Context, docs []DocumentModel) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	// A row can't be upserted twice by the same statement: the last entry
	// for an ID wins.
	byID := make(map[string]int, len(docs))
	rows := make([]DocumentModel, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if i, ok := byID[d.ID]; ok {
			rows[i] = d
			continue
		}
		byID[d.ID] = len(rows)
		rows = append(rows, d)
		ids = append(ids, d.ID)
	}

	var newDocs int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&DocumentModel{}).Where(DocumentColumn.ID+" IN ?", ids).Count(&existing).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: DocumentColumn.ID}},
			DoUpdates: clause.AssignmentColumns([]string{
				DocumentColumn.CCPairID,
				DocumentColumn.SemanticIdentifier,
				DocumentColumn.ChunkCount,
				DocumentColumn.DocUpdatedAt,
				DocumentColumn.LastIndexed,
				DocumentColumn.UpdateTime,
			}),
		}).Create(&rows).Error; err != nil {
			return err
		}

		newDocs = len(ids) - int(existing)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upserting documents: %w", err)
	}
	return newDocs, nil
}

func (r *repository) CountCCPairDocuments(ctx context.Context, ccPairID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(DocumentColumn.CCPairID+" = ?", ccPairID).
		Count(&count).Error
	return count, err
}
