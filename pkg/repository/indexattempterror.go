package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/instill-ai/indexing-backend/pkg/types"
)

const (
	// IndexAttemptErrorTableName is the table name for index attempt errors.
	IndexAttemptErrorTableName = "index_attempt_errors"
)

// IndexAttemptError interface defines the methods for the per-document and
// per-entity failures recorded while indexing.
type IndexAttemptError interface {
	// CreateIndexAttemptErrors records the failures and adds them to the
	// failure count of the attempt in the same transaction.
	CreateIndexAttemptErrors(ctx context.Context, attemptID, ccPairID uint, failures []types.ConnectorFailure) error
	// ResolveIndexAttemptErrorsForDocuments flags as resolved the unresolved
	// errors of the pair that refer to the given documents.
	ResolveIndexAttemptErrorsForDocuments(ctx context.Context, ccPairID uint, documentIDs []string) (int64, error)
	// ResolveEntityIndexAttemptErrors flags as resolved the unresolved
	// entity errors of the pair. A successful attempt read those entities
	// again.
	ResolveEntityIndexAttemptErrors(ctx context.Context, ccPairID uint) (int64, error)
	// ListIndexAttemptErrors returns the errors of an attempt in creation
	// order.
	ListIndexAttemptErrors(ctx context.Context, attemptID uint) ([]IndexAttemptErrorModel, error)
}

// IndexAttemptErrorModel is the model for the index_attempt_errors table.
type IndexAttemptErrorModel struct {
	ID                   uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IndexAttemptID       uint       `gorm:"column:index_attempt_id;not null;index" json:"index_attempt_id"`
	CCPairID             uint       `gorm:"column:connector_credential_pair_id;not null;index" json:"connector_credential_pair_id"`
	DocumentID           *string    `gorm:"column:document_id" json:"document_id"`
	DocumentLink         *string    `gorm:"column:document_link" json:"document_link"`
	EntityID             *string    `gorm:"column:entity_id" json:"entity_id"`
	FailedTimeRangeStart *time.Time `gorm:"column:failed_time_range_start" json:"failed_time_range_start"`
	FailedTimeRangeEnd   *time.Time `gorm:"column:failed_time_range_end" json:"failed_time_range_end"`
	FailureMessage       string     `gorm:"column:failure_message;not null" json:"failure_message"`
	IsResolved           bool       `gorm:"column:is_resolved;not null;default:false" json:"is_resolved"`
	TimeCreated          time.Time  `gorm:"column:time_created;not null;autoCreateTime" json:"time_created"`
}

// TableName overrides the default table name for GORM
func (IndexAttemptErrorModel) TableName() string {
	return IndexAttemptErrorTableName
}

// IndexAttemptErrorColumns is the columns for the index attempt errors table
type IndexAttemptErrorColumns struct {
	ID             string
	IndexAttemptID string
	CCPairID       string
	DocumentID     string
	EntityID       string
	IsResolved     string
}

// IndexAttemptErrorColumn is the columns for the index attempt errors table
var IndexAttemptErrorColumn = IndexAttemptErrorColumns{
	ID:             "id",
	IndexAttemptID: "index_attempt_id",
	CCPairID:       "connector_credential_pair_id",
	DocumentID:     "document_id",
	EntityID:       "entity_id",
	IsResolved:     "is_resolved",
}

func newIndexAttemptErrorModel(attemptID, ccPairID uint, f types.ConnectorFailure) IndexAttemptErrorModel {
	m := IndexAttemptErrorModel{
		IndexAttemptID: attemptID,
		CCPairID:       ccPairID,
		FailureMessage: f.FailureMessage,
	}
	if d := f.FailedDocument; d != nil {
		m.DocumentID = &d.DocumentID
		if d.DocumentLink != "" {
			m.DocumentLink = &d.DocumentLink
		}
	}
	if e := f.FailedEntity; e != nil {
		m.EntityID = &e.EntityID
		m.FailedTimeRangeStart = e.MissedRangeStart
		m.FailedTimeRangeEnd = e.MissedRangeEnd
	}
	return m
}

func (r *repository) CreateIndexAttemptErrors(ctx context.Context, attemptID, ccPairID uint, failures []types.ConnectorFailure) error {
	if len(failures) == 0 {
		return nil
	}

	rows := make([]IndexAttemptErrorModel, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, newIndexAttemptErrorModel(attemptID, ccPairID, f))
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		return tx.Model(&IndexAttemptModel{}).
			Where(IndexAttemptColumn.ID+" = ?", attemptID).
			UpdateColumn(IndexAttemptColumn.TotalFailures, gorm.Expr(IndexAttemptColumn.TotalFailures+" + ?", len(rows))).
			Error
	})
	if err != nil {
		return fmt.Errorf("recording %d failures for attempt %d: %w", len(rows), attemptID, err)
	}
	return nil
}

func (r *repository) ResolveIndexAttemptErrorsForDocuments(ctx context.Context, ccPairID uint, documentIDs []string) (int64, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}

	res := r.db.WithContext(ctx).Model(&IndexAttemptErrorModel{}).
		Where(fmt.Sprintf("%s = ? AND %s = ? AND %s IN ?",
			IndexAttemptErrorColumn.CCPairID, IndexAttemptErrorColumn.IsResolved, IndexAttemptErrorColumn.DocumentID),
			ccPairID, false, documentIDs).
		Update(IndexAttemptErrorColumn.IsResolved, true)
	if res.Error != nil {
		return 0, fmt.Errorf("resolving document errors: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *repository) ResolveEntityIndexAttemptErrors(ctx context.Context, ccPairID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&IndexAttemptErrorModel{}).
		Where(fmt.Sprintf("%s = ? AND %s = ? AND %s IS NOT NULL",
			IndexAttemptErrorColumn.CCPairID, IndexAttemptErrorColumn.IsResolved, IndexAttemptErrorColumn.EntityID),
			ccPairID, false).
		Update(IndexAttemptErrorColumn.IsResolved, true)
	if res.Error != nil {
		return 0, fmt.Errorf("resolving entity errors: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *repository) ListIndexAttemptErrors(ctx context.Context, attemptID uint) ([]IndexAttemptErrorModel, error) {
	var rows []IndexAttemptErrorModel
	err := r.db.WithContext(ctx).
		Where(IndexAttemptErrorColumn.IndexAttemptID+" = ?", attemptID).
		Order(IndexAttemptErrorColumn.ID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
