package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errorsx "github.com/instill-ai/x/errors"
)

// IndexingCoordination holds the attempt state that concurrent fetch and
// processing workers share. Counters only ever grow: every update is a
// single-statement increment, never a read followed by a write.
type IndexingCoordination interface {
	// SetTotalBatches records the number of batches extracted by the fetch
	// stage, which signals that extraction is over. The first recorded
	// value wins; it returns the stored total.
	SetTotalBatches(ctx context.Context, attemptID uint, total int) (int, error)
	// UpdateBatchCompletionAndDocs adds the counts of a processed batch to
	// the attempt and increments its completed batches. It returns the
	// completed and total batches after the update.
	UpdateBatchCompletionAndDocs(ctx context.Context, attemptID uint, delta BatchDelta) (completed int, total *int, err error)
	// GetCoordinationStatus returns a snapshot of the coordination fields.
	// Found is false when the attempt doesn't exist.
	GetCoordinationStatus(ctx context.Context, attemptID uint) (CoordinationStatus, error)
	// CheckCancellationRequested returns whether someone asked the attempt
	// to stop.
	CheckCancellationRequested(ctx context.Context, attemptID uint) (bool, error)
	// RequestCancellation asks the workers of the attempt to stop. The
	// monitor turns the request into a CANCELED attempt.
	RequestCancellation(ctx context.Context, attemptID uint) error
	// UpdateProgressTracking compares the completed batches against the
	// last recorded progress. It returns false when no batch completed for
	// at least half the timeout, which marks the attempt as stalled.
	UpdateProgressTracking(ctx context.Context, attemptID uint, completed int, timeout time.Duration, now time.Time) (bool, error)
}

// BatchDelta is the contribution of a processed batch to the attempt
// counters.
type BatchDelta struct {
	TotalDocs   int
	NewDocs     int
	TotalChunks int
}

// CoordinationStatus is a snapshot of the coordination fields of an
// attempt.
type CoordinationStatus struct {
	Found                 bool
	Status                IndexingStatus
	TotalBatches          *int
	CompletedBatches      int
	TotalFailures         int
	TotalDocs             int
	TotalChunks           int
	CancellationRequested bool
}

// ExtractionDone returns whether the fetch stage recorded its batch count.
func (s CoordinationStatus) ExtractionDone() bool {
	return s.TotalBatches != nil
}

// ProcessingDone returns whether every extracted batch was processed.
func (s CoordinationStatus) ProcessingDone() bool {
	return s.TotalBatches != nil && s.CompletedBatches >= *s.TotalBatches
}

func (r *repository) SetTotalBatches(ctx context.Context, attemptID uint, total int) (int, error) {
	if total < 0 {
		return 0, fmt.Errorf("negative batch count %d: %w", total, errorsx.ErrInvalidArgument)
	}

	db := r.db.WithContext(ctx)
	res := db.Model(&IndexAttemptModel{}).
		Where(fmt.Sprintf("%s = ? AND %s IS NULL", IndexAttemptColumn.ID, IndexAttemptColumn.TotalBatches), attemptID).
		Update(IndexAttemptColumn.TotalBatches, total)
	if res.Error != nil {
		return 0, fmt.Errorf("setting total batches: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return total, nil
	}

	attempt, err := r.GetIndexAttempt(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	return *attempt.TotalBatches, nil
}

func (r *repository) UpdateBatchCompletionAndDocs(ctx context.Context, attemptID uint, delta BatchDelta) (int, *int, error) {
	var attempt IndexAttemptModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&IndexAttemptModel{}).
			Where(IndexAttemptColumn.ID+" = ?", attemptID).
			UpdateColumns(map[string]any{
				IndexAttemptColumn.CompletedBatches: gorm.Expr(IndexAttemptColumn.CompletedBatches+" + ?", 1),
				IndexAttemptColumn.TotalDocsIndexed: gorm.Expr(IndexAttemptColumn.TotalDocsIndexed+" + ?", delta.TotalDocs),
				IndexAttemptColumn.NewDocsIndexed:   gorm.Expr(IndexAttemptColumn.NewDocsIndexed+" + ?", delta.NewDocs),
				IndexAttemptColumn.TotalChunks:      gorm.Expr(IndexAttemptColumn.TotalChunks+" + ?", delta.TotalChunks),
				IndexAttemptColumn.TimeUpdated:      time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("index attempt %d: %w", attemptID, errorsx.ErrNotFound)
		}

		return tx.Select(IndexAttemptColumn.CompletedBatches, IndexAttemptColumn.TotalBatches).
			Where(IndexAttemptColumn.ID+" = ?", attemptID).
			First(&attempt).Error
	})
	if err != nil {
		return 0, nil, fmt.Errorf("updating batch completion: %w", err)
	}
	return attempt.CompletedBatches, attempt.TotalBatches, nil
}

func (r *repository) GetCoordinationStatus(ctx context.Context, attemptID uint) (CoordinationStatus, error) {
	attempt, err := r.GetIndexAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return CoordinationStatus{}, nil
		}
		return CoordinationStatus{}, err
	}

	return CoordinationStatus{
		Found:                 true,
		Status:                attempt.Status,
		TotalBatches:          attempt.TotalBatches,
		CompletedBatches:      attempt.CompletedBatches,
		TotalFailures:         attempt.TotalFailures,
		TotalDocs:             attempt.TotalDocsIndexed,
		TotalChunks:           attempt.TotalChunks,
		CancellationRequested: attempt.CancellationRequested,
	}, nil
}

func (r *repository) CheckCancellationRequested(ctx context.Context, attemptID uint) (bool, error) {
	var attempts []IndexAttemptModel
	err := r.db.WithContext(ctx).
		Select(IndexAttemptColumn.CancellationRequested).
		Where(IndexAttemptColumn.ID+" = ?", attemptID).
		Limit(1).
		Find(&attempts).Error
	if err != nil {
		return false, err
	}
	if len(attempts) == 0 {
		return false, nil
	}
	return attempts[0].CancellationRequested, nil
}

func (r *repository) RequestCancellation(ctx context.Context, attemptID uint) error {
	return r.updateIndexAttempt(ctx, attemptID, map[string]any{IndexAttemptColumn.CancellationRequested: true})
}

func (r *repository) UpdateProgressTracking(ctx context.Context, attemptID uint, completed int, timeout time.Duration, now time.Time) (bool, error) {
	progressing := true
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt IndexAttemptModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(IndexAttemptColumn.ID+" = ?", attemptID).
			First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("index attempt %d: %w", attemptID, errorsx.ErrNotFound)
			}
			return err
		}

		if attempt.LastProgressTime != nil {
			// The row is only written every timeout/2, so an attempt can go
			// at most a full timeout without progress before it's flagged.
			if now.Sub(*attempt.LastProgressTime) < timeout/2 {
				return nil
			}
			if completed <= attempt.LastBatchesCompletedCount {
				progressing = false
				return nil
			}
		}

		return tx.Model(&IndexAttemptModel{}).
			Where(IndexAttemptColumn.ID+" = ?", attemptID).
			UpdateColumns(map[string]any{
				IndexAttemptColumn.LastProgressTime:          now,
				IndexAttemptColumn.LastBatchesCompletedCount: completed,
			}).Error
	})
	if err != nil {
		return false, fmt.Errorf("updating progress tracking: %w", err)
	}
	return progressing, nil
}
