package convert000002

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/indexing-backend/pkg/db/migration/convert"
	"github.com/instill-ai/indexing-backend/pkg/repository"
)

const batchSize = 100

// BackfillTotalFailures sets the failure counter of the attempts created
// before the column existed from the error rows they recorded.
type BackfillTotalFailures struct {
	convert.Basic
}

type failureCount struct {
	IndexAttemptID uint
	Count          int
}

// Migrate runs the backfill.
func (c *BackfillTotalFailures) Migrate() error {
	counts := make([]failureCount, 0, batchSize)
	q := c.DB.Model(&repository.IndexAttemptErrorModel{}).
		Select(fmt.Sprintf("%s AS index_attempt_id, COUNT(*) AS count", repository.IndexAttemptErrorColumn.IndexAttemptID)).
		Group(repository.IndexAttemptErrorColumn.IndexAttemptID)

	rows, err := q.Rows()
	if err != nil {
		return fmt.Errorf("counting attempt errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fc failureCount
		if err := c.DB.ScanRows(rows, &fc); err != nil {
			return err
		}
		counts = append(counts, fc)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for start := 0; start < len(counts); start += batchSize {
		end := min(start+batchSize, len(counts))
		err := c.DB.Transaction(func(tx *gorm.DB) error {
			for _, fc := range counts[start:end] {
				if err := tx.Model(&repository.IndexAttemptModel{}).
					Where(repository.IndexAttemptColumn.ID+" = ?", fc.IndexAttemptID).
					UpdateColumn(repository.IndexAttemptColumn.TotalFailures, fc.Count).Error; err != nil {
					return fmt.Errorf("updating attempt %d: %w", fc.IndexAttemptID, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	c.Logger.Info("Backfilled attempt failure counters", zap.Int("attempts", len(counts)))
	return nil
}
