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

const (
	// IndexAttemptTableName is the table name for index attempts.
	IndexAttemptTableName = "index_attempt"
)

// IndexAttempt interface defines the lifecycle methods of the index_attempt
// table. Counter updates shared by concurrent workers live in
// IndexingCoordination.
type IndexAttempt interface {
	// CreateIndexAttempt creates a NOT_STARTED attempt for the pair unless
	// a non-terminal attempt already exists, in which case it returns
	// errorsx.ErrAlreadyExists.
	CreateIndexAttempt(ctx context.Context, p CreateIndexAttemptParams) (*IndexAttemptModel, error)
	// GetIndexAttempt returns the attempt or errorsx.ErrNotFound.
	GetIndexAttempt(ctx context.Context, id uint) (*IndexAttemptModel, error)
	// GetLatestIndexAttempt returns the most recently created attempt for
	// the pair, or nil if the pair was never indexed.
	GetLatestIndexAttempt(ctx context.Context, ccPairID, searchSettingsID uint) (*IndexAttemptModel, error)
	// ListNonTerminalIndexAttempts returns the NOT_STARTED and IN_PROGRESS
	// attempts.
	ListNonTerminalIndexAttempts(ctx context.Context) ([]IndexAttemptModel, error)
	// ListRecentCompletedIndexAttempts returns up to limit terminal attempts
	// for the pair, most recent first.
	ListRecentCompletedIndexAttempts(ctx context.Context, ccPairID, searchSettingsID uint, limit int) ([]IndexAttemptModel, error)
	// GetLastSuccessfulPollRangeEnd returns the poll range end of the last
	// successful attempt for the pair, or nil.
	GetLastSuccessfulPollRangeEnd(ctx context.Context, ccPairID, searchSettingsID uint) (*time.Time, error)

	// TransitionIndexAttemptToInProgress moves a NOT_STARTED attempt to
	// IN_PROGRESS.
	TransitionIndexAttemptToInProgress(ctx context.Context, id uint) (*IndexAttemptModel, error)
	// UpdateIndexAttemptPollRange records the window the attempt reads.
	UpdateIndexAttemptPollRange(ctx context.Context, id uint, start, end time.Time) error
	// MarkIndexAttemptTerminal moves a non-terminal attempt to a terminal
	// status. It returns false, without error, when the attempt was already
	// terminal: terminal attempts are never reopened or overwritten.
	MarkIndexAttemptTerminal(ctx context.Context, id uint, status IndexingStatus, reason, trace string) (bool, error)
	// SetIndexAttemptCompletedBatches seeds the completed batch counter of
	// an attempt that resumes the batches of a previous one.
	SetIndexAttemptCompletedBatches(ctx context.Context, id uint, completed int) error

	// SetIndexAttemptCheckpointPointer records where the latest connector
	// checkpoint of the attempt is stored. An empty pointer clears it.
	SetIndexAttemptCheckpointPointer(ctx context.Context, id uint, pointer string) error
	// ListIndexAttemptsWithExpiredCheckpoints returns the terminal attempts
	// last updated before the given time that still point to a checkpoint.
	ListIndexAttemptsWithExpiredCheckpoints(ctx context.Context, before time.Time) ([]IndexAttemptModel, error)

	// IncrementIndexAttemptHeartbeat bumps the liveness counter.
	IncrementIndexAttemptHeartbeat(ctx context.Context, id uint) error
	// UpdateIndexAttemptLastHeartbeat records the counter value observed by
	// the monitor.
	UpdateIndexAttemptLastHeartbeat(ctx context.Context, id uint, value int, at time.Time) error
}

// IndexingStatus is the state of an index attempt.
type IndexingStatus string

const (
	// IndexingStatusNotStarted is an attempt created by the scheduler.
	IndexingStatusNotStarted IndexingStatus = "NOT_STARTED"
	// IndexingStatusInProgress is an attempt whose fetch stage started.
	IndexingStatusInProgress IndexingStatus = "IN_PROGRESS"
	// IndexingStatusSucceeded is an attempt with every batch processed and
	// no failure.
	IndexingStatusSucceeded IndexingStatus = "SUCCEEDED"
	// IndexingStatusPartiallySucceeded is an attempt with every batch
	// processed and at least one failure.
	IndexingStatusPartiallySucceeded IndexingStatus = "PARTIALLY_SUCCEEDED"
	// IndexingStatusFailed is an attempt aborted by an error.
	IndexingStatusFailed IndexingStatus = "FAILED"
	// IndexingStatusCanceled is an attempt stopped by a user or a signal.
	IndexingStatusCanceled IndexingStatus = "CANCELED"
)

var nonTerminalStatuses = []IndexingStatus{IndexingStatusNotStarted, IndexingStatusInProgress}

// IsTerminal returns whether no transition leaves the status.
func (s IndexingStatus) IsTerminal() bool {
	return s != IndexingStatusNotStarted && s != IndexingStatusInProgress
}

// IsSuccessful returns whether the attempt completed its work.
func (s IndexingStatus) IsSuccessful() bool {
	return s == IndexingStatusSucceeded || s == IndexingStatusPartiallySucceeded
}

// IndexAttemptModel is the model for the index_attempt table.
type IndexAttemptModel struct {
	ID               uint           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CCPairID         uint           `gorm:"column:connector_credential_pair_id;not null;index" json:"connector_credential_pair_id"`
	SearchSettingsID uint           `gorm:"column:search_settings_id;not null;index" json:"search_settings_id"`
	Status           IndexingStatus `gorm:"column:status;size:50;not null" json:"status"`
	FromBeginning    bool           `gorm:"column:from_beginning;not null;default:false" json:"from_beginning"`
	// TaskID is the ID of the fetch task dispatched for the attempt. It
	// fences out workers that weren't dispatched for it.
	TaskID         *string    `gorm:"column:task_id;size:255" json:"task_id"`
	PollRangeStart *time.Time `gorm:"column:poll_range_start" json:"poll_range_start"`
	PollRangeEnd   *time.Time `gorm:"column:poll_range_end" json:"poll_range_end"`

	// TotalBatches stays nil until the fetch stage finishes extracting.
	TotalBatches          *int `gorm:"column:total_batches" json:"total_batches"`
	CompletedBatches      int  `gorm:"column:completed_batches;not null;default:0" json:"completed_batches"`
	TotalDocsIndexed      int  `gorm:"column:total_docs_indexed;not null;default:0" json:"total_docs_indexed"`
	NewDocsIndexed        int  `gorm:"column:new_docs_indexed;not null;default:0" json:"new_docs_indexed"`
	TotalChunks           int  `gorm:"column:total_chunks;not null;default:0" json:"total_chunks"`
	TotalFailures         int  `gorm:"column:total_failures;not null;default:0" json:"total_failures"`
	CancellationRequested bool `gorm:"column:cancellation_requested;not null;default:false" json:"cancellation_requested"`

	// CheckpointPointer is the object storage path of the latest checkpoint.
	CheckpointPointer *string `gorm:"column:checkpoint_pointer" json:"checkpoint_pointer"`

	HeartbeatCounter          int        `gorm:"column:heartbeat_counter;not null;default:0" json:"heartbeat_counter"`
	LastHeartbeatValue        int        `gorm:"column:last_heartbeat_value;not null;default:0" json:"last_heartbeat_value"`
	LastHeartbeatTime         *time.Time `gorm:"column:last_heartbeat_time" json:"last_heartbeat_time"`
	LastProgressTime          *time.Time `gorm:"column:last_progress_time" json:"last_progress_time"`
	LastBatchesCompletedCount int        `gorm:"column:last_batches_completed_count;not null;default:0" json:"last_batches_completed_count"`

	ErrorMsg           *string    `gorm:"column:error_msg" json:"error_msg"`
	FullExceptionTrace *string    `gorm:"column:full_exception_trace" json:"full_exception_trace"`
	TimeStarted        *time.Time `gorm:"column:time_started" json:"time_started"`
	TimeCreated        time.Time  `gorm:"column:time_created;not null;autoCreateTime" json:"time_created"`
	TimeUpdated        time.Time  `gorm:"column:time_updated;not null;autoUpdateTime" json:"time_updated"`
}

// TableName overrides the default table name for GORM
func (IndexAttemptModel) TableName() string {
	return IndexAttemptTableName
}

// IndexAttemptColumns is the columns for the index attempt table
type IndexAttemptColumns struct {
	ID                        string
	CCPairID                  string
	SearchSettingsID          string
	Status                    string
	TaskID                    string
	PollRangeStart            string
	PollRangeEnd              string
	TotalBatches              string
	CompletedBatches          string
	TotalDocsIndexed          string
	NewDocsIndexed            string
	TotalChunks               string
	TotalFailures             string
	CancellationRequested     string
	CheckpointPointer         string
	HeartbeatCounter          string
	LastHeartbeatValue        string
	LastHeartbeatTime         string
	LastProgressTime          string
	LastBatchesCompletedCount string
	ErrorMsg                  string
	FullExceptionTrace        string
	TimeStarted               string
	TimeCreated               string
	TimeUpdated               string
}

// IndexAttemptColumn is the columns for the index attempt table
var IndexAttemptColumn = IndexAttemptColumns{
	ID:                        "id",
	CCPairID:                  "connector_credential_pair_id",
	SearchSettingsID:          "search_settings_id",
	Status:                    "status",
	TaskID:                    "task_id",
	PollRangeStart:            "poll_range_start",
	PollRangeEnd:              "poll_range_end",
	TotalBatches:              "total_batches",
	CompletedBatches:          "completed_batches",
	TotalDocsIndexed:          "total_docs_indexed",
	NewDocsIndexed:            "new_docs_indexed",
	TotalChunks:               "total_chunks",
	TotalFailures:             "total_failures",
	CancellationRequested:     "cancellation_requested",
	CheckpointPointer:         "checkpoint_pointer",
	HeartbeatCounter:          "heartbeat_counter",
	LastHeartbeatValue:        "last_heartbeat_value",
	LastHeartbeatTime:         "last_heartbeat_time",
	LastProgressTime:          "last_progress_time",
	LastBatchesCompletedCount: "last_batches_completed_count",
	ErrorMsg:                  "error_msg",
	FullExceptionTrace:        "full_exception_trace",
	TimeStarted:               "time_started",
	TimeCreated:               "time_created",
	TimeUpdated:               "time_updated",
}

// CreateIndexAttemptParams contains the fields of a new attempt.
type CreateIndexAttemptParams struct {
	CCPairID         uint
	SearchSettingsID uint
	TaskID           string
	FromBeginning    bool
}

func (r *repository) CreateIndexAttempt(ctx context.Context, p CreateIndexAttemptParams) (*IndexAttemptModel, error) {
	var attempt *IndexAttemptModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []IndexAttemptModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(fmt.Sprintf("%s = ? AND %s = ? AND %s IN ?",
				IndexAttemptColumn.CCPairID, IndexAttemptColumn.SearchSettingsID, IndexAttemptColumn.Status),
				p.CCPairID, p.SearchSettingsID, nonTerminalStatuses).
			Limit(1).
			Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("attempt %d is still running for cc-pair %d: %w", existing[0].ID, p.CCPairID, errorsx.ErrAlreadyExists)
		}

		a := IndexAttemptModel{
			CCPairID:         p.CCPairID,
			SearchSettingsID: p.SearchSettingsID,
			Status:           IndexingStatusNotStarted,
			FromBeginning:    p.FromBeginning,
		}
		if p.TaskID != "" {
			a.TaskID = &p.TaskID
		}
		if err := tx.Create(&a).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("creating index attempt: %w", errorsx.ErrAlreadyExists)
			}
			return fmt.Errorf("creating index attempt: %w", err)
		}
		attempt = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

func (r *repository) GetIndexAttempt(ctx context.Context, id uint) (*IndexAttemptModel, error) {
	var attempt IndexAttemptModel
	if err := r.db.WithContext(ctx).Where(IndexAttemptColumn.ID+" = ?", id).First(&attempt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("index attempt %d: %w", id, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) GetLatestIndexAttempt(ctx context.Context, ccPairID, searchSettingsID uint) (*IndexAttemptModel, error) {
	var attempts []IndexAttemptModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ? AND %s = ?", IndexAttemptColumn.CCPairID, IndexAttemptColumn.SearchSettingsID), ccPairID, searchSettingsID).
		Order(IndexAttemptColumn.ID + " DESC").
		Limit(1).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

func (r *repository) ListNonTerminalIndexAttempts(ctx context.Context) ([]IndexAttemptModel, error) {
	var attempts []IndexAttemptModel
	err := r.db.WithContext(ctx).
		Where(IndexAttemptColumn.Status+" IN ?", nonTerminalStatuses).
		Order(IndexAttemptColumn.ID).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repository) ListRecentCompletedIndexAttempts(ctx context.Context, ccPairID, searchSettingsID uint, limit int) ([]IndexAttemptModel, error) {
	var attempts []IndexAttemptModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ? AND %s = ? AND %s NOT IN ?",
			IndexAttemptColumn.CCPairID, IndexAttemptColumn.SearchSettingsID, IndexAttemptColumn.Status),
			ccPairID, searchSettingsID, nonTerminalStatuses).
		Order(IndexAttemptColumn.TimeUpdated + " DESC").
		Order(IndexAttemptColumn.ID + " DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repository) GetLastSuccessfulPollRangeEnd(ctx context.Context, ccPairID, searchSettingsID uint) (*time.Time, error) {
	var attempts []IndexAttemptModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ? AND %s = ? AND %s IN ? AND %s IS NOT NULL",
			IndexAttemptColumn.CCPairID, IndexAttemptColumn.SearchSettingsID, IndexAttemptColumn.Status, IndexAttemptColumn.PollRangeEnd),
			ccPairID, searchSettingsID, []IndexingStatus{IndexingStatusSucceeded, IndexingStatusPartiallySucceeded}).
		Order(IndexAttemptColumn.PollRangeEnd + " DESC").
		Limit(1).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return attempts[0].PollRangeEnd, nil
}

func (r *repository) TransitionIndexAttemptToInProgress(ctx context.Context, id uint) (*IndexAttemptModel, error) {
	var attempt IndexAttemptModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(IndexAttemptColumn.ID+" = ?", id).
			First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("index attempt %d: %w", id, errorsx.ErrNotFound)
			}
			return err
		}
		if attempt.Status != IndexingStatusNotStarted {
			return fmt.Errorf("index attempt %d is %s, expected %s: %w", id, attempt.Status, IndexingStatusNotStarted, errorsx.ErrInvalidArgument)
		}

		now := time.Now().UTC()
		if err := tx.Model(&IndexAttemptModel{}).Where(IndexAttemptColumn.ID+" = ?", id).Updates(map[string]any{
			IndexAttemptColumn.Status:      IndexingStatusInProgress,
			IndexAttemptColumn.TimeStarted: now,
		}).Error; err != nil {
			return err
		}
		attempt.Status = IndexingStatusInProgress
		attempt.TimeStarted = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) UpdateIndexAttemptPollRange(ctx context.Context, id uint, start, end time.Time) error {
	return r.updateIndexAttempt(ctx, id, map[string]any{
		IndexAttemptColumn.PollRangeStart: start,
		IndexAttemptColumn.PollRangeEnd:   end,
	})
}

func (r *repository) MarkIndexAttemptTerminal(ctx context.Context, id uint, status IndexingStatus, reason, trace string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s isn't terminal: %w", status, errorsx.ErrInvalidArgument)
	}

	updates := map[string]any{IndexAttemptColumn.Status: status}
	if reason != "" {
		updates[IndexAttemptColumn.ErrorMsg] = reason
	}
	if trace != "" {
		updates[IndexAttemptColumn.FullExceptionTrace] = trace
	}

	res := r.db.WithContext(ctx).Model(&IndexAttemptModel{}).
		Where(fmt.Sprintf("%s = ? AND %s IN ?", IndexAttemptColumn.ID, IndexAttemptColumn.Status), id, nonTerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("marking index attempt %d as %s: %w", id, status, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) SetIndexAttemptCompletedBatches(ctx context.Context, id uint, completed int) error {
	return r.updateIndexAttempt(ctx, id, map[string]any{IndexAttemptColumn.CompletedBatches: completed})
}

func (r *repository) SetIndexAttemptCheckpointPointer(ctx context.Context, id uint, pointer string) error {
	var value any = pointer
	if pointer == "" {
		value = gorm.Expr("NULL")
	}
	// Moving the pointer isn't a meaningful update of the attempt, so the
	// update time is left alone.
	res := r.db.WithContext(ctx).Model(&IndexAttemptModel{}).
		Where(IndexAttemptColumn.ID+" = ?", id).
		UpdateColumn(IndexAttemptColumn.CheckpointPointer, value)
	if res.Error != nil {
		return fmt.Errorf("updating checkpoint pointer of attempt %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("index attempt %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}

func (r *repository) ListIndexAttemptsWithExpiredCheckpoints(ctx context.Context, before time.Time) ([]IndexAttemptModel, error) {
	var attempts []IndexAttemptModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s NOT IN ? AND %s < ? AND %s IS NOT NULL",
			IndexAttemptColumn.Status, IndexAttemptColumn.TimeUpdated, IndexAttemptColumn.CheckpointPointer),
			nonTerminalStatuses, before).
		Order(IndexAttemptColumn.ID).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repository) IncrementIndexAttemptHeartbeat(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&IndexAttemptModel{}).
		Where(IndexAttemptColumn.ID+" = ?", id).
		UpdateColumn(IndexAttemptColumn.HeartbeatCounter, gorm.Expr(IndexAttemptColumn.HeartbeatCounter+" + ?", 1)).Error
}

func (r *repository) UpdateIndexAttemptLastHeartbeat(ctx context.Context, id uint, value int, at time.Time) error {
	return r.db.WithContext(ctx).Model(&IndexAttemptModel{}).
		Where(IndexAttemptColumn.ID+" = ?", id).
		UpdateColumns(map[string]any{
			IndexAttemptColumn.LastHeartbeatValue: value,
			IndexAttemptColumn.LastHeartbeatTime:  at,
		}).Error
}

func (r *repository) updateIndexAttempt(ctx context.Context, id uint, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&IndexAttemptModel{}).Where(IndexAttemptColumn.ID+" = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating index attempt %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("index attempt %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}
