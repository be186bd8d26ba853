package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/instill-ai/indexing-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// CCPairTableName is the table name for connector-credential pairs.
	CCPairTableName = "connector_credential_pair"
)

// CCPair interface defines the methods for the connector-credential pair
// table.
type CCPair interface {
	// CreateCCPair inserts a new connector-credential pair.
	CreateCCPair(ctx context.Context, cc CCPairModel) (*CCPairModel, error)
	// GetCCPair returns the pair by ID or errorsx.ErrNotFound.
	GetCCPair(ctx context.Context, id uint) (*CCPairModel, error)
	// ListCCPairs returns every pair, ordered by ID.
	ListCCPairs(ctx context.Context) ([]CCPairModel, error)
	// UpdateCCPairStatus sets the status of a pair.
	UpdateCCPairStatus(ctx context.Context, id uint, status CCPairStatus) error
	// SetCCPairIndexingTrigger requests (or, with nil, clears) a manual
	// indexing run.
	SetCCPairIndexingTrigger(ctx context.Context, id uint, trigger *IndexingTrigger) error
	// SetCCPairRepeatedErrorState flags or unflags a pair whose recent
	// attempts all failed.
	SetCCPairRepeatedErrorState(ctx context.Context, id uint, inRepeatedErrorState bool) error
	// MarkCCPairIndexingSucceeded records a successful attempt: it sets the
	// last successful index time, promotes a SCHEDULED or INITIAL_INDEXING
	// pair to ACTIVE and clears the repeated-error flag.
	MarkCCPairIndexingSucceeded(ctx context.Context, id uint, at time.Time) error
}

// CCPairStatus is the lifecycle status of a connector-credential pair.
type CCPairStatus string

const (
	// CCPairStatusScheduled is a pair that was created and hasn't run yet.
	CCPairStatusScheduled CCPairStatus = "SCHEDULED"
	// CCPairStatusInitialIndexing is a pair whose first attempt is running.
	CCPairStatusInitialIndexing CCPairStatus = "INITIAL_INDEXING"
	// CCPairStatusActive is a pair that indexed successfully at least once.
	CCPairStatusActive CCPairStatus = "ACTIVE"
	// CCPairStatusPaused is a pair that was paused by a user.
	CCPairStatusPaused CCPairStatus = "PAUSED"
	// CCPairStatusDeleting is a pair that is being deleted.
	CCPairStatusDeleting CCPairStatus = "DELETING"
	// CCPairStatusInvalid is a pair whose connector repeatedly failed
	// validation. It isn't scheduled until fixed.
	CCPairStatusInvalid CCPairStatus = "INVALID"
)

// IsActive returns whether the pair takes part in regular scheduling.
func (s CCPairStatus) IsActive() bool {
	switch s {
	case CCPairStatusScheduled, CCPairStatusInitialIndexing, CCPairStatusActive:
		return true
	}
	return false
}

// IndexingTrigger is a manual request to index a pair.
type IndexingTrigger string

const (
	// IndexingTriggerUpdate runs an incremental attempt right away.
	IndexingTriggerUpdate IndexingTrigger = "UPDATE"
	// IndexingTriggerReindex runs a full attempt from the beginning.
	IndexingTriggerReindex IndexingTrigger = "REINDEX"
)

// CCPairModel is the model for the connector_credential_pair table.
type CCPairModel struct {
	ID              uint                 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name            string               `gorm:"column:name;size:255;not null" json:"name"`
	Source          types.DocumentSource `gorm:"column:source;size:100;not null" json:"source"`
	InputType       types.InputType      `gorm:"column:input_type;size:50" json:"input_type"`
	ConnectorConfig datatypes.JSON       `gorm:"column:connector_config;not null;default:'{}'" json:"connector_config"`
	Credential      datatypes.JSON       `gorm:"column:credential;not null;default:'{}'" json:"-"`
	Status          CCPairStatus         `gorm:"column:status;size:50;not null" json:"status"`
	// RefreshFreq is the number of seconds between automatic attempts. Nil
	// disables automatic re-indexing after the first attempt.
	RefreshFreq             *int             `gorm:"column:refresh_freq" json:"refresh_freq"`
	IndexingStart           *time.Time       `gorm:"column:indexing_start" json:"indexing_start"`
	LastSuccessfulIndexTime *time.Time       `gorm:"column:last_successful_index_time" json:"last_successful_index_time"`
	InRepeatedErrorState    bool             `gorm:"column:in_repeated_error_state;not null;default:false" json:"in_repeated_error_state"`
	IndexingTrigger         *IndexingTrigger `gorm:"column:indexing_trigger;size:50" json:"indexing_trigger"`
	CreateTime              time.Time        `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime              time.Time        `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (CCPairModel) TableName() string {
	return CCPairTableName
}

// CCPairColumns is the columns for the connector-credential pair table
type CCPairColumns struct {
	ID                      string
	Name                    string
	Source                  string
	Status                  string
	RefreshFreq             string
	LastSuccessfulIndexTime string
	InRepeatedErrorState    string
	IndexingTrigger         string
}

// CCPairColumn is the columns for the connector-credential pair table
var CCPairColumn = CCPairColumns{
	ID:                      "id",
	Name:                    "name",
	Source:                  "source",
	Status:                  "status",
	RefreshFreq:             "refresh_freq",
	LastSuccessfulIndexTime: "last_successful_index_time",
	InRepeatedErrorState:    "in_repeated_error_state",
	IndexingTrigger:         "indexing_trigger",
}

// CreateCCPair inserts a new connector-credential pair.
func (r *repository) CreateCCPair(ctx context.Context, cc CCPairModel) (*CCPairModel, error) {
	if cc.Status == "" {
		cc.Status = CCPairStatusScheduled
	}
	if err := r.db.WithContext(ctx).Create(&cc).Error; err != nil {
		return nil, fmt.Errorf("creating cc-pair: %w", err)
	}
	return &cc, nil
}

// GetCCPair returns the pair by ID.
func (r *repository) GetCCPair(ctx context.Context, id uint) (*CCPairModel, error) {
	var cc CCPairModel
	if err := r.db.WithContext(ctx).Where(CCPairColumn.ID+" = ?", id).First(&cc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("cc-pair %d: %w", id, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &cc, nil
}

// ListCCPairs returns every pair, ordered by ID.
func (r *repository) ListCCPairs(ctx context.Context) ([]CCPairModel, error) {
	var pairs []CCPairModel
	if err := r.db.WithContext(ctx).Order(CCPairColumn.ID).Find(&pairs).Error; err != nil {
		return nil, err
	}
	return pairs, nil
}

// UpdateCCPairStatus sets the status of a pair.
func (r *repository) UpdateCCPairStatus(ctx context.Context, id uint, status CCPairStatus) error {
	return r.updateCCPair(ctx, id, map[string]any{CCPairColumn.Status: status})
}

// SetCCPairIndexingTrigger requests or clears a manual indexing run.
func (r *repository) SetCCPairIndexingTrigger(ctx context.Context, id uint, trigger *IndexingTrigger) error {
	return r.updateCCPair(ctx, id, map[string]any{CCPairColumn.IndexingTrigger: trigger})
}

// SetCCPairRepeatedErrorState flags or unflags a pair.
func (r *repository) SetCCPairRepeatedErrorState(ctx context.Context, id uint, inRepeatedErrorState bool) error {
	return r.updateCCPair(ctx, id, map[string]any{CCPairColumn.InRepeatedErrorState: inRepeatedErrorState})
}

// MarkCCPairIndexingSucceeded records a successful attempt on the pair.
func (r *repository) MarkCCPairIndexingSucceeded(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cc CCPairModel
		if err := tx.Where(CCPairColumn.ID+" = ?", id).First(&cc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("cc-pair %d: %w", id, errorsx.ErrNotFound)
			}
			return err
		}

		updates := map[string]any{
			CCPairColumn.LastSuccessfulIndexTime: at,
			CCPairColumn.InRepeatedErrorState:    false,
		}
		if cc.Status == CCPairStatusScheduled || cc.Status == CCPairStatusInitialIndexing {
			updates[CCPairColumn.Status] = CCPairStatusActive
		}

		return tx.Model(&CCPairModel{}).Where(CCPairColumn.ID+" = ?", id).Updates(updates).Error
	})
}

func (r *repository) updateCCPair(ctx context.Context, id uint, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&CCPairModel{}).Where(CCPairColumn.ID+" = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating cc-pair %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cc-pair %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}
