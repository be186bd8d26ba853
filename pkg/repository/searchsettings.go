package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// SearchSettingsTableName is the table name for search settings.
	SearchSettingsTableName = "search_settings"
)

// SearchSettings interface defines the methods for the search settings
// table.
type SearchSettings interface {
	CreateSearchSettings(ctx context.Context, ss SearchSettingsModel) (*SearchSettingsModel, error)
	GetSearchSettings(ctx context.Context, id uint) (*SearchSettingsModel, error)
	// ListActiveSearchSettings returns the PRESENT settings followed by the
	// FUTURE ones, if any.
	ListActiveSearchSettings(ctx context.Context) ([]SearchSettingsModel, error)
	// SwapSearchSettings promotes the FUTURE settings to PRESENT and retires
	// the current PRESENT ones to PAST, atomically.
	SwapSearchSettings(ctx context.Context, futureID uint) error
}

// SearchSettingsStatus tells whether an embedding configuration is serving,
// being built or retired.
type SearchSettingsStatus string

const (
	// SearchSettingsStatusPresent is the serving configuration.
	SearchSettingsStatusPresent SearchSettingsStatus = "PRESENT"
	// SearchSettingsStatusFuture is being built in the background.
	SearchSettingsStatusFuture SearchSettingsStatus = "FUTURE"
	// SearchSettingsStatusPast was replaced.
	SearchSettingsStatusPast SearchSettingsStatus = "PAST"
)

// SearchSettingsModel is the model for the search_settings table.
type SearchSettingsModel struct {
	ID                       uint                 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ModelName                string               `gorm:"column:model_name;size:255;not null" json:"model_name"`
	Dimension                uint32               `gorm:"column:dimension;not null;default:0" json:"dimension"`
	Status                   SearchSettingsStatus `gorm:"column:status;size:50;not null" json:"status"`
	BackgroundReindexEnabled bool                 `gorm:"column:background_reindex_enabled;not null" json:"background_reindex_enabled"`
	CreateTime               time.Time            `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime               time.Time            `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (SearchSettingsModel) TableName() string {
	return SearchSettingsTableName
}

// CollectionName is the vector collection that holds the chunks embedded
// with these settings.
func (ss SearchSettingsModel) CollectionName() string {
	return fmt.Sprintf("search_settings_%d", ss.ID)
}

// SearchSettingsColumns is the columns for the search settings table
type SearchSettingsColumns struct {
	ID     string
	Status string
}

// SearchSettingsColumn is the columns for the search settings table
var SearchSettingsColumn = SearchSettingsColumns{
	ID:     "id",
	Status: "status",
}

func (r *repository) CreateSearchSettings(ctx context.Context, ss SearchSettingsModel) (*SearchSettingsModel, error) {
	if err := r.db.WithContext(ctx).Create(&ss).Error; err != nil {
		return nil, fmt.Errorf("creating search settings: %w", err)
	}
	return &ss, nil
}

func (r *repository) GetSearchSettings(ctx context.Context, id uint) (*SearchSettingsModel, error) {
	var ss SearchSettingsModel
	if err := r.db.WithContext(ctx).Where(SearchSettingsColumn.ID+" = ?", id).First(&ss).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("search settings %d: %w", id, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &ss, nil
}

func (r *repository) ListActiveSearchSettings(ctx context.Context) ([]SearchSettingsModel, error) {
	var settings []SearchSettingsModel
	err := r.db.WithContext(ctx).
		Where(SearchSettingsColumn.Status+" IN ?", []SearchSettingsStatus{SearchSettingsStatusPresent, SearchSettingsStatusFuture}).
		Order(SearchSettingsColumn.ID).
		Find(&settings).Error
	if err != nil {
		return nil, err
	}

	active := make([]SearchSettingsModel, 0, len(settings))
	for _, ss := range settings {
		if ss.Status == SearchSettingsStatusPresent {
			active = append(active, ss)
		}
	}
	for _, ss := range settings {
		if ss.Status == SearchSettingsStatusFuture {
			active = append(active, ss)
		}
	}
	return active, nil
}

func (r *repository) SwapSearchSettings(ctx context.Context, futureID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var future SearchSettingsModel
		if err := tx.Where(SearchSettingsColumn.ID+" = ?", futureID).First(&future).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("search settings %d: %w", futureID, errorsx.ErrNotFound)
			}
			return err
		}
		if future.Status != SearchSettingsStatusFuture {
			return fmt.Errorf("search settings %d is %s, not FUTURE: %w", futureID, future.Status, errorsx.ErrInvalidArgument)
		}

		if err := tx.Model(&SearchSettingsModel{}).
			Where(SearchSettingsColumn.Status+" = ?", SearchSettingsStatusPresent).
			Update(SearchSettingsColumn.Status, SearchSettingsStatusPast).Error; err != nil {
			return fmt.Errorf("retiring present settings: %w", err)
		}

		return tx.Model(&SearchSettingsModel{}).
			Where(SearchSettingsColumn.ID+" = ?", futureID).
			Update(SearchSettingsColumn.Status, SearchSettingsStatusPresent).Error
	})
}
