package convert

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Basic contains the dependencies shared by every code migration.
type Basic struct {
	DB     *gorm.DB
	Logger *zap.Logger
}
