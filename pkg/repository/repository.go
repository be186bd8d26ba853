package repository

import (
	"gorm.io/gorm"
)

// Repository gathers the persistence use cases of the indexing engine. Every
// operation is safe for concurrent callers across processes: shared counters
// are mutated through single-statement atomic increments and state
// transitions are conditional updates or run under a row lock.
type Repository interface {
	CCPair
	SearchSettings
	IndexAttempt
	IndexingCoordination
	IndexAttemptError
	Document
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository backed by the given database handle.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}

// Models lists the tables owned by the repository, in creation order.
// Migrations are the source of truth for Postgres; this is used to
// bootstrap throwaway databases.
func Models() []any {
	return []any{
		&CCPairModel{},
		&SearchSettingsModel{},
		&IndexAttemptModel{},
		&IndexAttemptErrorModel{},
		&DocumentModel{},
	}
}
