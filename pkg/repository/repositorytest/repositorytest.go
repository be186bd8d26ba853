// Package repositorytest provides a throwaway database for tests that need
// a real Repository.
package repositorytest

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/indexing-backend/pkg/repository"
)

// NewSQLite returns a repository backed by a private in-memory SQLite
// database with every table created. The database is closed when the test
// ends.
func NewSQLite(tb testing.TB) (repository.Repository, *gorm.DB) {
	tb.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		tb.Fatalf("opening sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("getting sql.DB: %v", err)
	}
	// Every connection to :memory: sees its own database.
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(repository.Models()...); err != nil {
		tb.Fatalf("migrating: %v", err)
	}

	return repository.NewRepository(db), db
}

// Fixture is a cc-pair with PRESENT search settings.
type Fixture struct {
	CCPair         *repository.CCPairModel
	SearchSettings *repository.SearchSettingsModel
}

// NewFixture creates a polling cc-pair and PRESENT search settings.
func NewFixture(tb testing.TB, repo repository.Repository, cc repository.CCPairModel) Fixture {
	tb.Helper()

	ctx := tb.Context()
	if cc.Name == "" {
		cc.Name = "fixture"
	}
	if cc.Source == "" {
		cc.Source = "static"
	}
	if cc.InputType == "" {
		cc.InputType = "POLL"
	}

	createdCC, err := repo.CreateCCPair(ctx, cc)
	if err != nil {
		tb.Fatalf("creating cc-pair: %v", err)
	}

	ss, err := repo.CreateSearchSettings(ctx, repository.SearchSettingsModel{
		ModelName: "text-embedding-3-small",
		Dimension: 1536,
		Status:    repository.SearchSettingsStatusPresent,
	})
	if err != nil {
		tb.Fatalf("creating search settings: %v", err)
	}

	return Fixture{CCPair: createdCC, SearchSettings: ss}
}
