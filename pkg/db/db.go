package database

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/instill-ai/indexing-backend/config"
)

var db *gorm.DB
var once sync.Once

// GetConnection opens a new connection pool to the configured database.
func GetConnection() *gorm.DB {
	databaseConfig := config.Config.Database
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		databaseConfig.Host,
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Name,
		databaseConfig.Port,
		databaseConfig.TimeZone,
	)

	conn, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		QueryFields: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		// Unique violations surface as gorm.ErrDuplicatedKey, which the
		// repository maps to an already-exists error.
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		panic(err.Error())
	}

	if config.Config.Server.Debug {
		conn.Logger = logger.Default.LogMode(logger.Info)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		panic(err.Error())
	}

	sqlDB.SetMaxIdleConns(databaseConfig.Pool.IdleConnections)
	sqlDB.SetMaxOpenConns(databaseConfig.Pool.MaxConnections)
	sqlDB.SetConnMaxLifetime(databaseConfig.Pool.ConnLifeTime)

	return conn
}

// GetSharedConnection returns the process-wide connection pool, opening it
// on first use.
func GetSharedConnection() *gorm.DB {
	once.Do(func() {
		db = GetConnection()
	})
	return db
}

// Close closes the connection pool of the handle.
func Close(db *gorm.DB) {
	// https://github.com/go-gorm/gorm/issues/3216
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}
