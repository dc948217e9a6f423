package testutils

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB opens an in-memory SQLite database and migrates the given
// models. The pool is limited to a single connection: in-memory SQLite gives
// each connection its own database, and tests that exercise concurrent
// transactions need a serializing writer anyway.
func SetupTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		require.NoError(t, db.AutoMigrate(models...))
	}

	return db
}
