package database

import (
	"fmt"
	"time"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type ModelsOption struct {
	models []any
}

// WithModels registers models for auto-migration when Database.AutoMigrate is set.
func WithModels(models ...any) *ModelsOption {
	return &ModelsOption{models: models}
}

func ProvideDatabase(cfg config.Config, modelsOpt *ModelsOption, logger *logging.Service) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var db *gorm.DB
	var err error

	switch cfg.Database.Driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.Database.DSN), gormCfg)
	case "postgres", "postgresql":
		db, err = gorm.Open(postgres.Open(cfg.Database.DSN), gormCfg)
	case "mysql":
		db, err = gorm.Open(mysql.Open(cfg.Database.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Database.Driver)
	}

	if err != nil {
		logger.Error("database connection failed",
			zap.String("driver", cfg.Database.Driver),
			zap.Error(err))
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlDB, dbErr := db.DB(); dbErr == nil {
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	if cfg.Database.AutoMigrate && modelsOpt != nil && len(modelsOpt.models) > 0 {
		if err := db.AutoMigrate(modelsOpt.models...); err != nil {
			logger.Error("auto-migration failed", zap.Error(err))
			return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
		}
		logger.Info("database migrated",
			zap.String("driver", cfg.Database.Driver),
			zap.Int("models", len(modelsOpt.models)))
	}

	logger.Info("database connected", zap.String("driver", cfg.Database.Driver))

	return db, nil
}
