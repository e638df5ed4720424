// Package db opens the SQL database behind the durable room fallback, the
// telemetry log and the api keys.
package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkeye/WatchRoom/internal/apikeys"
	"github.com/dkeye/WatchRoom/internal/config"
	"github.com/dkeye/WatchRoom/internal/store"
	"github.com/dkeye/WatchRoom/internal/telemetry"
)

func Open(cfg config.DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "postgres" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite serializes writers anyway
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info().Str("module", "db").Str("driver", cfg.Driver).Msg("database connected")
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	for name, migrate := range map[string]func(*gorm.DB) error{
		"rooms":     store.AutoMigrate,
		"telemetry": telemetry.AutoMigrate,
		"apikeys":   apikeys.AutoMigrate,
	} {
		if err := migrate(db); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	log.Info().Str("module", "db").Msg("migrations applied")
	return nil
}
