package database

import (
	"example.com/backstage/services/possync/config"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Connect establishes the write and read-only database connections and
// applies pool settings. When no read-only DSN is configured, reads share
// the write connection.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, *gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}
	if err := configurePool(db, cfg); err != nil {
		return nil, nil, err
	}

	readOnlyDB := db
	if cfg.ReadOnlyDSN != "" {
		readOnlyDB, err = gorm.Open(postgres.Open(cfg.ReadOnlyDSN), &gorm.Config{})
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
		}
		if err := configurePool(readOnlyDB, cfg); err != nil {
			return nil, nil, err
		}
	}

	return db, readOnlyDB, nil
}

func configurePool(db *gorm.DB, cfg config.DatabaseConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying DB connection")
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return nil
}
