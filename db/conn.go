// Package db opens the metadata database
package db

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/pkg/util"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New opens the database configured under db.* and migrates it
func New() (*gorm.DB, error) {
	driver := viper.GetString("db.driver")
	dsn := viper.GetString("db.dsn")

	// If running in a docker container don't allow the sqlite file to be created.
	// The host should instead mount it using volumes
	if driver == "sqlite" && util.IsRunningInDocker() {
		if _, err := os.Stat(dsn); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("SQLite database file not mounted, please use docker volumes to mount it to %s", dsn)
		}
	}

	return Open(driver, dsn)
}

// Open connects to the given driver ("sqlite" or "postgres") and runs AutoMigrate
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database, %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite only has one writer anyway, a single connection keeps
		// concurrent transactions from failing with SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}

		sqlDB.SetMaxOpenConns(1)
	}

	err = db.AutoMigrate(model.UserFile{}, model.UserStorage{})
	if err != nil {
		return nil, fmt.Errorf("failed to automigrate tables, %w", err)
	}

	return db, nil
}
