// Package db opens the gorm connection for either MySQL or SQLite.
package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/branchchat/internal/logger"
)

const sqlitePrefix = "sqlite://"

// Open connects to dsn. DSNs starting with sqlite:// (or ending in .db)
// use the pure-Go SQLite driver; anything else is treated as MySQL.
func Open(dsn string, log *logger.Logger) (*gorm.DB, error) {
	dialector, kind := dialectorFor(dsn)

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kind, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if kind == "sqlite" {
		// a single writer avoids SQLITE_BUSY under concurrent generations
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if log != nil {
		log.Info("database connected", "driver", kind)
	}
	return gdb, nil
}

func dialectorFor(dsn string) (gorm.Dialector, string) {
	switch {
	case strings.HasPrefix(dsn, sqlitePrefix):
		return sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), "sqlite"
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn), "sqlite"
	default:
		return mysql.Open(dsn), "mysql"
	}
}
