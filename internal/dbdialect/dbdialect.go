// Package dbdialect opens a gorm.DB for either of the two supported output
// dialects (mysql, postgres) behind one narrow constructor, so the DB-poll
// Ingestor (C2) and the Output Serializer (C11) share a single connection
// path instead of each hand-rolling a DSN, per SPEC_FULL.md §4.11's "two
// dialects behind a narrow interface" requirement.
package dbdialect

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/config"
)

// Open returns a *gorm.DB for spec's dialect, silent-logging by default
// since all query-level diagnostics go through the caller's zap logger.
func Open(spec config.DatabaseSpec) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch spec.Type {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", spec.User, spec.Password, spec.Host, spec.Name)
		db, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			return nil, &aierr.TransientIOError{Op: "opening mysql database " + spec.Name, Err: err}
		}
		return db, nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable", spec.Host, spec.User, spec.Password, spec.Name)
		db, err := gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, &aierr.TransientIOError{Op: "opening postgres database " + spec.Name, Err: err}
		}
		return db, nil
	default:
		return nil, &aierr.ConfigError{Msg: "unknown database type: " + spec.Type}
	}
}
