package database

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

type gooseLogger struct {
	entry *logrus.Entry
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Fatalf logs without exiting; goose also returns the error to Migrate.
func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// Migrate applies every pending embedded migration.
func Migrate(db *sql.DB, logger *logrus.Entry) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{entry: logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
