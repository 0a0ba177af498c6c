package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies pending schema migrations for the given driver.
func Migrate(db *sql.DB, driver string) error {
	var dialect, dir string
	switch driver {
	case DriverSQLite:
		dialect, dir = "sqlite3", "migrations/sqlite"
	case DriverPostgres:
		dialect, dir = "postgres", "migrations/postgres"
	default:
		return fmt.Errorf("migrate: unknown driver %q", driver)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger forwards goose output to zerolog.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	log.Debug().Msgf("goose: "+format, v...)
}

func (gooseLogger) Fatalf(format string, v ...any) {
	log.Error().Msgf("goose: "+format, v...)
}
