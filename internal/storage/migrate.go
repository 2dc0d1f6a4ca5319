package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	logx "bulksender/pkg/logx"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// goose keeps its dialect/fs/logger in package globals.
var migrateMu sync.Mutex

func migrate(ctx context.Context, db *sql.DB, log logx.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	// Route goose migration logs through application logger instead of stdout.
	goose.SetLogger(gooseLogger{log: log})
	goose.SetTableName(migrationsTable)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// gooseLogger bridges goose's Printf-style logging to logx.
type gooseLogger struct{ log logx.Logger }

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Printf(format, v...)
}
