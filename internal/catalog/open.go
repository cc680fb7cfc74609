package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/fragnet/internal/catalog/migrations"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// goose keeps its base FS and dialect in package state
	gooseMu sync.Mutex

	gooseUpContext = goose.UpContext
)

// Migrate applies the embedded migrations for dialect ("sqlite3" or
// "postgres") to db.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	dir := migrations.SQLiteDir
	if dialect == "postgres" {
		dir = migrations.PostgresDir
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

// Open returns the repository for driver, migrating SQL schemas first.
func Open(ctx context.Context, driver, dsn string) (Repository, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryRepository(), nil

	case DriverSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		if dsn == ":memory:" {
			// every connection would otherwise see its own empty database
			db.SetMaxOpenConns(1)
		}
		if err := Migrate(ctx, db, "sqlite3"); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewSQLiteRepository(db), nil

	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := Migrate(ctx, db, "postgres"); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewPostgresRepository(db), nil

	default:
		return nil, fmt.Errorf("unknown catalog driver %q", driver)
	}
}
