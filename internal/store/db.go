// Package store is the single durable key-ordered store: one
// SQLite database, WAL mode, a busy timeout, and strict foreign keys,
// exposing claim-style task queues and event-append repositories.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// BusyTimeout is the SQLite busy_timeout applied to every connection,
// covering transient lock contention between the hub's loops.
const BusyTimeout = 5 * time.Second

// DB wraps the shared connection pool. Writers serialize via SQLite; the
// claim patterns used throughout this package select a candidate and then
// run a status-guarded UPDATE inside one transaction on the single
// connection, rather than using application-level locking.
type DB struct {
	*sqlx.DB
}

// Open opens (creating if absent) the SQLite database at path, configures
// WAL mode and the busy timeout, and runs pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, BusyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	// SQLite allows only one writer; a single connection avoids
	// SQLITE_BUSY races that the busy timeout alone cannot fully mask
	// under WAL with many concurrent readers and one writer goroutine.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "store: ping %s", path)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, errors.Wrap(err, "store: set dialect")
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, errors.Wrap(err, "store: migrate")
	}

	return &DB{DB: sqlx.NewDb(sqlDB, "sqlite3")}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.DB.Close() }

// nowUnix is overridable in tests that need deterministic clocks; production
// always uses the real wall clock.
var nowUnix = func() int64 { return time.Now().Unix() }
