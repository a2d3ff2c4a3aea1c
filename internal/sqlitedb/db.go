// Package sqlitedb opens the single sqlx-backed SQLite connection the
// state store and its operation history sit on top of. The state
// store is always the one writer for its database file (state/sqlite
// calls Open with a one-connection pool), so the pragmas here favor a
// single long-lived writer over concurrent-reader throughput.
package sqlitedb

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/syncmesh/engine/internal/utils"
)

// defaultPragmas tunes SQLite for a single local writer making many
// small transactions: WAL keeps readers from blocking on the writer,
// synchronous=NORMAL trades the fsync-per-commit durability guarantee
// WAL mode doesn't need for commit latency, and busy_timeout absorbs
// the brief contention window around a checkpoint.
const defaultPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
PRAGMA mmap_size=268435456;
`

// config holds a database's connection settings.
type config struct {
	path         string
	pragmas      string
	maxOpenConns int
}

// Option configures Open.
type Option func(*config)

// WithPath sets the database file path. Use ":memory:" for a
// purely in-process database.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithPragmas replaces defaultPragmas with a caller-supplied pragma
// block.
func WithPragmas(pragmas string) Option {
	return func(c *config) {
		c.pragmas = pragmas
	}
}

// WithMaxOpenConns caps the connection pool. SQLite only ever allows
// one writer regardless of this setting; callers pass 1 to also rule
// out reader/writer lock contention within the same process.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// Open connects to a SQLite database through the build-selected
// driver (db_sqlite3_cgo.go / db_sqlite3_default.go), creating the
// parent directory for a file-based path if needed.
func Open(opts ...Option) (*sqlx.DB, error) {
	cfg := &config{path: ":memory:", pragmas: defaultPragmas}
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path != ":memory:" {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	} else {
		dsn = ":memory:"
	}

	slog.Info("sqlitedb: opening", "driver", driverName, "driver_id", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return db, nil
}
