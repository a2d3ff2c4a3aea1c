// Package sqlite implements state.Store over SQLite, including the
// full SyncState schema and append-only operation history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/syncmesh/engine/internal/sqlitedb"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
	path TEXT PRIMARY KEY,
	path_key TEXT NOT NULL,
	is_dir INTEGER NOT NULL DEFAULT 0,
	local_hash BLOB,
	remote_hash BLOB,
	local_modified TEXT,
	remote_modified TEXT,
	local_size INTEGER NOT NULL DEFAULT 0,
	remote_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	last_sync_time TEXT,
	etag BLOB,
	error_message TEXT NOT NULL DEFAULT '',
	sync_attempts INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_state_path_key ON sync_state(path_key);
CREATE INDEX IF NOT EXISTS idx_sync_state_status ON sync_state(status);

CREATE TABLE IF NOT EXISTS completed_operation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	type TEXT NOT NULL,
	is_dir INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	success INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	renamed_from TEXT NOT NULL DEFAULT '',
	renamed_to TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_completed_operation_completed_at ON completed_operation(completed_at);
`

// dbState mirrors state.State for sqlx scanning, where times are
// stored as RFC3339 strings and byte slices as BLOB columns.
type dbState struct {
	Path           string  `db:"path"`
	PathKey        string  `db:"path_key"`
	IsDir          bool    `db:"is_dir"`
	LocalHash      []byte  `db:"local_hash"`
	RemoteHash     []byte  `db:"remote_hash"`
	LocalModified  *string `db:"local_modified"`
	RemoteModified *string `db:"remote_modified"`
	LocalSize      int64   `db:"local_size"`
	RemoteSize     int64   `db:"remote_size"`
	Status         string  `db:"status"`
	LastSyncTime   *string `db:"last_sync_time"`
	ETag           []byte  `db:"etag"`
	ErrorMessage   string  `db:"error_message"`
	SyncAttempts   uint32  `db:"sync_attempts"`
}

type dbOperation struct {
	ID           int64  `db:"id"`
	Path         string `db:"path"`
	Type         string `db:"type"`
	IsDir        bool   `db:"is_dir"`
	Size         int64  `db:"size"`
	Source       string `db:"source"`
	StartedAt    string `db:"started_at"`
	CompletedAt  string `db:"completed_at"`
	Success      bool   `db:"success"`
	ErrorMessage string `db:"error_message"`
	RenamedFrom  string `db:"renamed_from"`
	RenamedTo    string `db:"renamed_to"`
}

// Store is a state.Store backed by a SQLite database file.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the state store at path. Use ":memory:" for a
// purely in-process store (tests only — state.memory is the preferred
// in-memory Store for that).
func Open(path string) (*Store, error) {
	db, err := sqlitedb.Open(sqlitedb.WithPath(path), sqlitedb.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("state store close failed", "error", err)
		return err
	}
	return nil
}

func toDB(st *state.State) *dbState {
	d := &dbState{
		Path:         string(st.Path),
		PathKey:      st.Path.Key(),
		IsDir:        st.IsDir,
		LocalHash:    st.LocalHash,
		RemoteHash:   st.RemoteHash,
		LocalSize:    int64(st.LocalSize),
		RemoteSize:   int64(st.RemoteSize),
		Status:       string(st.Status),
		ETag:         st.ETag,
		ErrorMessage: st.ErrorMessage,
		SyncAttempts: st.SyncAttempts,
	}
	if st.LocalModified != nil {
		s := st.LocalModified.UTC().Format(time.RFC3339Nano)
		d.LocalModified = &s
	}
	if st.RemoteModified != nil {
		s := st.RemoteModified.UTC().Format(time.RFC3339Nano)
		d.RemoteModified = &s
	}
	if st.LastSyncTime != nil {
		s := st.LastSyncTime.UTC().Format(time.RFC3339Nano)
		d.LastSyncTime = &s
	}
	return d
}

func fromDB(d *dbState) (*state.State, error) {
	p, err := relpath.New(d.Path)
	if err != nil {
		return nil, fmt.Errorf("decode stored path %q: %w", d.Path, err)
	}
	st := &state.State{
		Path:         p,
		IsDir:        d.IsDir,
		LocalHash:    d.LocalHash,
		RemoteHash:   d.RemoteHash,
		LocalSize:    uint64(d.LocalSize),
		RemoteSize:   uint64(d.RemoteSize),
		Status:       state.Status(d.Status),
		ETag:         d.ETag,
		ErrorMessage: d.ErrorMessage,
		SyncAttempts: d.SyncAttempts,
	}
	if st.LocalModified, err = parseTimePtr(d.LocalModified); err != nil {
		return nil, err
	}
	if st.RemoteModified, err = parseTimePtr(d.RemoteModified); err != nil {
		return nil, err
	}
	if st.LastSyncTime, err = parseTimePtr(d.LastSyncTime); err != nil {
		return nil, err
	}
	return st, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", *s, err)
	}
	return &t, nil
}

const selectCols = `path, path_key, is_dir, local_hash, remote_hash, local_modified, remote_modified, local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts`

func (s *Store) Get(ctx context.Context, path relpath.Path) (*state.State, error) {
	var d dbState
	err := s.db.GetContext(ctx, &d, "SELECT "+selectCols+" FROM sync_state WHERE path_key = ?", path.Key())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get state %s: %w", path, err)
	}
	return fromDB(&d)
}

func (s *Store) Upsert(ctx context.Context, st *state.State) error {
	return upsertTx(ctx, s.db, st)
}

func upsertTx(ctx context.Context, ext sqlx.ExtContext, st *state.State) error {
	d := toDB(st)
	query := `INSERT INTO sync_state (path, path_key, is_dir, local_hash, remote_hash, local_modified, remote_modified, local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts)
	          VALUES (:path, :path_key, :is_dir, :local_hash, :remote_hash, :local_modified, :remote_modified, :local_size, :remote_size, :status, :last_sync_time, :etag, :error_message, :sync_attempts)
	          ON CONFLICT(path_key) DO UPDATE SET
	            path=excluded.path, is_dir=excluded.is_dir, local_hash=excluded.local_hash, remote_hash=excluded.remote_hash,
	            local_modified=excluded.local_modified, remote_modified=excluded.remote_modified, local_size=excluded.local_size,
	            remote_size=excluded.remote_size, status=excluded.status, last_sync_time=excluded.last_sync_time, etag=excluded.etag,
	            error_message=excluded.error_message, sync_attempts=excluded.sync_attempts`
	_, err := sqlx.NamedExecContext(ctx, ext, query, d)
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", st.Path, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path relpath.Path) error {
	return deleteTx(ctx, s.db, path)
}

func deleteTx(ctx context.Context, ext sqlx.ExtContext, path relpath.Path) error {
	_, err := ext.ExecContext(ctx, "DELETE FROM sync_state WHERE path_key = ?", path.Key())
	if err != nil {
		return fmt.Errorf("delete state %s: %w", path, err)
	}
	return nil
}

func (s *Store) queryAll(ctx context.Context, query string, args ...any) ([]*state.State, error) {
	var rows []dbState
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	out := make([]*state.State, 0, len(rows))
	for i := range rows {
		st, err := fromDB(&rows[i])
		if err != nil {
			slog.Warn("state store: skipping corrupt row", "path", rows[i].Path, "error", err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) All(ctx context.Context) ([]*state.State, error) {
	return s.queryAll(ctx, "SELECT "+selectCols+" FROM sync_state")
}

func (s *Store) ByPrefix(ctx context.Context, prefix relpath.Path) ([]*state.State, error) {
	key := prefix.Key()
	return s.queryAll(ctx,
		"SELECT "+selectCols+" FROM sync_state WHERE path_key = ? OR path_key LIKE ?",
		key, escapeLikePrefix(key)+"/%")
}

func escapeLikePrefix(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

func (s *Store) Pending(ctx context.Context) ([]*state.State, error) {
	return s.queryAll(ctx, "SELECT "+selectCols+" FROM sync_state WHERE status != ?", string(state.StatusSynced))
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("clear state store: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (*state.Stats, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT status, COUNT(*) AS n FROM sync_state GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	stats := &state.Stats{CountByStatus: make(map[state.Status]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		stats.CountByStatus[state.Status(status)] = n
	}

	var lastSync *string
	if err := s.db.GetContext(ctx, &lastSync, "SELECT MAX(last_sync_time) FROM sync_state"); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stats last sync: %w", err)
	}
	if lastSync != nil {
		t, err := parseTimePtr(lastSync)
		if err == nil {
			stats.LastSyncTime = t
		}
	}
	return stats, nil
}

func (s *Store) AppendOperation(ctx context.Context, op *state.CompletedOperation) error {
	d := dbOperation{
		Path:         string(op.Path),
		Type:         op.Type,
		IsDir:        op.IsDir,
		Size:         int64(op.Size),
		Source:       string(op.Source),
		StartedAt:    op.StartedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:  op.CompletedAt.UTC().Format(time.RFC3339Nano),
		Success:      op.Success,
		ErrorMessage: op.ErrorMessage,
		RenamedFrom:  string(op.RenamedFrom),
		RenamedTo:    string(op.RenamedTo),
	}
	query := `INSERT INTO completed_operation (path, type, is_dir, size, source, started_at, completed_at, success, error_message, renamed_from, renamed_to)
	          VALUES (:path, :type, :is_dir, :size, :source, :started_at, :completed_at, :success, :error_message, :renamed_from, :renamed_to)`
	_, err := s.db.NamedExecContext(ctx, query, d)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

func (s *Store) RecentOperations(ctx context.Context, limit int, since *time.Time) ([]*state.CompletedOperation, error) {
	query := "SELECT id, path, type, is_dir, size, source, started_at, completed_at, success, error_message, renamed_from, renamed_to FROM completed_operation"
	args := []any{}
	if since != nil {
		query += " WHERE completed_at >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY completed_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbOperation
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("recent operations: %w", err)
	}

	out := make([]*state.CompletedOperation, 0, len(rows))
	for _, r := range rows {
		startedAt, err := time.Parse(time.RFC3339Nano, r.StartedAt)
		if err != nil {
			continue
		}
		completedAt, err := time.Parse(time.RFC3339Nano, r.CompletedAt)
		if err != nil {
			continue
		}
		p, err := relpath.New(r.Path)
		if err != nil {
			continue
		}
		op := &state.CompletedOperation{
			ID:           r.ID,
			Path:         p,
			Type:         r.Type,
			IsDir:        r.IsDir,
			Size:         uint64(r.Size),
			Source:       state.Source(r.Source),
			StartedAt:    startedAt,
			CompletedAt:  completedAt,
			Success:      r.Success,
			ErrorMessage: r.ErrorMessage,
		}
		if r.RenamedFrom != "" {
			op.RenamedFrom, _ = relpath.New(r.RenamedFrom)
		}
		if r.RenamedTo != "" {
			op.RenamedTo, _ = relpath.New(r.RenamedTo)
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *Store) PruneOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM completed_operation WHERE completed_at < ?", olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return res.RowsAffected()
}

// transaction wraps a sqlx.Tx to satisfy state.Transaction.
type transaction struct {
	tx *sqlx.Tx
}

func (s *Store) BeginTransaction(ctx context.Context) (state.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &transaction{tx: tx}, nil
}

func (t *transaction) Upsert(ctx context.Context, st *state.State) error {
	if err := upsertTx(ctx, t.tx, st); err != nil {
		return err
	}
	return nil
}

func (t *transaction) Delete(ctx context.Context, path relpath.Path) error {
	return deleteTx(ctx, t.tx, path)
}

func (t *transaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

var _ state.Store = (*Store)(nil)
var _ state.Transaction = (*transaction)(nil)
