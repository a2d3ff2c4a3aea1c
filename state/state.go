// Package state defines the persisted-state contract: the last-known
// synced record per path, plus an append-only operation history,
// behind a transactional key/value API.
package state

import (
	"context"
	"time"

	"github.com/syncmesh/engine/relpath"
)

// Status is the reconciliation state of one tracked path.
type Status string

const (
	StatusSynced          Status = "synced"
	StatusLocalNew        Status = "local_new"
	StatusRemoteNew       Status = "remote_new"
	StatusLocalModified   Status = "local_modified"
	StatusRemoteModified  Status = "remote_modified"
	StatusLocalDeleted    Status = "local_deleted"
	StatusRemoteDeleted   Status = "remote_deleted"
	StatusConflict        Status = "conflict"
	StatusError           Status = "error"
	StatusIgnored         Status = "ignored"
)

// Source identifies which side of a sync an operation originated
// from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// State is the persisted per-path record of the last successful
// reconciliation.
type State struct {
	Path           relpath.Path
	IsDir          bool
	LocalHash      []byte
	RemoteHash     []byte
	LocalModified  *time.Time
	RemoteModified *time.Time
	LocalSize      uint64
	RemoteSize     uint64
	Status         Status
	LastSyncTime   *time.Time
	ETag           []byte
	ErrorMessage   string
	SyncAttempts   uint32
}

// CompletedOperation is one append-only history row.
type CompletedOperation struct {
	ID           int64
	Path         relpath.Path
	Type         string
	IsDir        bool
	Size         uint64
	Source       Source
	StartedAt    time.Time
	CompletedAt  time.Time
	Success      bool
	ErrorMessage string
	RenamedFrom  relpath.Path
	RenamedTo    relpath.Path
}

// Stats summarizes the store's contents for Engine.Stats().
type Stats struct {
	CountByStatus map[Status]int
	LastSyncTime  *time.Time
}

// Transaction batches state mutations; all mutations in one sync
// run's commit phase happen inside a single transaction.
type Transaction interface {
	Upsert(ctx context.Context, s *State) error
	Delete(ctx context.Context, path relpath.Path) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the transactional key/value contract the engine persists
// sync state through.
type Store interface {
	Get(ctx context.Context, path relpath.Path) (*State, error)
	Upsert(ctx context.Context, s *State) error
	Delete(ctx context.Context, path relpath.Path) error
	All(ctx context.Context) ([]*State, error)
	ByPrefix(ctx context.Context, prefix relpath.Path) ([]*State, error)
	Pending(ctx context.Context) ([]*State, error)
	BeginTransaction(ctx context.Context) (Transaction, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)

	AppendOperation(ctx context.Context, op *CompletedOperation) error
	RecentOperations(ctx context.Context, limit int, since *time.Time) ([]*CompletedOperation, error)
	PruneOperations(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
