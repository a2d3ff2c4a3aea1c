// Package storage defines the abstract contract the sync engine uses
// to talk to either side of a sync (a local tree, WebDAV, SFTP, FTP,
// S3, or another local tree acting as the "remote"). Concrete backends
// are external collaborators; this package only specifies the
// interface and the few reference implementations (local filesystem,
// in-memory, S3) needed to exercise and test the engine.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/syncmesh/engine/relpath"
)

// Item is one node observed in a storage tree.
type Item struct {
	Path         relpath.Path
	IsDir        bool
	Size         uint64
	LastModified time.Time
	Hash         []byte // opaque content identifier, nil if unavailable
	ETag         []byte // used as content identifier when Hash is nil
	IsSymlink    bool
	Permissions  string // octal or symbolic; "" if unknown/unsupported
}

// ContentID returns Hash if present, else ETag, else nil. Directories
// are always treated as having an equal (nil) content id.
func (i *Item) ContentID() []byte {
	if i.IsDir {
		return nil
	}
	if len(i.Hash) > 0 {
		return i.Hash
	}
	return i.ETag
}

// Kind classifies a Storage error for recoverable-per-path handling.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindPermissionDenied
	KindConflict
	KindConnection
)

// Error wraps a backend failure with enough context for the scheduler
// to decide whether it's recoverable per-path.
type Error struct {
	Kind  Kind
	Path  relpath.Path
	Inner error
}

func (e *Error) Error() string {
	return string(e.Path) + ": " + e.Inner.Error()
}

func (e *Error) Unwrap() error { return e.Inner }

// Storage is the contract the engine uses against one side of a sync.
// Implementations must make Write atomic per path (readers never
// observe a torn write) and must return Item values for List that
// describe direct children only.
type Storage interface {
	List(ctx context.Context, path relpath.Path) ([]*Item, error)
	Get(ctx context.Context, path relpath.Path) (*Item, error)
	Read(ctx context.Context, path relpath.Path) (io.ReadCloser, error)
	Write(ctx context.Context, path relpath.Path, content io.Reader, size int64) error
	CreateDirectory(ctx context.Context, path relpath.Path) error
	Delete(ctx context.Context, path relpath.Path) error
	Exists(ctx context.Context, path relpath.Path) (bool, error)
	ComputeHash(ctx context.Context, path relpath.Path) ([]byte, error)
	TestConnection(ctx context.Context) error
}

// Mover is an optional capability: a backend that can move/rename a
// path natively instead of the engine emulating it as read+write+delete.
type Mover interface {
	Move(ctx context.Context, src, dst relpath.Path) error
}

// TimestampSetter is an optional capability for preserve_timestamps.
type TimestampSetter interface {
	SetLastModified(ctx context.Context, path relpath.Path, t time.Time) error
}

// PermissionSetter is an optional capability for preserve_permissions.
type PermissionSetter interface {
	SetPermissions(ctx context.Context, path relpath.Path, perm string) error
}

// ChangeInfo is one entry from an optional remote change feed.
type ChangeInfo struct {
	Path      relpath.Path
	Deleted   bool
	Item      *Item
	ChangedAt time.Time
}

// RemoteChangeLister is an optional capability letting a backend
// report changes since a point in time without a full tree walk.
type RemoteChangeLister interface {
	GetRemoteChanges(ctx context.Context, since time.Time) ([]ChangeInfo, error)
}

// Move performs src -> dst using the backend's native Move if it
// implements Mover, otherwise emulates it as read, write, delete.
func Move(ctx context.Context, s Storage, src, dst relpath.Path) error {
	if m, ok := s.(Mover); ok {
		return m.Move(ctx, src, dst)
	}
	item, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	if item != nil && item.IsDir {
		if err := s.CreateDirectory(ctx, dst); err != nil {
			return err
		}
		return s.Delete(ctx, src)
	}
	r, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()
	size := int64(0)
	if item != nil {
		size = int64(item.Size)
	}
	if err := s.Write(ctx, dst, r, size); err != nil {
		return err
	}
	return s.Delete(ctx, src)
}
