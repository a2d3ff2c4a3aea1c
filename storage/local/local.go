// Package local implements storage.Storage over a directory on the
// local filesystem.
package local

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/storage"
)

// Storage is a storage.Storage backed by a root directory on disk.
type Storage struct {
	root string
}

// New returns a local storage rooted at dir. dir is created if
// missing.
func New(dir string) (*Storage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: create root: %w", err)
	}
	return &Storage{root: abs}, nil
}

func (s *Storage) abs(p relpath.Path) string {
	return filepath.Join(s.root, filepath.FromSlash(string(p)))
}

func wrapErr(path relpath.Path, err error) error {
	if err == nil {
		return nil
	}
	kind := storage.KindOther
	switch {
	case os.IsNotExist(err):
		kind = storage.KindNotFound
	case os.IsPermission(err):
		kind = storage.KindPermissionDenied
	}
	return &storage.Error{Kind: kind, Path: path, Inner: err}
}

func (s *Storage) List(ctx context.Context, path relpath.Path) ([]*storage.Item, error) {
	dir := s.root
	if path != "" {
		dir = s.abs(path)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapErr(path, err)
	}

	items := make([]*storage.Item, 0, len(entries))
	for _, e := range entries {
		child, err := relpath.Join(path, e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, fileInfoToItem(child, info))
	}
	return items, nil
}

func fileInfoToItem(p relpath.Path, info fs.FileInfo) *storage.Item {
	item := &storage.Item{
		Path:         p,
		IsDir:        info.IsDir(),
		Size:         uint64(info.Size()),
		LastModified: info.ModTime().UTC(),
		IsSymlink:    info.Mode()&os.ModeSymlink != 0,
		Permissions:  fmt.Sprintf("%o", info.Mode().Perm()),
	}
	if item.IsDir {
		item.Size = 0
	}
	return item
}

func (s *Storage) Get(ctx context.Context, path relpath.Path) (*storage.Item, error) {
	info, err := os.Lstat(s.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapErr(path, err)
	}
	return fileInfoToItem(path, info), nil
}

func (s *Storage) Read(ctx context.Context, path relpath.Path) (io.ReadCloser, error) {
	f, err := os.Open(s.abs(path))
	if err != nil {
		return nil, wrapErr(path, err)
	}
	return f, nil
}

// Write streams content to a temporary file in the same directory and
// renames it into place, so readers never observe a torn write.
func (s *Storage) Write(ctx context.Context, path relpath.Path, content io.Reader, size int64) error {
	target := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return wrapErr(path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".syncmesh-tmp-*")
	if err != nil {
		return wrapErr(path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return wrapErr(path, err)
	}
	if err := tmp.Close(); err != nil {
		return wrapErr(path, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (s *Storage) CreateDirectory(ctx context.Context, path relpath.Path) error {
	if err := os.MkdirAll(s.abs(path), 0o755); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, path relpath.Path) error {
	if err := os.RemoveAll(s.abs(path)); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (s *Storage) Exists(ctx context.Context, path relpath.Path) (bool, error) {
	_, err := os.Lstat(s.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapErr(path, err)
}

func (s *Storage) ComputeHash(ctx context.Context, path relpath.Path) ([]byte, error) {
	f, err := os.Open(s.abs(path))
	if err != nil {
		return nil, wrapErr(path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, wrapErr(path, err)
	}
	return h.Sum(nil), nil
}

func (s *Storage) TestConnection(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return wrapErr("", err)
}

// Move renames src to dst in place, satisfying storage.Mover.
func (s *Storage) Move(ctx context.Context, src, dst relpath.Path) error {
	target := s.abs(dst)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return wrapErr(dst, err)
	}
	if err := os.Rename(s.abs(src), target); err != nil {
		return wrapErr(src, err)
	}
	return nil
}

// SetLastModified satisfies storage.TimestampSetter.
func (s *Storage) SetLastModified(ctx context.Context, path relpath.Path, t time.Time) error {
	if err := os.Chtimes(s.abs(path), t, t); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

var _ storage.Storage = (*Storage)(nil)
var _ storage.Mover = (*Storage)(nil)
var _ storage.TimestampSetter = (*Storage)(nil)
