// Package memory implements storage.Storage entirely in memory. It is
// used by the engine's test suite to exercise end-to-end scenarios
// without touching disk or network, and stands in for a second local
// tree acting as the "remote" side.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/storage"
)

type entry struct {
	item    storage.Item
	content []byte
}

// Storage is a thread-safe in-memory tree keyed by normalized path.
type Storage struct {
	mu      sync.RWMutex
	entries map[string]*entry // key: relpath.Path.Key()
	clock   func() time.Time
}

// New returns an empty in-memory storage.
func New() *Storage {
	return &Storage{
		entries: make(map[string]*entry),
		clock:   time.Now,
	}
}

func notFound(path relpath.Path) error {
	return &storage.Error{Kind: storage.KindNotFound, Path: path, Inner: fmt.Errorf("not found")}
}

func (s *Storage) List(ctx context.Context, path relpath.Path) ([]*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := string(path)
	var out []*storage.Item
	seen := make(map[string]bool)
	for _, e := range s.entries {
		p := string(e.item.Path)
		if prefix != "" && !strings.HasPrefix(strings.ToLower(p), strings.ToLower(prefix)+"/") {
			continue
		}
		rel := p
		if prefix != "" {
			rel = p[len(prefix)+1:]
		}
		parts := strings.SplitN(rel, "/", 2)
		child := parts[0]
		if seen[strings.ToLower(child)] {
			continue
		}
		seen[strings.ToLower(child)] = true

		if len(parts) == 1 {
			cp := e.item
			out = append(out, &cp)
		} else {
			childPath, _ := relpath.Join(path, child)
			out = append(out, &storage.Item{Path: childPath, IsDir: true, LastModified: e.item.LastModified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Storage) Get(ctx context.Context, path relpath.Path) (*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path.Key()]
	if !ok {
		return nil, nil
	}
	cp := e.item
	return &cp, nil
}

func (s *Storage) Read(ctx context.Context, path relpath.Path) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path.Key()]
	if !ok {
		return nil, notFound(path)
	}
	return io.NopCloser(bytes.NewReader(e.content)), nil
}

func (s *Storage) Write(ctx context.Context, path relpath.Path, content io.Reader, size int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return &storage.Error{Kind: storage.KindOther, Path: path, Inner: err}
	}
	sum := md5.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path.Key()] = &entry{
		item: storage.Item{
			Path:         path,
			IsDir:        false,
			Size:         uint64(len(data)),
			LastModified: s.clock().UTC(),
			Hash:         sum[:],
		},
		content: data,
	}
	return nil
}

func (s *Storage) CreateDirectory(ctx context.Context, path relpath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[path.Key()]; ok {
		return nil
	}
	s.entries[path.Key()] = &entry{item: storage.Item{Path: path, IsDir: true, LastModified: s.clock().UTC()}}
	return nil
}

func (s *Storage) Delete(ctx context.Context, path relpath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := string(path)
	for k, e := range s.entries {
		p := string(e.item.Path)
		if k == path.Key() || strings.HasPrefix(strings.ToLower(p), strings.ToLower(prefix)+"/") {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *Storage) Exists(ctx context.Context, path relpath.Path) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[path.Key()]
	return ok, nil
}

func (s *Storage) ComputeHash(ctx context.Context, path relpath.Path) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path.Key()]
	if !ok {
		return nil, notFound(path)
	}
	return e.item.ContentID(), nil
}

func (s *Storage) TestConnection(ctx context.Context) error { return nil }

// Move satisfies storage.Mover.
func (s *Storage) Move(ctx context.Context, src, dst relpath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[src.Key()]
	if !ok {
		return notFound(src)
	}
	cp := *e
	cp.item.Path = dst
	s.entries[dst.Key()] = &cp
	delete(s.entries, src.Key())
	return nil
}

// SetLastModified satisfies storage.TimestampSetter.
func (s *Storage) SetLastModified(ctx context.Context, path relpath.Path, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path.Key()]
	if !ok {
		return notFound(path)
	}
	e.item.LastModified = t
	return nil
}

var _ storage.Storage = (*Storage)(nil)
var _ storage.Mover = (*Storage)(nil)
var _ storage.TimestampSetter = (*Storage)(nil)
