// Package memory implements state.Store entirely in process memory,
// for fast unit testing of the detector, reconciler, scheduler and
// engine layers without a SQLite dependency.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/state"
)

// Store is a mutex-protected map-backed state.Store.
type Store struct {
	mu         sync.RWMutex
	byKey      map[string]*state.State
	operations []*state.CompletedOperation
	nextOpID   int64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{byKey: make(map[string]*state.State)}
}

func clone(s *state.State) *state.State {
	cp := *s
	return &cp
}

func (s *Store) Get(ctx context.Context, path relpath.Path) (*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byKey[path.Key()]
	if !ok {
		return nil, nil
	}
	return clone(st), nil
}

func (s *Store) Upsert(ctx context.Context, st *state.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[st.Path.Key()] = clone(st)
	return nil
}

func (s *Store) Delete(ctx context.Context, path relpath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, path.Key())
	return nil
}

func (s *Store) All(ctx context.Context) ([]*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.State, 0, len(s.byKey))
	for _, st := range s.byKey {
		out = append(out, clone(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Key() < out[j].Path.Key() })
	return out, nil
}

func (s *Store) ByPrefix(ctx context.Context, prefix relpath.Path) ([]*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := prefix.Key()
	var out []*state.State
	for k, st := range s.byKey {
		if k == key || (len(k) > len(key) && k[:len(key)] == key && k[len(key)] == '/') {
			out = append(out, clone(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Key() < out[j].Path.Key() })
	return out, nil
}

func (s *Store) Pending(ctx context.Context) ([]*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*state.State
	for _, st := range s.byKey {
		if st.Status != state.StatusSynced {
			out = append(out, clone(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Key() < out[j].Path.Key() })
	return out, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[string]*state.State)
	return nil
}

func (s *Store) Stats(ctx context.Context) (*state.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &state.Stats{CountByStatus: make(map[state.Status]int)}
	for _, st := range s.byKey {
		stats.CountByStatus[st.Status]++
		if st.LastSyncTime != nil && (stats.LastSyncTime == nil || st.LastSyncTime.After(*stats.LastSyncTime)) {
			t := *st.LastSyncTime
			stats.LastSyncTime = &t
		}
	}
	return stats, nil
}

func (s *Store) AppendOperation(ctx context.Context, op *state.CompletedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOpID++
	cp := *op
	cp.ID = s.nextOpID
	s.operations = append(s.operations, &cp)
	return nil
}

func (s *Store) RecentOperations(ctx context.Context, limit int, since *time.Time) ([]*state.CompletedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*state.CompletedOperation
	for _, op := range s.operations {
		if since != nil && op.CompletedAt.Before(*since) {
			continue
		}
		cp := *op
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CompletedAt.After(filtered[j].CompletedAt) })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (s *Store) PruneOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*state.CompletedOperation
	var removed int64
	for _, op := range s.operations {
		if op.CompletedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	s.operations = kept
	return removed, nil
}

func (s *Store) Close() error { return nil }

// transaction batches mutations against the in-memory map; since the
// map is already guarded by s.mu, the transaction stages changes and
// applies them atomically under a single lock at Commit.
type transaction struct {
	store   *Store
	upserts map[string]*state.State
	deletes map[string]struct{}
}

func (s *Store) BeginTransaction(ctx context.Context) (state.Transaction, error) {
	return &transaction{
		store:   s,
		upserts: make(map[string]*state.State),
		deletes: make(map[string]struct{}),
	}, nil
}

func (t *transaction) Upsert(ctx context.Context, st *state.State) error {
	key := st.Path.Key()
	t.upserts[key] = clone(st)
	delete(t.deletes, key)
	return nil
}

func (t *transaction) Delete(ctx context.Context, path relpath.Path) error {
	key := path.Key()
	t.deletes[key] = struct{}{}
	delete(t.upserts, key)
	return nil
}

func (t *transaction) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for k, st := range t.upserts {
		t.store.byKey[k] = st
	}
	for k := range t.deletes {
		delete(t.store.byKey, k)
	}
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.upserts = make(map[string]*state.State)
	t.deletes = make(map[string]struct{})
	return nil
}

var _ state.Store = (*Store)(nil)
var _ state.Transaction = (*transaction)(nil)
