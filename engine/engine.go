// Package engine is the single entry point wiring Storage, State
// Store, Filter, Resolver, Pending-Change Tracker, Change Detector,
// Reconciler, and Scheduler into synchronize/preview/sync_plan/
// sync_folder/sync_files, plus the pause/resume/cancel control plane
// and the single-run invariant.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/syncmesh/engine/detect"
	"github.com/syncmesh/engine/filter"
	"github.com/syncmesh/engine/pending"
	"github.com/syncmesh/engine/reconcile"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/resolver"
	"github.com/syncmesh/engine/schedule"
	"github.com/syncmesh/engine/state"
	"github.com/syncmesh/engine/storage"
)

// ErrBusy is returned when a run is attempted while one is already in
// flight on this Engine (the single-run invariant).
var ErrBusy = errors.New("engine: a sync is already running")

// ErrDisposed is returned by any operation attempted after Close.
var ErrDisposed = errors.New("engine: the engine has been disposed")

// ErrCancelled is returned in place of the underlying context error
// when a run's context is cancelled or its timeout elapses before
// completion. The result object is not returned alongside it: a
// cancelled run has no well-defined partial outcome to report.
var ErrCancelled = errors.New("engine: sync cancelled")

// isCancellation reports whether err stems from the run context being
// cancelled or timing out, as opposed to an ordinary per-path or
// backend failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Config wires an Engine's collaborators. Local, Remote, and Store are
// required; Resolver and Tracker default if left nil.
type Config struct {
	Local  storage.Storage
	Remote storage.Storage
	Store  state.Store

	Resolver resolver.Resolver
	Tracker  *pending.Tracker

	ExcludePatterns []string
	IncludePatterns []string

	// MaxParallelism sizes the Scheduler's parallel-phase semaphore;
	// zero defaults to 4 (schedule.Options.parallelism).
	MaxParallelism int

	// LockPath, when non-empty, names an advisory lock file guarding
	// the single-run invariant across processes that share this
	// Store, for multiple engine processes pointed at the same state
	// database.
	LockPath string

	Events schedule.Events
}

// Engine is one sync endpoint pairing a local and remote Storage
// through a persisted State Store. One Engine runs at most one sync at
// a time; multiple Engines may run concurrently.
type Engine struct {
	cfg Config

	gate     *schedule.Gate
	running  atomic.Bool
	disposed atomic.Bool
	flock    *flock.Flock

	lifecycleMu sync.Mutex
	lifecycle   State

	eventsMu sync.RWMutex
	events   schedule.Events
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil || cfg.Remote == nil || cfg.Store == nil {
		return nil, errors.New("engine: Local, Remote, and Store are required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.NewSmart(nil)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = pending.New(filter.New(append(append([]string{}, filter.DefaultExclusions...), cfg.ExcludePatterns...), cfg.IncludePatterns))
	}

	e := &Engine{cfg: cfg, gate: schedule.NewGate(), lifecycle: StateIdle, events: cfg.Events}
	if cfg.LockPath != "" {
		e.flock = flock.New(cfg.LockPath)
	}
	return e, nil
}

// SetEvents replaces the Engine's progress/conflict subscriber hooks.
// Safe to call between runs (and, for purely additive subscribers,
// while a run is in flight, though a run already holds a snapshot of
// the previous value for its own scheduler).
func (e *Engine) SetEvents(events schedule.Events) {
	e.eventsMu.Lock()
	e.events = events
	e.eventsMu.Unlock()
}

func (e *Engine) eventsSnapshot() schedule.Events {
	e.eventsMu.RLock()
	defer e.eventsMu.RUnlock()
	return e.events
}

// Lifecycle reports the Engine's current {Idle, Running, Paused} state.
func (e *Engine) Lifecycle() State {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.lifecycle
}

func (e *Engine) setLifecycle(s State) {
	e.lifecycleMu.Lock()
	e.lifecycle = s
	e.lifecycleMu.Unlock()
}

// Pause closes the pause gate; the Scheduler finishes its current
// Action and then blocks before starting the next one.
func (e *Engine) Pause() {
	e.gate.Pause()
	if e.running.Load() {
		e.setLifecycle(StatePaused)
	}
}

// Resume reopens the pause gate.
func (e *Engine) Resume() {
	e.gate.Resume()
	if e.running.Load() {
		e.setLifecycle(StateRunning)
	}
}

// Close disposes the Engine: it releases the pause gate (unblocking
// any scheduler loop still waiting on it) and releases the
// cross-process lock file, if any. Any operation attempted afterwards
// returns ErrDisposed.
func (e *Engine) Close() error {
	e.disposed.Store(true)
	e.gate.Resume()
	if e.flock != nil {
		return e.flock.Close()
	}
	return nil
}

// acquire enforces the single-run invariant: the in-process atomic
// guard first, then (if configured) the cross-process file lock. The
// returned func releases both and must be deferred by the caller.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	if e.flock != nil {
		locked, err := e.flock.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil {
			e.running.Store(false)
			return nil, fmt.Errorf("engine: acquiring cross-process lock: %w", err)
		}
		if !locked {
			e.running.Store(false)
			return nil, ErrBusy
		}
	}
	e.setLifecycle(StateRunning)
	return func() {
		if e.flock != nil {
			_ = e.flock.Unlock()
		}
		e.running.Store(false)
		e.setLifecycle(StateIdle)
	}, nil
}

// Synchronize runs a full bidirectional sync.
func (e *Engine) Synchronize(ctx context.Context, opts Options) (*Result, error) {
	return e.run(ctx, "", nil, opts)
}

// Preview runs a full sync with dry_run forced on: the plan executes
// but no Storage writes occur and no state is committed.
func (e *Engine) Preview(ctx context.Context, opts Options) (*Result, error) {
	opts.DryRun = true
	return e.run(ctx, "", nil, opts)
}

// SyncFolder scopes detection to one path prefix (state.ByPrefix +
// detect.Detector's root parameter).
func (e *Engine) SyncFolder(ctx context.Context, root relpath.Path, opts Options) (*Result, error) {
	return e.run(ctx, root, nil, opts)
}

// SyncFiles skips scanning entirely and synthesizes Actions directly
// from the storages' current view of the named paths.
func (e *Engine) SyncFiles(ctx context.Context, paths []relpath.Path, opts Options) (*Result, error) {
	if paths == nil {
		paths = []relpath.Path{}
	}
	return e.run(ctx, "", paths, opts)
}

// SyncPlan builds the Reconciler's Action groups without executing
// them and without draining the pending-change tracker: a read-only
// preview of what a Synchronize would do right now.
func (e *Engine) SyncPlan(ctx context.Context, opts Options) (*reconcile.Groups, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cancel := e.withTimeout(ctx, opts)
	defer cancel()

	runFilter := e.buildFilter(opts)
	ops, err := e.cfg.Tracker.GetPending(runCtx, e.cfg.Local)
	if err != nil {
		return nil, err
	}
	changes := make([]pending.Change, len(ops))
	for i, op := range ops {
		changes[i] = op.Change
	}

	det := detect.New(runFilter, detectOptions(opts))
	cs, err := det.Detect(runCtx, e.cfg.Local, e.cfg.Remote, e.cfg.Store, "")
	if err != nil {
		return nil, err
	}
	groups, err := reconcile.Reconcile(runCtx, cs, changes, e.cfg.Local)
	if err != nil {
		return nil, err
	}
	if err := e.applyOptionFilters(runCtx, groups, opts); err != nil {
		return nil, err
	}
	return groups, nil
}

// ResetState discards every persisted SyncState row.
func (e *Engine) ResetState(ctx context.Context) error {
	return e.cfg.Store.Clear(ctx)
}

// Stats summarizes the persisted state.
func (e *Engine) Stats(ctx context.Context) (*state.Stats, error) {
	return e.cfg.Store.Stats(ctx)
}

// GetPendingOperations returns a UI-facing snapshot of queued external
// changes without draining them.
func (e *Engine) GetPendingOperations(ctx context.Context) ([]pending.Operation, error) {
	return e.cfg.Tracker.GetPending(ctx, e.cfg.Local)
}

// ClearPendingChanges discards all queued external-change
// notifications without applying them.
func (e *Engine) ClearPendingChanges() {
	e.cfg.Tracker.Clear()
}

// RecentOperations returns the most recent completed-operation history
// rows, optionally filtered to since and capped at limit (0 = no cap).
func (e *Engine) RecentOperations(ctx context.Context, limit int, since *time.Time) ([]*state.CompletedOperation, error) {
	return e.cfg.Store.RecentOperations(ctx, limit, since)
}

// PruneOperations deletes completed-operation rows older than
// olderThan, returning the number removed.
func (e *Engine) PruneOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	return e.cfg.Store.PruneOperations(ctx, olderThan)
}

func (e *Engine) withTimeout(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	if opts.TimeoutSeconds > 0 {
		return context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
	}
	return context.WithCancel(ctx)
}

func detectOptions(opts Options) detect.Options {
	return detect.Options{SizeOnly: opts.SizeOnly, ChecksumOnly: opts.ChecksumOnly, FollowSymlinks: opts.FollowSymlinks}
}

func (e *Engine) buildFilter(opts Options) *filter.Filter {
	excludes := make([]string, 0, len(filter.DefaultExclusions)+len(e.cfg.ExcludePatterns)+len(opts.ExcludePatterns))
	excludes = append(excludes, filter.DefaultExclusions...)
	excludes = append(excludes, e.cfg.ExcludePatterns...)
	excludes = append(excludes, opts.ExcludePatterns...)
	return filter.New(excludes, e.cfg.IncludePatterns)
}

// run is the shared implementation behind Synchronize, Preview,
// SyncFolder, and SyncFiles. explicitPaths != nil selects sync_files
// mode, which skips scanning and the pending-change drain.
func (e *Engine) run(ctx context.Context, root relpath.Path, explicitPaths []relpath.Path, opts Options) (*Result, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := newRunID()
	start := time.Now()
	runCtx, cancel := e.withTimeout(ctx, opts)
	defer cancel()

	slog.Info("engine: run starting", "run_id", runID, "dry_run", opts.DryRun)
	runFilter := e.buildFilter(opts)

	var groups *reconcile.Groups
	if explicitPaths != nil {
		groups, err = e.synthesizeForPaths(runCtx, explicitPaths, runFilter)
	} else {
		pendingChanges := e.cfg.Tracker.Drain()
		det := detect.New(runFilter, detectOptions(opts))
		var cs *detect.ChangeSet
		cs, err = det.Detect(runCtx, e.cfg.Local, e.cfg.Remote, e.cfg.Store, root)
		if err == nil {
			groups, err = reconcile.Reconcile(runCtx, cs, pendingChanges, e.cfg.Local)
		}
	}
	if err != nil {
		if isCancellation(err) {
			slog.Warn("engine: run cancelled", "run_id", runID, "error", err)
			return nil, ErrCancelled
		}
		return &Result{RunID: runID, Success: false, Elapsed: time.Since(start), Error: err}, err
	}

	if err := e.applyOptionFilters(runCtx, groups, opts); err != nil {
		if isCancellation(err) {
			slog.Warn("engine: run cancelled", "run_id", runID, "error", err)
			return nil, ErrCancelled
		}
		return &Result{RunID: runID, Success: false, Elapsed: time.Since(start), Error: err}, err
	}

	sched := schedule.New(e.cfg.Local, e.cfg.Remote, e.cfg.Resolver, schedule.Options{
		MaxParallelism:                e.cfg.MaxParallelism,
		PreserveTimestamps:            opts.PreserveTimestamps,
		PreservePermissions:           opts.PreservePermissions,
		DryRun:                        opts.DryRun,
		ConflictOverride:              opts.ConflictResolution,
		MaxBytesPerSecond:             opts.MaxBytesPerSecond,
		CreateVirtualFilePlaceholders: opts.CreateVirtualFilePlaceholders,
		VirtualFileCallback:           opts.VirtualFileCallback,
	}, e.eventsSnapshot(), e.gate)

	runErr := sched.Run(runCtx, groups)
	counters := sched.CountersSnapshot()
	result := &Result{
		RunID:             runID,
		Elapsed:           time.Since(start),
		FilesSynchronized: counters.FilesSynchronized.Load(),
		FilesSkipped:      counters.FilesSkipped.Load(),
		FilesConflicted:   counters.FilesConflicted.Load(),
		FilesDeleted:      counters.FilesDeleted.Load(),
	}

	if runErr != nil {
		// A fatal scheduler error skips the commit transaction entirely.
		if isCancellation(runErr) {
			slog.Warn("engine: run cancelled", "run_id", runID, "error", runErr)
			return nil, ErrCancelled
		}
		result.Success = false
		result.Error = runErr
		slog.Warn("engine: run failed", "run_id", runID, "error", runErr)
		return result, runErr
	}

	if !opts.DryRun {
		if cerr := e.commit(ctx, sched.Completed()); cerr != nil {
			result.Success = false
			result.Error = cerr
			slog.Warn("engine: commit failed", "run_id", runID, "error", cerr)
			return result, cerr
		}
	}
	result.Success = true
	slog.Info("engine: run completed", "run_id", runID, "synchronized", result.FilesSynchronized, "deleted", result.FilesDeleted, "conflicted", result.FilesConflicted)
	return result, nil
}

// applyOptionFilters applies delete_extraneous and update_existing
// after reconciliation, before scheduling.
func (e *Engine) applyOptionFilters(ctx context.Context, g *reconcile.Groups, opts Options) error {
	if !opts.deleteExtraneous() {
		g.Deletes = nil
	}
	if opts.UpdateExisting {
		for _, grp := range []*[]reconcile.Action{&g.Directories, &g.SmallFiles, &g.LargeFiles} {
			filtered := make([]reconcile.Action, 0, len(*grp))
			for _, a := range *grp {
				keep, err := e.existsAtDestination(ctx, a)
				if err != nil {
					return err
				}
				if keep {
					filtered = append(filtered, a)
				}
			}
			*grp = filtered
		}
	}
	return nil
}

func (e *Engine) existsAtDestination(ctx context.Context, a reconcile.Action) (bool, error) {
	switch a.Type {
	case reconcile.Upload:
		return e.cfg.Remote.Exists(ctx, a.Path)
	case reconcile.Download:
		return e.cfg.Local.Exists(ctx, a.Path)
	default:
		return true, nil
	}
}

// synthesizeForPaths builds Reconciler input directly from the
// storages' current view of paths, bypassing the Change Detector
// entirely (sync_files mode).
func (e *Engine) synthesizeForPaths(ctx context.Context, paths []relpath.Path, f *filter.Filter) (*reconcile.Groups, error) {
	cs := &detect.ChangeSet{}
	for _, p := range paths {
		if !f.ShouldSync(p) {
			continue
		}
		localItem, err := e.cfg.Local.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		remoteItem, err := e.cfg.Remote.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		switch {
		case localItem == nil && remoteItem == nil:
			continue
		case localItem != nil && remoteItem == nil:
			cs.Additions = append(cs.Additions, detect.Addition{Path: p, Item: localItem, Side: detect.Local})
		case localItem == nil && remoteItem != nil:
			cs.Additions = append(cs.Additions, detect.Addition{Path: p, Item: remoteItem, Side: detect.Remote})
		default:
			if bytes.Equal(localItem.ContentID(), remoteItem.ContentID()) &&
				localItem.Size == remoteItem.Size && localItem.IsDir == remoteItem.IsDir {
				continue // already identical; nothing to do
			}
			cs.Additions = append(cs.Additions,
				detect.Addition{Path: p, Item: localItem, Side: detect.Local},
				detect.Addition{Path: p, Item: remoteItem, Side: detect.Remote},
			)
		}
	}
	return reconcile.Reconcile(ctx, cs, nil, e.cfg.Local)
}

// commit persists every successfully executed Action (plus a
// best-effort append to the operation history) in one State Store
// transaction.
func (e *Engine) commit(ctx context.Context, completed []schedule.Completed) error {
	tx, err := e.cfg.Store.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("engine: opening commit transaction: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range completed {
		e.recordHistory(ctx, c, now)

		if !c.Success {
			continue
		}
		switch c.Action.Type {
		case reconcile.DeleteLocal, reconcile.DeleteRemote:
			if derr := tx.Delete(ctx, c.Action.Path); derr != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("engine: commit delete %s: %w", c.Action.Path, derr)
			}
		case reconcile.Upload, reconcile.Download:
			row := rowFor(c.Action, now)
			if row == nil {
				continue
			}
			if uerr := tx.Upsert(ctx, row); uerr != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("engine: commit upsert %s: %w", c.Action.Path, uerr)
			}
		}
	}

	if cerr := tx.Commit(ctx); cerr != nil {
		return fmt.Errorf("engine: commit transaction: %w", cerr)
	}
	return nil
}

func (e *Engine) recordHistory(ctx context.Context, c schedule.Completed, now time.Time) {
	op := &state.CompletedOperation{
		Path:        c.Action.Path,
		Type:        string(c.Action.Type),
		Success:     c.Success,
		StartedAt:   now,
		CompletedAt: now,
	}
	if c.Action.RenamedFrom != nil {
		op.RenamedFrom = *c.Action.RenamedFrom
	}
	if c.Action.RenamedTo != nil {
		op.RenamedTo = *c.Action.RenamedTo
	}
	switch {
	case c.Action.LocalItem != nil:
		op.IsDir = c.Action.LocalItem.IsDir
		op.Size = c.Action.LocalItem.Size
		op.Source = state.SourceLocal
	case c.Action.RemoteItem != nil:
		op.IsDir = c.Action.RemoteItem.IsDir
		op.Size = c.Action.RemoteItem.Size
		op.Source = state.SourceRemote
	}
	if err := e.cfg.Store.AppendOperation(ctx, op); err != nil {
		slog.Warn("engine: recording completed operation failed", "path", c.Action.Path, "error", err)
	}
}

// rowFor derives the post-transfer SyncState row for a successfully
// executed Upload/Download: content now matches on both sides, so the
// row is Synced with identical hash/size on both sides.
func rowFor(a reconcile.Action, now time.Time) *state.State {
	item := a.LocalItem
	if item == nil {
		item = a.RemoteItem
	}
	if item == nil {
		return nil
	}
	row := &state.State{
		Path:         a.Path,
		IsDir:        item.IsDir,
		LocalHash:    item.ContentID(),
		RemoteHash:   item.ContentID(),
		LocalSize:    item.Size,
		RemoteSize:   item.Size,
		Status:       state.StatusSynced,
		LastSyncTime: &now,
	}
	if !item.LastModified.IsZero() {
		t := item.LastModified
		row.LocalModified = &t
		row.RemoteModified = &t
	}
	return row
}
