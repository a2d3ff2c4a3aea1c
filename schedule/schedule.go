// Package schedule implements the scheduler: it executes the
// reconciler's five Action groups in three phases with bounded
// parallelism, pause/cancellation support, conflict resolution, and
// atomic progress counters.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/syncmesh/engine/ratelimit"
	"github.com/syncmesh/engine/reconcile"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/resolver"
	"github.com/syncmesh/engine/storage"
)

// Operation identifies what the engine is currently doing, for
// progress events.
type Operation string

const (
	OpScanning           Operation = "scanning"
	OpDownloading        Operation = "downloading"
	OpUploading          Operation = "uploading"
	OpDeleting           Operation = "deleting"
	OpCreatingDirectory  Operation = "creating_directory"
	OpResolvingConflict  Operation = "resolving_conflict"
	OpPaused             Operation = "paused"
	OpUnknown            Operation = "unknown"
)

// Progress is a coarse-grained progress event.
type Progress struct {
	Operation Operation
	Path      relpath.Path
	Completed int
	Total     int
}

// FileProgress reports byte-level progress for one transfer.
type FileProgress struct {
	Path             relpath.Path
	BytesTransferred int64
	TotalBytes       int64
	Direction        string // "upload" or "download"
}

// Events are the Scheduler's subscriber hooks. Any of them may be
// nil. Delivery is synchronous to the emitting goroutine; subscribers
// must not block for long.
type Events struct {
	OnProgress         func(Progress)
	OnFileProgress     func(FileProgress)
	OnConflictDetected func(resolver.Conflict)
}

// progressEveryN throttles per-completion progress events in Phase 1
// to every 10th completion.
const progressEveryN = 10

// Counters are the atomic run counters surfaced in SyncResult.
type Counters struct {
	FilesSynchronized atomic.Int64
	FilesSkipped      atomic.Int64
	FilesConflicted   atomic.Int64
	FilesDeleted      atomic.Int64
}

// Completed records the outcome of one executed Action, for the
// Engine's post-run state-store commit. DryRun actions are never
// recorded: nothing was actually written.
type Completed struct {
	Action  reconcile.Action
	Success bool
}

// Options configures one scheduler run (the subset of Sync Options
// the Scheduler itself honors; filter/resolver-selection options are
// applied earlier by the Engine).
type Options struct {
	MaxParallelism       int // P; default 4, floor 1
	PreserveTimestamps   bool
	PreservePermissions  bool
	DryRun               bool

	// ConflictOverride, when non-nil and not resolver.Ask, is used
	// instead of invoking the configured Resolver for this run.
	ConflictOverride *resolver.Verdict

	MaxBytesPerSecond int64

	CreateVirtualFilePlaceholders bool
	VirtualFileCallback           func(ctx context.Context, path relpath.Path) error
}

func (o Options) parallelism() int {
	if o.MaxParallelism > 0 {
		return o.MaxParallelism
	}
	return 4
}

// Scheduler executes Action groups against a local/remote storage
// pair.
type Scheduler struct {
	Local    storage.Storage
	Remote   storage.Storage
	Resolver resolver.Resolver
	Options  Options
	Events   Events
	Gate     *Gate

	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter
	counters        Counters

	completedMu sync.Mutex
	completed   []Completed
}

// New builds a Scheduler. gate may be nil, in which case pause/resume
// is a no-op (an always-open gate is used).
func New(local, remote storage.Storage, res resolver.Resolver, opts Options, events Events, gate *Gate) *Scheduler {
	if gate == nil {
		gate = NewGate()
	}
	return &Scheduler{
		Local:           local,
		Remote:          remote,
		Resolver:        res,
		Options:         opts,
		Events:          events,
		Gate:            gate,
		uploadLimiter:   ratelimit.New(opts.MaxBytesPerSecond),
		downloadLimiter: ratelimit.New(opts.MaxBytesPerSecond),
	}
}

// CountersSnapshot returns a snapshot of the run's atomic counters.
func (s *Scheduler) CountersSnapshot() Counters {
	var c Counters
	c.FilesSynchronized.Store(s.counters.FilesSynchronized.Load())
	c.FilesSkipped.Store(s.counters.FilesSkipped.Load())
	c.FilesConflicted.Store(s.counters.FilesConflicted.Load())
	c.FilesDeleted.Store(s.counters.FilesDeleted.Load())
	return c
}

// Completed returns a snapshot of every non-dry-run Action executed
// this run, successful or not, for the Engine's post-run commit.
func (s *Scheduler) Completed() []Completed {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	out := make([]Completed, len(s.completed))
	copy(out, s.completed)
	return out
}

func (s *Scheduler) record(action reconcile.Action, success bool) {
	if s.Options.DryRun {
		return
	}
	s.completedMu.Lock()
	s.completed = append(s.completed, Completed{Action: action, Success: success})
	s.completedMu.Unlock()
}

// Run executes all three phases in order and returns once Phase 3
// completes, ctx is cancelled, or a fatal (non-per-Action) error
// occurs.
func (s *Scheduler) Run(ctx context.Context, groups *reconcile.Groups) error {
	for _, rp := range extractRenamePairs(groups) {
		if err := s.gateAndCheck(ctx); err != nil {
			return err
		}
		s.executeRename(ctx, rp)
	}

	phase1 := append(append([]reconcile.Action{}, groups.Directories...), groups.SmallFiles...)
	if err := s.runConcurrentPhase(ctx, phase1, 2*s.Options.parallelism(), true); err != nil {
		return err
	}

	if err := s.runConcurrentPhase(ctx, groups.LargeFiles, max(1, s.Options.parallelism()/2), false); err != nil {
		return err
	}

	for _, action := range groups.Conflicts {
		if err := s.gateAndCheck(ctx); err != nil {
			return err
		}
		s.executeConflict(ctx, action)
	}

	deletes := append([]reconcile.Action{}, groups.Deletes...)
	sort.SliceStable(deletes, func(i, j int) bool {
		return deletes[i].Path.Depth() > deletes[j].Path.Depth()
	})
	for _, action := range deletes {
		if err := s.gateAndCheck(ctx); err != nil {
			return err
		}
		s.executeDelete(ctx, action)
	}

	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Scheduler) gateAndCheck(ctx context.Context) error {
	if err := s.Gate.Wait(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) runConcurrentPhase(ctx context.Context, actions []reconcile.Action, concurrency int, throttleProgress bool) error {
	if len(actions) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	var completed atomic.Int64
	total := len(actions)

	for _, action := range actions {
		action := action
		if err := sem.Acquire(gctx, 1); err != nil {
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)

			if err := s.gateAndCheck(gctx); err != nil {
				return err
			}
			s.executeTransferOrDirectory(gctx, action)

			n := completed.Add(1)
			if !throttleProgress || n%progressEveryN == 0 || int(n) == total {
				s.emitProgress(Progress{Operation: operationFor(action), Path: action.Path, Completed: int(n), Total: total})
			}
			return nil
		})
	}

	return g.Wait()
}

func operationFor(a reconcile.Action) Operation {
	switch a.Type {
	case reconcile.Upload:
		return OpUploading
	case reconcile.Download:
		return OpDownloading
	case reconcile.DeleteLocal, reconcile.DeleteRemote:
		return OpDeleting
	case reconcile.ConflictType:
		return OpResolvingConflict
	default:
		return OpUnknown
	}
}

func (s *Scheduler) emitProgress(p Progress) {
	if s.Events.OnProgress != nil {
		s.Events.OnProgress(p)
	}
}

func (s *Scheduler) emitFileProgress(p FileProgress) {
	if s.Events.OnFileProgress != nil {
		s.Events.OnFileProgress(p)
	}
}

func (s *Scheduler) executeTransferOrDirectory(ctx context.Context, action reconcile.Action) {
	item := action.LocalItem
	if action.Type == reconcile.Download {
		item = action.RemoteItem
	}
	if item != nil && item.IsDir {
		s.executeCreateDirectory(ctx, action)
		return
	}

	var err error
	switch action.Type {
	case reconcile.Upload:
		err = s.transfer(ctx, s.Local, s.Remote, action.Path, item, "upload", s.uploadLimiter)
	case reconcile.Download:
		err = s.transfer(ctx, s.Remote, s.Local, action.Path, item, "download", s.downloadLimiter)
		if err == nil && s.Options.CreateVirtualFilePlaceholders && s.Options.VirtualFileCallback != nil {
			if cbErr := s.Options.VirtualFileCallback(ctx, action.Path); cbErr != nil {
				slog.Warn("virtual file callback failed, file stays materialised", "path", action.Path, "error", cbErr)
			}
		}
	default:
		err = fmt.Errorf("unexpected action type in transfer phase: %s", action.Type)
	}

	if err != nil {
		slog.Warn("scheduler: action failed, skipping", "path", action.Path, "type", action.Type, "error", err)
		s.counters.FilesSkipped.Add(1)
		s.record(action, false)
		return
	}
	s.counters.FilesSynchronized.Add(1)
	s.record(action, true)
}

func (s *Scheduler) executeCreateDirectory(ctx context.Context, action reconcile.Action) {
	if s.Options.DryRun {
		s.counters.FilesSynchronized.Add(1)
		return
	}

	dst := s.Remote
	if action.Type == reconcile.Download {
		dst = s.Local
	}
	if err := dst.CreateDirectory(ctx, action.Path); err != nil {
		slog.Warn("scheduler: create directory failed, skipping", "path", action.Path, "error", err)
		s.counters.FilesSkipped.Add(1)
		s.record(action, false)
		return
	}
	s.counters.FilesSynchronized.Add(1)
	s.record(action, true)
}

func (s *Scheduler) transfer(ctx context.Context, src, dst storage.Storage, path relpath.Path, item *storage.Item, direction string, limiter *ratelimit.Limiter) error {
	if s.Options.DryRun {
		return nil
	}

	r, err := src.Read(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	size := int64(0)
	if item != nil {
		size = int64(item.Size)
	}

	limited := limiter.WrapReader(ctx, r)
	if err := dst.Write(ctx, path, limited, size); err != nil {
		return err
	}
	s.emitFileProgress(FileProgress{Path: path, BytesTransferred: size, TotalBytes: size, Direction: direction})
	slog.Info("scheduler: transfer complete", "path", path, "direction", direction, "size", humanize.Bytes(uint64(size)))

	if item == nil {
		return nil
	}
	if s.Options.PreserveTimestamps {
		if setter, ok := dst.(storage.TimestampSetter); ok {
			if err := setter.SetLastModified(ctx, path, item.LastModified); err != nil {
				slog.Warn("scheduler: preserve timestamp failed", "path", path, "error", err)
			}
		}
	}
	if s.Options.PreservePermissions && item.Permissions != "" {
		if setter, ok := dst.(storage.PermissionSetter); ok {
			if err := setter.SetPermissions(ctx, path, item.Permissions); err != nil {
				slog.Warn("scheduler: preserve permissions failed", "path", path, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) executeConflict(ctx context.Context, action reconcile.Action) {
	conflict := resolver.Conflict{
		Path:       action.Path,
		Kind:       action.ConflictKind,
		LocalItem:  action.LocalItem,
		RemoteItem: action.RemoteItem,
	}
	if s.Events.OnConflictDetected != nil {
		s.Events.OnConflictDetected(conflict)
	}
	s.emitProgress(Progress{Operation: OpResolvingConflict, Path: action.Path})

	verdict := s.resolveVerdict(ctx, conflict)

	switch verdict {
	case resolver.Skip:
		s.counters.FilesSkipped.Add(1)
		return
	case resolver.UseLocal:
		s.applyConflictDirection(ctx, action, true)
	case resolver.UseRemote:
		s.applyConflictDirection(ctx, action, false)
	case resolver.RenameLocal, resolver.RenameRemote:
		// Reserved: counted as conflicted but not executed.
	}
	s.counters.FilesConflicted.Add(1)
}

func (s *Scheduler) resolveVerdict(ctx context.Context, conflict resolver.Conflict) resolver.Verdict {
	if s.Options.ConflictOverride != nil && *s.Options.ConflictOverride != resolver.Ask {
		return *s.Options.ConflictOverride
	}
	return s.Resolver.Resolve(ctx, conflict)
}

func (s *Scheduler) applyConflictDirection(ctx context.Context, action reconcile.Action, useLocal bool) {
	var err error
	resolved := action
	switch {
	case useLocal && action.LocalItem == nil:
		resolved.Type = reconcile.DeleteRemote
		err = s.remoteDelete(ctx, action.Path)
	case useLocal:
		resolved.Type = reconcile.Upload
		err = s.transfer(ctx, s.Local, s.Remote, action.Path, action.LocalItem, "upload", s.uploadLimiter)
	case !useLocal && action.RemoteItem == nil:
		resolved.Type = reconcile.DeleteLocal
		err = s.localDelete(ctx, action.Path)
	default:
		resolved.Type = reconcile.Download
		err = s.transfer(ctx, s.Remote, s.Local, action.Path, action.RemoteItem, "download", s.downloadLimiter)
	}
	if err != nil {
		slog.Warn("scheduler: conflict resolution action failed", "path", action.Path, "error", err)
	}
	s.record(resolved, err == nil)
}

func (s *Scheduler) executeDelete(ctx context.Context, action reconcile.Action) {
	s.emitProgress(Progress{Operation: OpDeleting, Path: action.Path})

	var err error
	switch action.Type {
	case reconcile.DeleteLocal:
		err = s.localDelete(ctx, action.Path)
	case reconcile.DeleteRemote:
		err = s.remoteDelete(ctx, action.Path)
	}
	if err != nil {
		slog.Warn("scheduler: delete failed, skipping", "path", action.Path, "error", err)
		s.counters.FilesSkipped.Add(1)
		s.record(action, false)
		return
	}
	s.counters.FilesDeleted.Add(1)
	s.record(action, true)
}

// renamePair is a matched delete/upload Action pair derived from the
// same pending rename: path moved from del.Path to upload.Path.
type renamePair struct {
	del    reconcile.Action
	upload reconcile.Action
}

// extractRenamePairs pulls every matched rename pair out of groups'
// Deletes and transfer slices, leaving the unmatched remainder of each
// group in place for the normal three-phase execution.
func extractRenamePairs(groups *reconcile.Groups) []renamePair {
	var pairs []renamePair
	remainingDeletes := groups.Deletes[:0:0]

	for _, d := range groups.Deletes {
		if d.IsRename && d.RenamedTo != nil {
			if upload, ok := removeUploadAction(groups, *d.RenamedTo, d.Path); ok {
				pairs = append(pairs, renamePair{del: d, upload: upload})
				continue
			}
		}
		remainingDeletes = append(remainingDeletes, d)
	}
	groups.Deletes = remainingDeletes
	return pairs
}

// removeUploadAction finds and removes, from whichever transfer group
// holds it, the Upload Action for path carrying renamedFrom.
func removeUploadAction(groups *reconcile.Groups, path, renamedFrom relpath.Path) (reconcile.Action, bool) {
	for _, group := range []*[]reconcile.Action{&groups.Directories, &groups.SmallFiles, &groups.LargeFiles} {
		for i, a := range *group {
			if a.Type == reconcile.Upload && a.IsRename && a.RenamedFrom != nil &&
				a.Path.Key() == path.Key() && a.RenamedFrom.Key() == renamedFrom.Key() {
				action := a
				*group = append((*group)[:i], (*group)[i+1:]...)
				return action, true
			}
		}
	}
	return reconcile.Action{}, false
}

// executeRename attempts to coalesce a delete/upload pair into one
// storage.Move call against the remote, so a backend implementing the
// Mover capability renames natively instead of the engine emulating it
// as a full re-upload followed by a delete. If the coalesce fails (the
// old path was never synced remotely, say), it falls back to the
// ordinary delete-then-upload.
func (s *Scheduler) executeRename(ctx context.Context, rp renamePair) {
	if s.Options.DryRun {
		s.counters.FilesSynchronized.Add(1)
		s.record(rp.del, true)
		s.record(rp.upload, true)
		return
	}

	s.emitProgress(Progress{Operation: OpUploading, Path: rp.upload.Path})
	if err := storage.Move(ctx, s.Remote, rp.del.Path, rp.upload.Path); err == nil {
		s.counters.FilesSynchronized.Add(1)
		s.record(rp.del, true)
		s.record(rp.upload, true)
		return
	}

	s.executeDelete(ctx, rp.del)
	s.executeTransferOrDirectory(ctx, rp.upload)
}

func (s *Scheduler) localDelete(ctx context.Context, path relpath.Path) error {
	if s.Options.DryRun {
		return nil
	}
	return s.Local.Delete(ctx, path)
}

func (s *Scheduler) remoteDelete(ctx context.Context, path relpath.Path) error {
	if s.Options.DryRun {
		return nil
	}
	return s.Remote.Delete(ctx, path)
}
