package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/resolver"
)

// State is the Engine's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Options configures one run of Synchronize/Preview/SyncPlan/
// SyncFolder/SyncFiles.
type Options struct {
	PreservePermissions bool
	PreserveTimestamps  bool
	FollowSymlinks      bool
	DryRun              bool
	// Verbose is consumed by the caller's own logger setup (e.g.
	// internal/logging.Options.Level); the Engine itself logs at a
	// fixed level via the package-level slog default.
	Verbose      bool
	ChecksumOnly bool
	SizeOnly     bool

	// DeleteExtraneous gates whether paths missing from exactly one
	// side are ever propagated as deletions. nil defaults to true:
	// without it, deletion propagation would silently stop working for
	// every caller that doesn't know to ask for it.
	DeleteExtraneous *bool
	// UpdateExisting restricts Upload/Download Actions to paths that
	// already exist at the destination, skipping new-file transfers
	// (checked against the destination storage directly, since
	// Actions don't otherwise carry "did the destination have this
	// already" information).
	UpdateExisting bool

	// ConflictResolution, when non-nil and not resolver.Ask, overrides
	// the configured Resolver for this run only.
	ConflictResolution *resolver.Verdict

	// TimeoutSeconds, when positive, cancels the run's context after
	// this many seconds.
	TimeoutSeconds int

	// ExcludePatterns are merged with the Engine's configured filter
	// for this run only.
	ExcludePatterns []string

	MaxBytesPerSecond int64

	CreateVirtualFilePlaceholders bool
	VirtualFileCallback           func(ctx context.Context, path relpath.Path) error
}

func (o Options) deleteExtraneous() bool {
	if o.DeleteExtraneous == nil {
		return true
	}
	return *o.DeleteExtraneous
}

// Result is the outcome of one run.
type Result struct {
	// RunID identifies this run on the engine's run-level log lines
	// (start, completion, failure, cancellation). Progress events and
	// the scheduler's own log lines do not carry it.
	RunID             string
	Success           bool
	Elapsed           time.Duration
	FilesSynchronized int64
	FilesSkipped      int64
	FilesConflicted   int64
	FilesDeleted      int64
	Error             error
}

func newRunID() string {
	return uuid.NewString()
}
