// Package resolver implements the conflict resolver contract: given a
// detected conflict, return a resolution verdict, optionally deferring
// to a caller-supplied callback.
package resolver

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/storage"
)

// Verdict is the resolver's decision for one conflict.
type Verdict string

const (
	UseLocal    Verdict = "use_local"
	UseRemote   Verdict = "use_remote"
	Skip        Verdict = "skip"
	RenameLocal Verdict = "rename_local"
	RenameRemote Verdict = "rename_remote"
	Ask         Verdict = "ask"
)

// Kind classifies the shape of a conflict.
type Kind string

const (
	KindBothModified                   Kind = "both_modified"
	KindDeletedLocallyModifiedRemotely Kind = "deleted_locally_modified_remotely"
	KindModifiedLocallyDeletedRemotely Kind = "modified_locally_deleted_remotely"
	KindTypeConflict                   Kind = "type_conflict"
	KindBothCreated                    Kind = "both_created"
)

// Conflict describes one path in contention between the local and
// remote sides.
type Conflict struct {
	Path       relpath.Path
	Kind       Kind
	LocalItem  *storage.Item
	RemoteItem *storage.Item
}

// Analysis is handed to any supplied callback so a human-facing caller
// can present a recommendation to a user.
type Analysis struct {
	Conflict       Conflict
	LocalSize      uint64
	RemoteSize     uint64
	ModTimeDelta   time.Duration
	LocalNewer     bool
	RemoteNewer    bool
	LikelyBinary   bool
	Recommendation Verdict
}

// Callback lets a caller override or confirm a recommendation,
// typically by prompting a user. It receives the Analysis and returns
// the final verdict to apply.
type Callback func(ctx context.Context, analysis Analysis) Verdict

// Resolver is the conflict resolution contract.
type Resolver interface {
	Resolve(ctx context.Context, conflict Conflict) Verdict
}

// Default returns a constant verdict chosen at construction. If that
// verdict is Ask, resolution defers to callback, falling back to Skip
// when none is supplied.
type Default struct {
	Verdict  Verdict
	Callback Callback
}

// NewDefault builds a Default resolver with a fixed verdict.
func NewDefault(v Verdict) *Default {
	return &Default{Verdict: v}
}

func (d *Default) Resolve(ctx context.Context, conflict Conflict) Verdict {
	v := d.Verdict
	if v != Ask {
		return v
	}
	if d.Callback == nil {
		return Skip
	}
	return d.Callback(ctx, analyze(conflict, d.Verdict))
}

// binaryExtensions is a small heuristic set used to guess whether a
// file's content is likely binary. The guess is reported to callbacks
// as Analysis.LikelyBinary; it does not change the recommended verdict.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".zip": true,
	".tar": true, ".gz": true, ".pdf": true, ".exe": true, ".bin": true,
	".sqlite": true, ".db": true, ".so": true, ".dll": true, ".dylib": true,
}

// Smart analyses sizes, modified-time delta, and a file-extension
// heuristic, and recommends a verdict. Ask recommendations
// (TypeConflict) always defer to Callback, falling back to Skip.
type Smart struct {
	Callback Callback
}

// NewSmart builds a Smart resolver. callback may be nil, in which case
// TypeConflict recommendations fall back to Skip.
func NewSmart(callback Callback) *Smart {
	return &Smart{Callback: callback}
}

func (s *Smart) Resolve(ctx context.Context, conflict Conflict) Verdict {
	recommendation := recommend(conflict)
	analysis := analyze(conflict, recommendation)

	if recommendation != Ask {
		return recommendation
	}
	if s.Callback == nil {
		return Skip
	}
	return s.Callback(ctx, analysis)
}

func recommend(c Conflict) Verdict {
	switch c.Kind {
	case KindDeletedLocallyModifiedRemotely:
		return UseRemote
	case KindModifiedLocallyDeletedRemotely:
		return UseLocal
	case KindBothModified, KindBothCreated:
		localTime, remoteTime := modTimes(c)
		if remoteTime.After(localTime) {
			return UseRemote
		}
		return UseLocal
	case KindTypeConflict:
		return Ask
	default:
		return Ask
	}
}

func modTimes(c Conflict) (local, remote time.Time) {
	if c.LocalItem != nil {
		local = c.LocalItem.LastModified
	}
	if c.RemoteItem != nil {
		remote = c.RemoteItem.LastModified
	}
	return local, remote
}

func analyze(c Conflict, recommendation Verdict) Analysis {
	localTime, remoteTime := modTimes(c)
	delta := remoteTime.Sub(localTime)
	if delta < 0 {
		delta = -delta
	}

	a := Analysis{
		Conflict:       c,
		ModTimeDelta:   delta,
		LocalNewer:     localTime.After(remoteTime),
		RemoteNewer:    remoteTime.After(localTime),
		LikelyBinary:   isLikelyBinary(c.Path),
		Recommendation: recommendation,
	}
	if c.LocalItem != nil {
		a.LocalSize = c.LocalItem.Size
	}
	if c.RemoteItem != nil {
		a.RemoteSize = c.RemoteItem.Size
	}
	return a
}

func isLikelyBinary(path relpath.Path) bool {
	ext := strings.ToLower(filepath.Ext(string(path)))
	return binaryExtensions[ext]
}

var _ Resolver = (*Default)(nil)
var _ Resolver = (*Smart)(nil)
