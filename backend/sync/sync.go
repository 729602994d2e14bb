// Package sync defines the client-side reconciler and the two external
// capabilities it is driven by: the editing surface producing local edits
// and the remote authority holding the document's revision history.
package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"Inkwell/backend/machine"
	"Inkwell/backend/types"
)

// ErrUnavailable is returned (or wrapped) by Authority implementations when
// the backend cannot be reached. The reconciler treats it as transient and
// retries after its restart backoff.
var ErrUnavailable = xerrors.New("authority unavailable")

// Reconciler states, exported so callers can wait on them.
const (
	StateDetached   machine.State = "detached"
	StateStarting   machine.State = "starting"
	StateIdle       machine.State = "idle"
	StateCollecting machine.State = "collecting"
	StateMerging    machine.State = "merging"
	StateErrorWait  machine.State = "errorWait"
)

// Edit is one local edit observed on the editing surface. Source
// disambiguates reconciler-originated pushes from genuine user edits.
type Edit struct {
	Delta  types.Delta
	Source string
}

// Surface is the external editing capability. The reconciler never renders;
// it pushes snapshots and deltas in and observes the edit chain through an
// explicit cursor, consuming each edit exactly once.
type Surface interface {
	// SetSnapshot replaces the surface's whole document.
	SetSnapshot(snap *types.Snapshot, source string) error

	// ApplyDelta applies an incremental delta, tagged with the pusher's
	// source marker so the feedback edit can be recognized. cursor is how
	// far along the edit chain the pusher has read; the delta's base
	// excludes everything past it, and the surface must rebase the push
	// and the unread edits against each other so both stay applicable.
	ApplyDelta(delta types.Delta, source string, cursor int) error

	// NextEdit blocks until an edit past cursor exists and returns it with
	// the cursor to read from next.
	NextEdit(ctx context.Context, cursor int) (Edit, int, error)

	// EditNow is the non-blocking form of NextEdit.
	EditNow(cursor int) (Edit, int, bool)

	// SetReadOnly toggles whether the surface accepts user edits; the
	// reconciler disables the surface while recovering from a failure.
	SetReadOnly(readOnly bool)
}

// Authority is the remote document authority.
type Authority interface {
	// FetchSnapshot returns the current document snapshot.
	FetchSnapshot(ctx context.Context) (*types.Snapshot, error)

	// FetchDeltaAfter long-polls for history past revNum: it must not
	// return before at least one later change exists. It returns the new
	// revision and the composed delta covering everything after revNum.
	FetchDeltaAfter(ctx context.Context, revNum int) (int, types.Delta, error)

	// ApplyDelta submits a delta based on revNum and returns the resulting
	// revision along with the correction delta covering whatever the
	// client did not know about when it sent its edit.
	ApplyDelta(ctx context.Context, revNum int, delta types.Delta) (int, types.Delta, error)
}

// Reconciler converges a local document against the authority.
type Reconciler interface {
	// Start begins synchronizing. It is also how the reconciler is kicked
	// back to life from errorWait.
	Start() error

	// Stop halts the reconciler permanently.
	Stop() error

	// Snapshot returns the current local snapshot (nil before the first
	// one arrives).
	Snapshot() *types.Snapshot

	// WaitFor blocks until the reconciler enters the given state.
	WaitFor(ctx context.Context, st machine.State) error
}

// Configuration carries everything a reconciler needs. Zero delays are
// replaced by the defaults below.
type Configuration struct {
	Surface   Surface
	Authority Authority

	// SourceID marks deltas this reconciler pushes into the surface, so
	// its own writes are not observed back as user edits. Defaults to a
	// fresh xid.
	SourceID string

	// AuthorID attributes outgoing changes. Defaults to SourceID.
	AuthorID string

	// CoalesceDelay is how long to keep collecting local edits before a
	// send, so bursts of typing travel as one delta.
	CoalesceDelay time.Duration

	// PacingDelay spaces out remote polls after a received delta.
	PacingDelay time.Duration

	// RestartBackoff is the errorWait delay before a full restart.
	RestartBackoff time.Duration

	Log zerolog.Logger
}

// Defaults for Configuration delays.
const (
	DefaultCoalesceDelay  = 250 * time.Millisecond
	DefaultPacingDelay    = 100 * time.Millisecond
	DefaultRestartBackoff = 10 * time.Second
)
