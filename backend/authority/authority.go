// Package authority holds the in-memory document authority: the single
// writer owning a document's revision history. Concurrent submissions are
// rebased over the history the submitter had not yet seen, and the rebase
// residue travels back to the submitter as a correction delta.
package authority

import (
	"context"
	stdsync "sync"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"Inkwell/backend/sync"
	"Inkwell/backend/types"
)

// Doc is one document under authority control.
//
// - implements sync.Authority
type Doc struct {
	log zerolog.Logger

	mu   stdsync.Mutex
	cond *stdsync.Cond

	snap    *types.Snapshot
	baseRev int
	// history[i] produced revision baseRev+i+1.
	history []types.Change
}

// NewDoc creates an authority seeded with the given snapshot.
func NewDoc(initial *types.Snapshot, log zerolog.Logger) *Doc {
	d := &Doc{
		log:     log.With().Str("role", "authority").Logger(),
		snap:    initial,
		baseRev: initial.RevNum(),
	}
	d.cond = stdsync.NewCond(&d.mu)
	return d
}

// FetchSnapshot implements sync.Authority.
func (d *Doc) FetchSnapshot(ctx context.Context) (*types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap, nil
}

// FetchDeltaAfter implements sync.Authority. It parks the caller until at
// least one change past revNum exists.
func (d *Doc) FetchDeltaAfter(ctx context.Context, revNum int) (int, types.Delta, error) {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	if revNum > d.snap.RevNum() {
		return 0, nil, xerrors.Errorf("revision %d is ahead of the document (at %d)",
			revNum, d.snap.RevNum())
	}
	if revNum < d.baseRev {
		return 0, nil, xerrors.Errorf("revision %d predates retained history (from %d)",
			revNum, d.baseRev)
	}

	for d.snap.RevNum() <= revNum {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		d.cond.Wait()
	}

	delta, err := d.composeAfterLocked(revNum)
	if err != nil {
		return 0, nil, err
	}
	return d.snap.RevNum(), delta, nil
}

// ApplyDelta implements sync.Authority. A delta based on an older revision
// is rebased over everything submitted since; the returned correction is
// that intervening history rebased over the submission, i.e. exactly what
// the submitter must apply locally to converge.
func (d *Doc) ApplyDelta(ctx context.Context, revNum int, delta types.Delta) (int, types.Delta, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if delta == nil {
		return 0, nil, xerrors.New("nil delta")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if kind := d.snap.Contents().Kind(); delta.Kind() != kind {
		return 0, nil, xerrors.Errorf("kind %s delta against a %s document", delta.Kind(), kind)
	}
	if revNum > d.snap.RevNum() {
		return 0, nil, xerrors.Errorf("revision %d is ahead of the document (at %d)",
			revNum, d.snap.RevNum())
	}
	if revNum < d.baseRev {
		return 0, nil, xerrors.Errorf("revision %d predates retained history (from %d)",
			revNum, d.baseRev)
	}

	intervening, err := d.composeAfterLocked(revNum)
	if err != nil {
		return 0, nil, err
	}

	rebased := delta
	correction, err := types.EmptyDelta(delta.Kind())
	if err != nil {
		return 0, nil, err
	}
	if !intervening.IsEmpty() {
		// The history was committed first, so it wins ties.
		rebased, err = intervening.Transform(delta, true)
		if err != nil {
			return 0, nil, xerrors.Errorf("failed to rebase delta over history: %v", err)
		}
		correction, err = delta.Transform(intervening, false)
		if err != nil {
			return 0, nil, xerrors.Errorf("failed to derive correction: %v", err)
		}
	}

	newRev := d.snap.RevNum() + 1
	ch, err := types.NewChange(newRev, rebased)
	if err != nil {
		return 0, nil, err
	}
	if err := d.snap.ValidateChange(ch); err != nil {
		return 0, nil, xerrors.Errorf("rejected delta at revision %d: %v", revNum, err)
	}
	snap, err := d.snap.Compose(ch)
	if err != nil {
		return 0, nil, err
	}

	d.snap = snap
	d.history = append(d.history, ch)
	d.cond.Broadcast()
	d.log.Debug().Int("revNum", newRev).Int("base", revNum).
		Bool("rebased", !intervening.IsEmpty()).Msg("delta committed")

	return newRev, correction, nil
}

// RevNum returns the document's current revision number.
func (d *Doc) RevNum() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap.RevNum()
}

// Snapshot returns the current snapshot.
func (d *Doc) Snapshot() *types.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

// composeAfterLocked folds every change past revNum into one delta. The
// fold starts from the first change itself: the shared empty delta has no
// base length and cannot seed a fold over a non-empty document.
func (d *Doc) composeAfterLocked(revNum int) (types.Delta, error) {
	tail := d.history[revNum-d.baseRev:]
	if len(tail) == 0 {
		return types.EmptyDelta(d.snap.Contents().Kind())
	}
	acc := tail[0].Delta
	for _, ch := range tail[1:] {
		composed, err := acc.Compose(ch.Delta, false)
		if err != nil {
			return nil, err
		}
		acc = composed
	}
	return acc, nil
}

var _ sync.Authority = (*Doc)(nil)
