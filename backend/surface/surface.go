// Package surface provides an in-memory editing surface: the stand-in for
// a real editor that the reconciler drives. User edits enter through
// LocalEdit and accumulate on an append-only chain that the reconciler
// reads through a cursor; reconciler pushes are echoed onto the same chain
// tagged with the pusher's source marker.
package surface

import (
	"context"
	stdsync "sync"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"Inkwell/backend/sync"
	"Inkwell/backend/types"
)

// Pad is an in-memory editing surface.
//
// - implements sync.Surface
type Pad struct {
	log zerolog.Logger

	mu   stdsync.Mutex
	cond *stdsync.Cond

	contents types.Delta
	edits    []sync.Edit
	readOnly bool
}

// NewPad creates an empty surface. It accepts no edits until a snapshot is
// pushed in.
func NewPad(log zerolog.Logger) *Pad {
	p := &Pad{log: log.With().Str("role", "surface").Logger()}
	p.cond = stdsync.NewCond(&p.mu)
	return p
}

// LocalEdit is the user typing: it applies delta to the document and
// appends it to the edit chain under the given source marker.
func (p *Pad) LocalEdit(delta types.Delta, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.contents == nil {
		return xerrors.New("surface has no document yet")
	}
	if p.readOnly {
		return xerrors.New("surface is read-only")
	}
	return p.applyLocked(delta, source)
}

// EditWith builds and applies a user edit atomically: build sees the
// current contents with no push able to slide in before the edit lands.
func (p *Pad) EditWith(source string, build func(contents types.Delta) (types.Delta, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.contents == nil {
		return xerrors.New("surface has no document yet")
	}
	if p.readOnly {
		return xerrors.New("surface is read-only")
	}
	delta, err := build(p.contents)
	if err != nil {
		return err
	}
	return p.applyLocked(delta, source)
}

// SetSnapshot implements sync.Surface. The jump from the old document to
// the new one is echoed onto the chain as a diff, so readers mid-chain see
// the document move rather than silently shifting under them.
func (p *Pad) SetSnapshot(snap *types.Snapshot, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.contents != nil {
		echo, err := p.contents.Diff(snap.Contents())
		if err != nil {
			return err
		}
		p.contents = snap.Contents()
		p.edits = append(p.edits, sync.Edit{Delta: echo, Source: source})
	} else {
		p.contents = snap.Contents()
	}
	p.cond.Broadcast()
	p.log.Debug().Int("revNum", snap.RevNum()).Msg("snapshot set")
	return nil
}

// ApplyDelta implements sync.Surface. Pushes land even while read-only;
// the flag only gates user edits.
//
// The push is based on the chain as of cursor. Edits past the cursor were
// typed concurrently against the pre-push document, so the push is rebased
// over each of them in order, and each is rewritten rebased over the push,
// keeping both the current contents and future observations applicable.
func (p *Pad) ApplyDelta(delta types.Delta, source string, cursor int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.contents == nil {
		return xerrors.New("surface has no document yet")
	}
	if cursor < 0 || cursor > len(p.edits) {
		return xerrors.Errorf("cursor %d out of range [0, %d]", cursor, len(p.edits))
	}

	push := delta
	for i := cursor; i < len(p.edits); i++ {
		unread := p.edits[i].Delta
		// The push carries committed history, so it wins ties.
		rewritten, err := push.Transform(unread, true)
		if err != nil {
			return err
		}
		rebased, err := unread.Transform(push, false)
		if err != nil {
			return err
		}
		p.edits[i].Delta = rewritten
		push = rebased
	}

	return p.applyLocked(push, source)
}

// NextEdit implements sync.Surface.
func (p *Pad) NextEdit(ctx context.Context, cursor int) (sync.Edit, int, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	if cursor < 0 || cursor > len(p.edits) {
		return sync.Edit{}, 0, xerrors.Errorf("cursor %d out of range [0, %d]", cursor, len(p.edits))
	}
	for cursor >= len(p.edits) {
		if err := ctx.Err(); err != nil {
			return sync.Edit{}, 0, err
		}
		p.cond.Wait()
	}
	return p.edits[cursor], cursor + 1, nil
}

// EditNow implements sync.Surface.
func (p *Pad) EditNow(cursor int) (sync.Edit, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cursor < 0 || cursor >= len(p.edits) {
		return sync.Edit{}, cursor, false
	}
	return p.edits[cursor], cursor + 1, true
}

// SetReadOnly implements sync.Surface.
func (p *Pad) SetReadOnly(readOnly bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readOnly = readOnly
}

// Contents returns the current document.
func (p *Pad) Contents() types.Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contents
}

// ReadOnly reports whether user edits are currently refused.
func (p *Pad) ReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readOnly
}

// ChainLen returns how many edits are on the chain.
func (p *Pad) ChainLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.edits)
}

func (p *Pad) applyLocked(delta types.Delta, source string) error {
	contents, err := p.contents.Compose(delta, true)
	if err != nil {
		return err
	}
	p.contents = contents
	p.edits = append(p.edits, sync.Edit{Delta: delta, Source: source})
	p.cond.Broadcast()
	return nil
}

var _ sync.Surface = (*Pad)(nil)
