package tests

import (
	"context"
	stdsync "sync"

	"golang.org/x/xerrors"

	"Inkwell/backend/sync"
	"Inkwell/backend/types"
)

// InsertAt builds a full-coverage text edit inserting s at pos into a
// document of docLen runes.
func InsertAt(docLen, pos int, s string) (types.Delta, error) {
	var ops []types.Operation
	if pos > 0 {
		ops = append(ops, types.TextRetain(pos))
	}
	ops = append(ops, types.TextInsert(s, nil))
	if rest := docLen - pos; rest > 0 {
		ops = append(ops, types.TextRetain(rest))
	}
	return types.NewTextDelta(ops)
}

// DeleteAt builds a full-coverage text edit deleting n runes at pos from a
// document of docLen runes.
func DeleteAt(docLen, pos, n int) (types.Delta, error) {
	var ops []types.Operation
	if pos > 0 {
		ops = append(ops, types.TextRetain(pos))
	}
	ops = append(ops, types.TextDelete(n))
	if rest := docLen - pos - n; rest > 0 {
		ops = append(ops, types.TextRetain(rest))
	}
	return types.NewTextDelta(ops)
}

// AppliedCall records one ApplyDelta submission seen by the scripted
// authority.
type AppliedCall struct {
	RevNum int
	Delta  types.Delta
}

// ApplyScript produces the response for one ApplyDelta call.
type ApplyScript func(revNum int, delta types.Delta) (int, types.Delta, error)

type remoteEntry struct {
	revNum int
	delta  types.Delta
}

// ScriptedAuthority is a deterministic sync.Authority double: remote deltas
// are fed in explicitly, ApplyDelta responses follow a script (defaulting
// to accept-as-sent), and sends can be gated to hold them in flight.
type ScriptedAuthority struct {
	mu   stdsync.Mutex
	cond *stdsync.Cond

	snap    *types.Snapshot
	remote  []remoteEntry
	scripts []ApplyScript
	applied []AppliedCall
	gate    chan struct{}
	failure error
}

// NewScriptedAuthority returns an authority double serving snap.
func NewScriptedAuthority(snap *types.Snapshot) *ScriptedAuthority {
	a := &ScriptedAuthority{snap: snap}
	a.cond = stdsync.NewCond(&a.mu)
	return a
}

// FetchSnapshot implements sync.Authority.
func (a *ScriptedAuthority) FetchSnapshot(ctx context.Context) (*types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return nil, a.failure
	}
	return a.snap, nil
}

// FetchDeltaAfter implements sync.Authority: it blocks until PushRemote
// feeds an entry past revNum.
func (a *ScriptedAuthority) FetchDeltaAfter(ctx context.Context, revNum int) (int, types.Delta, error) {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		if a.failure != nil {
			return 0, nil, a.failure
		}
		for _, e := range a.remote {
			if e.revNum > revNum {
				return e.revNum, e.delta, nil
			}
		}
		a.cond.Wait()
	}
}

// ApplyDelta implements sync.Authority: it records the call, waits on the
// gate if one is armed, and answers with the next script (or accepts the
// delta as sent at revNum+1 with an empty correction).
func (a *ScriptedAuthority) ApplyDelta(ctx context.Context, revNum int, delta types.Delta) (int, types.Delta, error) {
	a.mu.Lock()
	if a.failure != nil {
		defer a.mu.Unlock()
		return 0, nil, a.failure
	}
	a.applied = append(a.applied, AppliedCall{RevNum: revNum, Delta: delta})
	gate := a.gate
	a.gate = nil
	var script ApplyScript
	if len(a.scripts) > 0 {
		script = a.scripts[0]
		a.scripts = a.scripts[1:]
	}
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}

	if script != nil {
		return script(revNum, delta)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if revNum != a.snap.RevNum() {
		return 0, nil, xerrors.Errorf("unscripted apply at revision %d, authority at %d",
			revNum, a.snap.RevNum())
	}
	contents, err := a.snap.Contents().Compose(delta, true)
	if err != nil {
		return 0, nil, err
	}
	snap, err := types.NewSnapshot(revNum+1, contents)
	if err != nil {
		return 0, nil, err
	}
	a.snap = snap
	correction, err := types.EmptyDelta(delta.Kind())
	if err != nil {
		return 0, nil, err
	}
	return snap.RevNum(), correction, nil
}

// PushRemote feeds a remote delta for long-pollers to pick up.
func (a *ScriptedAuthority) PushRemote(revNum int, delta types.Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote = append(a.remote, remoteEntry{revNum: revNum, delta: delta})
	a.cond.Broadcast()
}

// ScriptApply appends a response script for a future ApplyDelta call.
func (a *ScriptedAuthority) ScriptApply(script ApplyScript) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, script)
}

// GateApply holds the next ApplyDelta in flight until the returned release
// function is called.
func (a *ScriptedAuthority) GateApply() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()
	return func() { close(gate) }
}

// SetFailure makes every subsequent call fail with err (nil restores
// normal operation).
func (a *ScriptedAuthority) SetFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failure = err
	a.cond.Broadcast()
}

// AppliedCalls returns the recorded ApplyDelta submissions.
func (a *ScriptedAuthority) AppliedCalls() []AppliedCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AppliedCall, len(a.applied))
	copy(out, a.applied)
	return out
}

var _ sync.Authority = (*ScriptedAuthority)(nil)
