package impl

import (
	"context"
	stderrors "errors"
	"time"

	"Inkwell/backend/sync"
	"Inkwell/backend/types"
)

// onStart fetches the initial snapshot.
func (r *reconciler) onStart(args []any) error {
	r.log.Info().Msg("starting reconciler")
	r.m.Transition(sync.StateStarting)
	go r.fetchSnapshot()
	return nil
}

// onRestart clears all local sync state and starts over from scratch.
func (r *reconciler) onRestart(args []any) error {
	r.log.Info().Msg("restarting reconciler after backoff")
	r.snap = nil
	r.pending = nil
	r.localArmed = false
	r.pollArmed = false
	return r.onStart(args)
}

// onGotSnapshot installs the authoritative snapshot and begins the
// wantChanges cycle. Edits already sitting on the surface predate the
// snapshot and are dropped.
func (r *reconciler) onGotSnapshot(args []any) error {
	snap := args[0].(*types.Snapshot)
	r.snap = snap
	r.publish(snap)

	for {
		_, next, ok := r.conf.Surface.EditNow(r.cursor)
		if !ok {
			break
		}
		r.cursor = next
	}

	if err := r.conf.Surface.SetSnapshot(snap, r.conf.SourceID); err != nil {
		return err
	}
	r.conf.Surface.SetReadOnly(false)
	r.log.Info().Int("revNum", snap.RevNum()).Msg("snapshot installed")

	r.m.Transition(sync.StateIdle)
	return r.m.Enqueue(evWantChanges)
}

// onWantChanges arms the two observers: one waiting on the surface's edit
// chain, one long-polling the authority. Each is armed at most once; the
// flag is cleared when the corresponding event comes back. When consumed
// local edits are still pending from an earlier merge, they are sent first
// instead of arming the local observer, because the surface will never
// deliver them again.
func (r *reconciler) onWantChanges(args []any) error {
	if len(r.pending) > 0 {
		r.m.Transition(sync.StateCollecting)
		base := r.snap
		r.coalesce(func() {
			_ = r.m.Enqueue(evWantApplyDelta, base)
		})
		return nil
	}

	if !r.localArmed {
		r.localArmed = true
		go r.observeLocal(r.snap, r.cursor)
	}
	if !r.pollArmed {
		r.pollArmed = true
		go r.poll(r.snap)
	}
	return nil
}

// onGotDeltaAfter folds a remote delta into the local snapshot and pushes
// it into the surface. Responses based on a snapshot the reconciler has
// already moved past are dropped.
func (r *reconciler) onGotDeltaAfter(args []any) error {
	base := args[0].(*types.Snapshot)
	revNum := args[1].(int)
	delta := args[2].(types.Delta)
	r.pollArmed = false

	if base.RevNum() != r.snap.RevNum() {
		r.log.Debug().Int("base", base.RevNum()).Int("have", r.snap.RevNum()).
			Msg("dropping stale remote delta")
		return r.m.Enqueue(evWantChanges)
	}

	contents, err := r.snap.Contents().Compose(delta, true)
	if err != nil {
		return err
	}
	snap, err := types.NewSnapshot(revNum, contents)
	if err != nil {
		return err
	}
	r.snap = snap
	r.publish(snap)

	if err := r.conf.Surface.ApplyDelta(delta, r.conf.SourceID, r.cursor); err != nil {
		return err
	}
	r.log.Debug().Int("revNum", revNum).Msg("remote delta applied")

	// Space out the next poll so a chatty authority cannot monopolize
	// the worker.
	time.AfterFunc(r.conf.PacingDelay, func() {
		_ = r.m.Enqueue(evWantChanges)
	})
	return nil
}

// onStaleDeltaAfter handles poll responses landing outside idle. The
// payload is useless there but the armed flag must still clear so the
// next wantChanges re-polls.
func (r *reconciler) onStaleDeltaAfter(args []any) error {
	r.pollArmed = false
	return nil
}

// onGotLocalDelta consumes one observed edit and opens the coalescing
// window. Edits the reconciler pushed itself are skipped. If the snapshot
// moved between observing and handling, the cursor is left alone so the
// edit is observed again against the fresh snapshot.
func (r *reconciler) onGotLocalDelta(args []any) error {
	base := args[0].(*types.Snapshot)
	edit := args[1].(sync.Edit)
	next := args[2].(int)
	r.localArmed = false

	if edit.Source == r.conf.SourceID {
		r.cursor = next
		return r.m.Enqueue(evWantChanges)
	}
	if base.RevNum() != r.snap.RevNum() {
		r.log.Debug().Msg("re-observing local edit against moved snapshot")
		return r.m.Enqueue(evWantChanges)
	}

	r.cursor = next
	r.pending = append(r.pending, edit.Delta)
	r.m.Transition(sync.StateCollecting)

	snap := r.snap
	r.coalesce(func() {
		_ = r.m.Enqueue(evWantApplyDelta, snap)
	})
	return nil
}

// onStaleLocalDelta clears the observer flag without consuming the edit;
// it will be delivered again on the next wantChanges.
func (r *reconciler) onStaleLocalDelta(args []any) error {
	r.localArmed = false
	return nil
}

// onWantApplyDelta drains everything collected during the coalescing
// window into one delta and submits it to the authority.
func (r *reconciler) onWantApplyDelta(args []any) error {
	base := args[0].(*types.Snapshot)
	if base.RevNum() != r.snap.RevNum() {
		r.m.Transition(sync.StateIdle)
		return r.m.Enqueue(evWantChanges)
	}

	r.drainSurface()
	delta, err := r.takePending()
	if err != nil {
		return err
	}
	if delta == nil || delta.IsEmpty() {
		r.m.Transition(sync.StateIdle)
		return r.m.Enqueue(evWantChanges)
	}

	expected, err := r.snap.Contents().Compose(delta, true)
	if err != nil {
		return err
	}

	r.m.Transition(sync.StateMerging)
	go r.send(r.snap, delta, expected)
	return nil
}

// onGotApplyDelta finishes a send. Local edits made while the send was in
// flight are rebased over the authority's correction: the surface gets the
// correction transformed past the extra edits, and the extra edits
// transformed past the correction become the next cycle's pending send.
func (r *reconciler) onGotApplyDelta(args []any) error {
	expected := args[0].(types.Delta)
	revNum := args[1].(int)
	correction := args[2].(types.Delta)

	r.drainSurface()
	localExtra, err := r.takePending()
	if err != nil {
		return err
	}

	contents := expected
	var push types.Delta

	switch {
	case correction.IsEmpty():
		// The authority saw nothing we did not; the surface already
		// shows the right document.
		if localExtra != nil && !localExtra.IsEmpty() {
			r.pending = []types.Delta{localExtra}
		}

	case localExtra == nil || localExtra.IsEmpty():
		contents, err = expected.Compose(correction, true)
		if err != nil {
			return err
		}
		push = correction

	default:
		merged, err := localExtra.Transform(correction, false)
		if err != nil {
			return err
		}
		// The snapshot tracks the authority's document; the extra edits
		// stay pending on top of it until the next send lands them.
		contents, err = expected.Compose(correction, true)
		if err != nil {
			return err
		}
		rebasedExtra, err := correction.Transform(localExtra, true)
		if err != nil {
			return err
		}
		r.pending = []types.Delta{rebasedExtra}
		push = merged
	}

	snap, err := types.NewSnapshot(revNum, contents)
	if err != nil {
		return err
	}
	r.snap = snap
	r.publish(snap)

	if push != nil && !push.IsEmpty() {
		if err := r.conf.Surface.ApplyDelta(push, r.conf.SourceID, r.cursor); err != nil {
			return err
		}
	}
	r.log.Debug().Int("revNum", revNum).Bool("corrected", push != nil).
		Msg("send acknowledged")

	r.m.Transition(sync.StateIdle)
	return r.m.Enqueue(evWantChanges)
}

// onAPIError disables the surface and schedules a full restart. Transient
// connectivity failures are expected noise; anything else is logged loudly
// but recovered the same way.
func (r *reconciler) onAPIError(args []any) error {
	method := args[0].(string)
	err := args[1].(error)

	if isConnectivityError(err) {
		r.log.Warn().Err(err).Str("method", method).Msg("authority unreachable")
	} else {
		r.log.Error().Err(err).Str("method", method).Msg("authority call failed")
	}

	r.freezeAndRestart()
	return nil
}

// onInternalError recovers from a failed handler. Whatever local state the
// failure left behind is thrown away and rebuilt from a fresh snapshot.
func (r *reconciler) onInternalError(args []any) error {
	err, _ := args[0].(error)
	r.log.Error().Err(err).Msg("reconciler handler failed")
	r.freezeAndRestart()
	return nil
}

func (r *reconciler) freezeAndRestart() {
	r.conf.Surface.SetReadOnly(true)
	r.m.Transition(sync.StateErrorWait)
	time.AfterFunc(r.conf.RestartBackoff, func() {
		_ = r.m.Enqueue(evStart)
	})
}

// ignoreEvent drops events that arrive outside the state they belong to.
func (r *reconciler) ignoreEvent(args []any) error {
	r.log.Trace().Str("state", string(r.m.CurrentState())).Msg("ignoring stale event")
	return nil
}

// drainSurface moves every edit currently on the surface into pending,
// skipping the reconciler's own pushes.
func (r *reconciler) drainSurface() {
	for {
		edit, next, ok := r.conf.Surface.EditNow(r.cursor)
		if !ok {
			return
		}
		r.cursor = next
		if edit.Source == r.conf.SourceID {
			continue
		}
		r.pending = append(r.pending, edit.Delta)
	}
}

// takePending composes the pending edits into a single delta and clears
// the list. Returns nil when nothing is pending.
func (r *reconciler) takePending() (types.Delta, error) {
	if len(r.pending) == 0 {
		return nil, nil
	}
	acc := r.pending[0]
	for _, d := range r.pending[1:] {
		composed, err := acc.Compose(d, false)
		if err != nil {
			return nil, err
		}
		acc = composed
	}
	r.pending = nil
	return acc, nil
}

// Authority call wrappers. Each runs on its own goroutine and reports back
// through the event queue; a canceled context means the reconciler stopped
// and the result is irrelevant.

func (r *reconciler) fetchSnapshot() {
	snap, err := r.conf.Authority.FetchSnapshot(r.ctx)
	if err != nil {
		r.reportErr("fetchSnapshot", err)
		return
	}
	_ = r.m.Enqueue(evGotSnapshot, snap)
}

func (r *reconciler) observeLocal(base *types.Snapshot, cursor int) {
	edit, next, err := r.conf.Surface.NextEdit(r.ctx, cursor)
	if err != nil {
		r.reportErr("nextEdit", err)
		return
	}
	_ = r.m.Enqueue(evGotLocalDelta, base, edit, next)
}

func (r *reconciler) poll(base *types.Snapshot) {
	revNum, delta, err := r.conf.Authority.FetchDeltaAfter(r.ctx, base.RevNum())
	if err != nil {
		r.reportErr("fetchDeltaAfter", err)
		return
	}
	_ = r.m.Enqueue(evGotDeltaAfter, base, revNum, delta)
}

func (r *reconciler) send(base *types.Snapshot, delta types.Delta, expected types.Delta) {
	revNum, correction, err := r.conf.Authority.ApplyDelta(r.ctx, base.RevNum(), delta)
	if err != nil {
		r.reportErr("applyDelta", err)
		return
	}
	_ = r.m.Enqueue(evGotApplyDelta, expected, revNum, correction)
}

func (r *reconciler) reportErr(method string, err error) {
	if stderrors.Is(err, context.Canceled) {
		return
	}
	_ = r.m.Enqueue(evAPIError, method, err)
}
