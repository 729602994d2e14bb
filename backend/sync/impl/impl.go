package impl

import (
	"context"
	stderrors "errors"
	"net"
	stdsync "sync"

	"github.com/bep/debounce"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"Inkwell/backend/machine"
	"Inkwell/backend/sync"
	"Inkwell/backend/types"
)

// Reconciler events.
const (
	evStart          machine.Event = "start"
	evGotSnapshot    machine.Event = "gotSnapshot"
	evWantChanges    machine.Event = "wantChanges"
	evGotDeltaAfter  machine.Event = "gotDeltaAfter"
	evGotLocalDelta  machine.Event = "gotLocalDelta"
	evWantApplyDelta machine.Event = "wantApplyDelta"
	evGotApplyDelta  machine.Event = "gotApplyDelta"
	evAPIError       machine.Event = "apiError"
)

// NewReconciler creates a reconciler over the given surface and authority.
func NewReconciler(conf sync.Configuration) (sync.Reconciler, error) {
	if conf.Surface == nil || conf.Authority == nil {
		return nil, xerrors.New("reconciler requires a surface and an authority")
	}
	if conf.SourceID == "" {
		conf.SourceID = xid.New().String()
	}
	if conf.AuthorID == "" {
		conf.AuthorID = conf.SourceID
	}
	if conf.CoalesceDelay <= 0 {
		conf.CoalesceDelay = sync.DefaultCoalesceDelay
	}
	if conf.PacingDelay <= 0 {
		conf.PacingDelay = sync.DefaultPacingDelay
	}
	if conf.RestartBackoff <= 0 {
		conf.RestartBackoff = sync.DefaultRestartBackoff
	}

	r := &reconciler{
		conf:     conf,
		log:      conf.Log.With().Str("source", conf.SourceID).Logger(),
		coalesce: debounce.New(conf.CoalesceDelay),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	spec := machine.NewSpec(sync.StateDetached).
		States(sync.StateStarting, sync.StateIdle, sync.StateCollecting,
			sync.StateMerging, sync.StateErrorWait).
		Event(evStart, nil).
		Event(evGotSnapshot, validateGotSnapshot).
		Event(evWantChanges, nil).
		Event(evGotDeltaAfter, validateGotDeltaAfter).
		Event(evGotLocalDelta, validateGotLocalDelta).
		Event(evWantApplyDelta, validateWantApplyDelta).
		Event(evGotApplyDelta, validateGotApplyDelta).
		Event(evAPIError, validateAPIError).
		Handle(sync.StateDetached, evStart, r.onStart).
		Handle(sync.StateErrorWait, evStart, r.onRestart).
		Handle(sync.StateStarting, evGotSnapshot, r.onGotSnapshot).
		Handle(sync.StateIdle, evWantChanges, r.onWantChanges).
		Handle(sync.StateIdle, evGotDeltaAfter, r.onGotDeltaAfter).
		Handle(sync.StateIdle, evGotLocalDelta, r.onGotLocalDelta).
		Handle(sync.StateCollecting, evWantApplyDelta, r.onWantApplyDelta).
		Handle(sync.StateMerging, evGotApplyDelta, r.onGotApplyDelta).
		Handle(machine.Any, evAPIError, r.onAPIError).
		Handle(machine.Any, machine.EventError, r.onInternalError).
		// Late responses and timer echoes outside their home state are
		// stale by definition; a fresh request goes out once idle again.
		Handle(machine.Any, evStart, r.ignoreEvent).
		Handle(machine.Any, evGotSnapshot, r.ignoreEvent).
		Handle(machine.Any, evGotDeltaAfter, r.onStaleDeltaAfter).
		Handle(machine.Any, evGotLocalDelta, r.onStaleLocalDelta).
		Handle(machine.Any, evWantApplyDelta, r.ignoreEvent).
		Handle(machine.Any, evGotApplyDelta, r.ignoreEvent).
		Handle(machine.Any, evWantChanges, r.ignoreEvent)

	m, err := spec.Build(r.log)
	if err != nil {
		return nil, xerrors.Errorf("failed to build reconciler machine: %v", err)
	}
	r.m = m
	return r, nil
}

// reconciler synchronizes a local snapshot against the authority.
//
// - implements sync.Reconciler
type reconciler struct {
	conf sync.Configuration
	log  zerolog.Logger
	m    *machine.Machine

	ctx    context.Context
	cancel context.CancelFunc

	// coalesce batches bursts of local edits into one send.
	coalesce func(func())

	snapMu    stdsync.Mutex
	published *types.Snapshot

	// The fields below are owned by the machine's single worker and are
	// only touched inside handlers.
	snap       *types.Snapshot
	cursor     int
	pending    []types.Delta // local edits consumed but not yet sent
	localArmed bool
	pollArmed  bool
}

// Start implements sync.Reconciler.
func (r *reconciler) Start() error {
	r.m.Run()
	return r.m.Enqueue(evStart)
}

// Stop implements sync.Reconciler.
func (r *reconciler) Stop() error {
	r.cancel()
	r.m.Halt()
	return nil
}

// Snapshot implements sync.Reconciler. Snapshots are immutable, so handing
// out the latest published pointer is safe.
func (r *reconciler) Snapshot() *types.Snapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	return r.published
}

// publish makes the worker's current snapshot visible to Snapshot callers.
func (r *reconciler) publish(snap *types.Snapshot) {
	r.snapMu.Lock()
	r.published = snap
	r.snapMu.Unlock()
}

// WaitFor implements sync.Reconciler.
func (r *reconciler) WaitFor(ctx context.Context, st machine.State) error {
	return r.m.WaitFor(ctx, st)
}

// Event validators. A validator failing here rejects the event at the
// enqueue site, before it ever reaches the worker.

func validateGotSnapshot(args []any) ([]any, error) {
	if len(args) != 1 {
		return nil, xerrors.Errorf("want 1 arg, got %d", len(args))
	}
	if _, ok := args[0].(*types.Snapshot); !ok {
		return nil, xerrors.New("arg 0 must be a snapshot")
	}
	return args, nil
}

func validateGotDeltaAfter(args []any) ([]any, error) {
	if len(args) != 3 {
		return nil, xerrors.Errorf("want 3 args, got %d", len(args))
	}
	if _, ok := args[0].(*types.Snapshot); !ok {
		return nil, xerrors.New("arg 0 must be the base snapshot")
	}
	if _, ok := args[1].(int); !ok {
		return nil, xerrors.New("arg 1 must be a revision number")
	}
	if _, ok := args[2].(types.Delta); !ok {
		return nil, xerrors.New("arg 2 must be a delta")
	}
	return args, nil
}

func validateGotLocalDelta(args []any) ([]any, error) {
	if len(args) != 3 {
		return nil, xerrors.Errorf("want 3 args, got %d", len(args))
	}
	if _, ok := args[0].(*types.Snapshot); !ok {
		return nil, xerrors.New("arg 0 must be the base snapshot")
	}
	if _, ok := args[1].(sync.Edit); !ok {
		return nil, xerrors.New("arg 1 must be an edit")
	}
	if _, ok := args[2].(int); !ok {
		return nil, xerrors.New("arg 2 must be the next cursor")
	}
	return args, nil
}

func validateWantApplyDelta(args []any) ([]any, error) {
	if len(args) != 1 {
		return nil, xerrors.Errorf("want 1 arg, got %d", len(args))
	}
	if _, ok := args[0].(*types.Snapshot); !ok {
		return nil, xerrors.New("arg 0 must be the base snapshot")
	}
	return args, nil
}

func validateGotApplyDelta(args []any) ([]any, error) {
	if len(args) != 3 {
		return nil, xerrors.Errorf("want 3 args, got %d", len(args))
	}
	if _, ok := args[0].(types.Delta); !ok {
		return nil, xerrors.New("arg 0 must be the expected contents")
	}
	if _, ok := args[1].(int); !ok {
		return nil, xerrors.New("arg 1 must be a revision number")
	}
	if _, ok := args[2].(types.Delta); !ok {
		return nil, xerrors.New("arg 2 must be the correction delta")
	}
	return args, nil
}

func validateAPIError(args []any) ([]any, error) {
	if len(args) != 2 {
		return nil, xerrors.Errorf("want 2 args, got %d", len(args))
	}
	if _, ok := args[0].(string); !ok {
		return nil, xerrors.New("arg 0 must be the method name")
	}
	if _, ok := args[1].(error); !ok {
		return nil, xerrors.New("arg 1 must be an error")
	}
	return args, nil
}

// isConnectivityError classifies failures that are expected from an
// unreliable link and recoverable by the backoff-and-restart path.
func isConnectivityError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, sync.ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}
