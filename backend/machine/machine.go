// Package machine provides the single-threaded, cooperatively-scheduled
// event dispatcher the synchronization protocol runs on. A machine is built
// from a declarative spec mapping (state, event) pairs to handlers; events
// are dispatched strictly one at a time, and a handler runs to completion
// (including any internal blocking) before the next event is looked at.
package machine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// State names a machine state. Event names a machine event.
type (
	State string
	Event string
)

// Any is the wildcard for handler rows; it matches every state or event.
// Lookup precedence is exact state + exact event, exact state + any event,
// any state + exact event, any state + any event.
const Any = "*"

// EventError is the intrinsic failure event, carrying one error argument.
// Its default (any-state) handler logs and halts the machine; specs may
// register their own handler to recover instead.
const EventError Event = "error"

// Validator checks and may rewrite an event's arguments before the event
// is admitted to the queue.
type Validator func(args []any) ([]any, error)

// Handler processes one dispatched event.
type Handler func(args []any) error

// Spec declares a machine: its states, its event vocabulary, and its
// handler table.
type Spec struct {
	initial  State
	states   map[State]bool
	events   map[Event]Validator
	handlers map[State]map[Event]Handler
}

// NewSpec starts a spec with the given initial state (which is declared
// implicitly).
func NewSpec(initial State) *Spec {
	s := &Spec{
		initial:  initial,
		states:   map[State]bool{initial: true},
		events:   map[Event]Validator{},
		handlers: map[State]map[Event]Handler{},
	}
	return s
}

// States declares machine states.
func (s *Spec) States(states ...State) *Spec {
	for _, st := range states {
		s.states[st] = true
	}
	return s
}

// Event declares an event and its argument validator (nil accepts the
// arguments as given). Declaring an event also defines the legal event
// vocabulary: enqueuing an undeclared event is an error.
func (s *Spec) Event(ev Event, v Validator) *Spec {
	s.events[ev] = v
	return s
}

// Handle registers a handler for a (state, event) pair; either component
// may be the Any wildcard.
func (s *Spec) Handle(st State, ev Event, h Handler) *Spec {
	row, ok := s.handlers[st]
	if !ok {
		row = map[Event]Handler{}
		s.handlers[st] = row
	}
	row[ev] = h
	return s
}

// Build validates the spec tables and returns a machine in the initial
// state. Handler rows naming undeclared states or events are construction
// errors.
func (s *Spec) Build(log zerolog.Logger) (*Machine, error) {
	if _, declared := s.events[EventError]; !declared {
		s.events[EventError] = func(args []any) ([]any, error) {
			if len(args) != 1 {
				return nil, xerrors.Errorf("error event: want 1 arg, got %d", len(args))
			}
			if _, ok := args[0].(error); !ok {
				return nil, xerrors.New("error event: arg 0 must be an error")
			}
			return args, nil
		}
	}
	for st, row := range s.handlers {
		if st != Any && !s.states[st] {
			return nil, xerrors.Errorf("handler row for undeclared state %q", st)
		}
		for ev := range row {
			if ev != Any {
				if _, declared := s.events[ev]; !declared {
					return nil, xerrors.Errorf("handler for undeclared event %q", ev)
				}
			}
		}
	}

	m := &Machine{
		log:     log,
		spec:    s,
		state:   s.initial,
		waiters: map[State][]chan struct{}{},
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

type queued struct {
	ev   Event
	args []any
}

// Machine dispatches queued events to handlers on a single worker
// goroutine, started by Run.
type Machine struct {
	log  zerolog.Logger
	spec *Spec

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queued
	state   State
	halted  bool
	running bool
	waiters map[State][]chan struct{}
}

// Run starts the dispatch worker. It is a no-op if the worker is already
// running or the machine has halted.
func (m *Machine) Run() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.halted {
		return
	}
	m.running = true
	go m.loop()
}

// CurrentState returns the state the machine is in.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Halted reports whether the machine stopped dispatching.
func (m *Machine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Enqueue validates the event's arguments and appends it to the queue.
func (m *Machine) Enqueue(ev Event, args ...any) error {
	return m.admit(ev, args, false)
}

// Push validates the event's arguments and inserts it at the front of the
// queue, ahead of everything already waiting.
func (m *Machine) Push(ev Event, args ...any) error {
	return m.admit(ev, args, true)
}

func (m *Machine) admit(ev Event, args []any, front bool) error {
	v, declared := m.spec.events[ev]
	if !declared {
		return xerrors.Errorf("undeclared event %q", ev)
	}
	if v != nil {
		rewritten, err := v(args)
		if err != nil {
			return xerrors.Errorf("event %s rejected: %v", ev, err)
		}
		args = rewritten
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return xerrors.Errorf("event %s dropped: machine is halted", ev)
	}
	q := queued{ev: ev, args: args}
	if front {
		m.queue = append([]queued{q}, m.queue...)
	} else {
		m.queue = append(m.queue, q)
	}
	m.cond.Signal()
	return nil
}

// Transition switches the machine to st immediately. It is idempotent and
// wakes any WaitFor callers parked on st. Handlers are the intended
// callers; the single-worker guarantee makes their reads of machine state
// race-free.
func (m *Machine) Transition(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == st {
		return
	}
	m.state = st
	for _, ch := range m.waiters[st] {
		close(ch)
	}
	delete(m.waiters, st)
}

// WaitFor blocks until the machine is in st, resolving immediately if it
// already is. A halted machine fails all outstanding waits.
func (m *Machine) WaitFor(ctx context.Context, st State) error {
	m.mu.Lock()
	if m.state == st {
		m.mu.Unlock()
		return nil
	}
	if m.halted {
		m.mu.Unlock()
		return xerrors.New("machine is halted")
	}
	ch := make(chan struct{})
	m.waiters[st] = append(m.waiters[st], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		m.mu.Lock()
		halted := m.halted
		m.mu.Unlock()
		if halted {
			return xerrors.New("machine is halted")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halt stops dispatching and discards the queue. Outstanding waiters fail.
func (m *Machine) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked()
}

func (m *Machine) haltLocked() {
	if m.halted {
		return
	}
	m.halted = true
	m.queue = nil
	for _, chans := range m.waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.waiters = map[State][]chan struct{}{}
	m.cond.Broadcast()
}

func (m *Machine) loop() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.halted {
			m.cond.Wait()
		}
		if m.halted {
			m.mu.Unlock()
			return
		}
		q := m.queue[0]
		m.queue = m.queue[1:]
		st := m.state
		m.mu.Unlock()

		m.dispatch(st, q)
	}
}

func (m *Machine) dispatch(st State, q queued) {
	h := m.lookup(st, q.ev)
	err := h(q.args)
	if err == nil {
		return
	}
	if q.ev == EventError {
		// The error handler itself failed; dispatching further atop
		// unknown state is worse than stopping.
		m.log.Error().Err(err).Msg("error handler failed, halting")
		m.Halt()
		return
	}
	if qerr := m.Enqueue(EventError, xerrors.Errorf("handler (%s, %s): %w", st, q.ev, err)); qerr != nil {
		m.log.Error().Err(qerr).Msg("failed to enqueue error event")
	}
}

// lookup resolves the handler for (st, ev) by precedence, falling through
// to the intrinsic defaults: the error handler halts, and anything else
// unhandled fails.
func (m *Machine) lookup(st State, ev Event) Handler {
	if h, ok := m.spec.handlers[st][ev]; ok {
		return h
	}
	if h, ok := m.spec.handlers[st][Any]; ok {
		return h
	}
	if h, ok := m.spec.handlers[Any][ev]; ok {
		return h
	}
	if ev == EventError {
		// Intrinsic default at the (any, error) level, below any explicit
		// error handler but above the catch-all row.
		return m.defaultErrorHandler
	}
	if h, ok := m.spec.handlers[Any][Any]; ok {
		return h
	}
	return func([]any) error {
		return xerrors.Errorf("no handler for event %s in state %s", ev, st)
	}
}

func (m *Machine) defaultErrorHandler(args []any) error {
	err, _ := args[0].(error)
	m.log.Error().Err(err).Msg("machine failed, halting")
	m.Halt()
	return nil
}
