package types

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/xerrors"
)

// Caret operation names.
const (
	CaretOpBegin = "begin"
	CaretOpSet   = "set"
	CaretOpEnd   = "end"
)

type caretEntryKind int

const (
	caretBegin caretEntryKind = iota // upsert the whole session
	caretSet                         // merge field updates into a session
	caretEnd                         // remove the session
)

// caretEntry is the net effect of a delta on one session.
type caretEntry struct {
	kind     caretEntryKind
	authorID string
	fields   map[string]any
}

// CaretDelta is the presence delta kind: per-session begin/set/end
// operations, compared as a multiset keyed by session ID. A caret document
// is a set of live sessions, so it may only carry begin entries.
//
// - implements types.Delta
// - implements types.ChangeValidator
type CaretDelta struct {
	order   []string
	entries map[string]caretEntry
}

// EmptyCaret is the shared empty caret delta.
var EmptyCaret = &CaretDelta{}

// CaretBegin builds a session-begin operation. fields may be nil.
func CaretBegin(sessionID, authorID string, fields map[string]any) Operation {
	if fields == nil {
		fields = map[string]any{}
	}
	return MustOperation(CaretOpBegin, sessionID, authorID, fields)
}

// CaretSet builds a field-update operation.
func CaretSet(sessionID, field string, value any) Operation {
	return MustOperation(CaretOpSet, sessionID, field, value)
}

// CaretEnd builds a session-end operation.
func CaretEnd(sessionID string) Operation {
	return MustOperation(CaretOpEnd, sessionID)
}

// NewCaretDelta validates a caret delta and folds its operations into
// per-session net effects.
func NewCaretDelta(ops []Operation) (*CaretDelta, error) {
	d := &CaretDelta{entries: map[string]caretEntry{}}
	for _, op := range ops {
		if err := d.fold(op); err != nil {
			return nil, err
		}
	}
	if len(d.order) == 0 {
		return EmptyCaret, nil
	}
	return d, nil
}

func (d *CaretDelta) fold(op Operation) error {
	sessionID, entry, err := decodeCaretOp(op)
	if err != nil {
		return err
	}
	cur, seen := d.entries[sessionID]
	if !seen {
		d.order = append(d.order, sessionID)
		d.entries[sessionID] = entry
		return nil
	}
	merged, _, err := foldCaretEntries(cur, entry, false)
	if err != nil {
		return xerrors.Errorf("caret delta, session %s: %v", sessionID, err)
	}
	d.entries[sessionID] = merged
	return nil
}

func decodeCaretOp(op Operation) (string, caretEntry, error) {
	switch op.Name() {
	case CaretOpBegin:
		if op.ArgCount() != 3 {
			return "", caretEntry{}, xerrors.Errorf("begin: want 3 args, got %d", op.ArgCount())
		}
		sessionID, ok1 := op.Arg(0).(string)
		authorID, ok2 := op.Arg(1).(string)
		fields, ok3 := op.Arg(2).(map[string]any)
		if !ok1 || !ok2 || !ok3 || sessionID == "" {
			return "", caretEntry{}, xerrors.New("begin: want (sessionID, authorID, fields)")
		}
		return sessionID, caretEntry{kind: caretBegin, authorID: authorID, fields: fields}, nil
	case CaretOpSet:
		if op.ArgCount() != 3 {
			return "", caretEntry{}, xerrors.Errorf("set: want 3 args, got %d", op.ArgCount())
		}
		sessionID, ok1 := op.Arg(0).(string)
		field, ok2 := op.Arg(1).(string)
		if !ok1 || !ok2 || sessionID == "" || field == "" {
			return "", caretEntry{}, xerrors.New("set: want (sessionID, field, value)")
		}
		return sessionID, caretEntry{kind: caretSet, fields: map[string]any{field: op.Arg(2)}}, nil
	case CaretOpEnd:
		if op.ArgCount() != 1 {
			return "", caretEntry{}, xerrors.Errorf("end: want 1 arg, got %d", op.ArgCount())
		}
		sessionID, ok := op.Arg(0).(string)
		if !ok || sessionID == "" {
			return "", caretEntry{}, xerrors.New("end: want (sessionID)")
		}
		return sessionID, caretEntry{kind: caretEnd}, nil
	default:
		return "", caretEntry{}, xerrors.Errorf("illegal caret operation %q", op.Name())
	}
}

// foldCaretEntries folds next onto cur within one session. absolute marks
// that cur comes from a document, where begin+end nets to session removal
// rather than to a remove instruction.
func foldCaretEntries(cur, next caretEntry, absolute bool) (caretEntry, bool, error) {
	switch next.kind {
	case caretBegin:
		return next, true, nil
	case caretSet:
		switch cur.kind {
		case caretEnd:
			return caretEntry{}, false, xerrors.New("set targets an ended session")
		default:
			merged := make(map[string]any, len(cur.fields)+len(next.fields))
			for k, v := range cur.fields {
				merged[k] = v
			}
			for k, v := range next.fields {
				merged[k] = v
			}
			return caretEntry{kind: cur.kind, authorID: cur.authorID, fields: merged}, true, nil
		}
	default: // caretEnd
		if cur.kind == caretBegin && absolute {
			return caretEntry{}, false, nil
		}
		return caretEntry{kind: caretEnd}, true, nil
	}
}

// Kind implements types.Delta.
func (d *CaretDelta) Kind() string { return CaretKind }

// IsEmpty implements types.Delta.
func (d *CaretDelta) IsEmpty() bool { return len(d.order) == 0 }

// IsDocument implements types.Delta. A caret document is a bag of live
// sessions: begin entries only.
func (d *CaretDelta) IsDocument() bool {
	for _, e := range d.entries {
		if e.kind != caretBegin {
			return false
		}
	}
	return true
}

// Sessions returns the touched session IDs in first-touch order.
func (d *CaretDelta) Sessions() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Session returns the author and fields of a live session in a document.
func (d *CaretDelta) Session(sessionID string) (authorID string, fields map[string]any, ok bool) {
	e, ok := d.entries[sessionID]
	if !ok || e.kind != caretBegin {
		return "", nil, false
	}
	return e.authorID, e.fields, true
}

// Ops implements types.Delta.
func (d *CaretDelta) Ops() []Operation { return d.Deconstruct() }

// Deconstruct implements types.Delta.
func (d *CaretDelta) Deconstruct() []Operation {
	var out []Operation
	for _, sessionID := range d.order {
		e := d.entries[sessionID]
		switch e.kind {
		case caretBegin:
			out = append(out, CaretBegin(sessionID, e.authorID, e.fields))
		case caretSet:
			for _, field := range sortedKeys(e.fields) {
				out = append(out, CaretSet(sessionID, field, e.fields[field]))
			}
		case caretEnd:
			out = append(out, CaretEnd(sessionID))
		}
	}
	return out
}

// Equals implements types.Delta. Comparison is order-insensitive, keyed by
// session ID.
func (d *CaretDelta) Equals(other Delta) bool {
	o, ok := other.(*CaretDelta)
	if !ok || len(d.entries) != len(o.entries) {
		return false
	}
	for sessionID, e := range d.entries {
		oe, exists := o.entries[sessionID]
		if !exists || !caretEntriesEqual(e, oe) {
			return false
		}
	}
	return true
}

func caretEntriesEqual(a, b caretEntry) bool {
	return a.kind == b.kind && a.authorID == b.authorID && attrsEqual(a.fields, b.fields)
}

// Compose implements types.Delta.
func (d *CaretDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	if err := checkKind(CaretKind, other); err != nil {
		return nil, err
	}
	if wantDocument && !d.IsDocument() {
		return nil, xerrors.New("caret compose: receiver is not a document")
	}
	o := other.(*CaretDelta)
	if o.IsEmpty() {
		return d, nil
	}
	if d.IsEmpty() {
		if wantDocument {
			if err := documentCaretOperand(o); err != nil {
				return nil, err
			}
		}
		return o, nil
	}

	out := &CaretDelta{entries: make(map[string]caretEntry, len(d.entries))}
	for _, sessionID := range d.order {
		out.order = append(out.order, sessionID)
		out.entries[sessionID] = d.entries[sessionID]
	}
	absolute := d.IsDocument() && wantDocument
	for _, sessionID := range o.order {
		next := o.entries[sessionID]
		cur, seen := out.entries[sessionID]
		if !seen {
			if absolute && next.kind != caretBegin {
				return nil, xerrors.Errorf("caret compose: session %s does not exist", sessionID)
			}
			out.order = append(out.order, sessionID)
			out.entries[sessionID] = next
			continue
		}
		merged, present, err := foldCaretEntries(cur, next, absolute)
		if err != nil {
			return nil, xerrors.Errorf("caret compose, session %s: %v", sessionID, err)
		}
		if present {
			out.entries[sessionID] = merged
		} else {
			delete(out.entries, sessionID)
			out.order = removeString(out.order, sessionID)
		}
	}
	if len(out.order) == 0 {
		return EmptyCaret, nil
	}
	return out, nil
}

// documentCaretOperand rejects operands that cannot apply to an empty
// document.
func documentCaretOperand(o *CaretDelta) error {
	for sessionID, e := range o.entries {
		if e.kind != caretBegin {
			return xerrors.Errorf("caret compose: session %s does not exist", sessionID)
		}
	}
	return nil
}

// Diff implements types.Delta.
func (d *CaretDelta) Diff(other Delta) (Delta, error) {
	if err := checkKind(CaretKind, other); err != nil {
		return nil, err
	}
	o := other.(*CaretDelta)
	if !d.IsDocument() || !o.IsDocument() {
		return nil, xerrors.New("caret diff: both operands must be documents")
	}
	if d.Equals(o) {
		return EmptyCaret, nil
	}

	out := &CaretDelta{entries: map[string]caretEntry{}}
	for _, sessionID := range sortedKeys(d.entries) {
		if _, live := o.entries[sessionID]; !live {
			out.order = append(out.order, sessionID)
			out.entries[sessionID] = caretEntry{kind: caretEnd}
		}
	}
	for _, sessionID := range sortedKeys(o.entries) {
		oe := o.entries[sessionID]
		if e, live := d.entries[sessionID]; live && caretEntriesEqual(e, oe) {
			continue
		}
		out.order = append(out.order, sessionID)
		out.entries[sessionID] = oe
	}
	return out, nil
}

// Transform implements types.Delta. Sessions touched by exactly one side
// pass through; for sessions touched by both, a concurrent end dominates,
// and otherwise the delta ordered second wins.
func (d *CaretDelta) Transform(other Delta, thisIsFirst bool) (Delta, error) {
	if err := checkKind(CaretKind, other); err != nil {
		return nil, err
	}
	o := other.(*CaretDelta)
	if o.IsEmpty() || d.IsEmpty() {
		return o, nil
	}

	mine := mapset.NewThreadUnsafeSet(d.order...)
	theirs := mapset.NewThreadUnsafeSet(o.order...)
	conflicts := mine.Intersect(theirs)
	if conflicts.Cardinality() == 0 {
		return o, nil
	}

	out := &CaretDelta{entries: make(map[string]caretEntry, len(o.entries))}
	for _, sessionID := range o.order {
		entry := o.entries[sessionID]
		if conflicts.Contains(sessionID) {
			rebased, present := transformCaretEntry(d.entries[sessionID], entry, thisIsFirst)
			if !present {
				continue
			}
			entry = rebased
		}
		out.order = append(out.order, sessionID)
		out.entries[sessionID] = entry
	}
	if len(out.order) == 0 {
		return EmptyCaret, nil
	}
	return out, nil
}

// transformCaretEntry rebases the other side's entry for one conflicted
// session over this side's entry. otherWins is thisIsFirst: the delta
// ordered second overwrites.
func transformCaretEntry(this, other caretEntry, otherWins bool) (caretEntry, bool) {
	if this.kind == caretEnd {
		// Session is gone on this side; nothing left for other to touch.
		return caretEntry{}, false
	}
	if other.kind == caretEnd {
		return other, true
	}
	if otherWins {
		return other, true
	}
	// This side wins.
	switch this.kind {
	case caretBegin:
		// This side's upsert replaces the whole session state.
		return caretEntry{}, false
	default: // caretSet
		if other.kind == caretBegin {
			// Other re-created the session; this side's fields override.
			merged, _, _ := foldCaretEntries(other, this, false)
			return merged, true
		}
		trimmed := map[string]any{}
		for k, v := range other.fields {
			if _, set := this.fields[k]; !set {
				trimmed[k] = v
			}
		}
		if len(trimmed) == 0 {
			return caretEntry{}, false
		}
		return caretEntry{kind: caretSet, fields: trimmed}, true
	}
}

// ValidateChange implements types.ChangeValidator: a change may not update
// or end a session the document does not hold.
func (d *CaretDelta) ValidateChange(ch Change) error {
	o, ok := ch.Delta.(*CaretDelta)
	if !ok {
		return xerrors.Errorf("caret document: change delta kind %s", ch.Delta.Kind())
	}
	for _, sessionID := range o.order {
		if o.entries[sessionID].kind == caretBegin {
			continue
		}
		if _, live := d.entries[sessionID]; !live {
			return xerrors.Errorf("caret change targets unknown session %s", sessionID)
		}
	}
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func removeString(ss []string, s string) []string {
	for i, v := range ss {
		if v == s {
			return append(ss[:i], ss[i+1:]...)
		}
	}
	return ss
}
