package types

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/xerrors"
)

// Store operation names.
const (
	StoreOpPut    = "put"
	StoreOpDelete = "delete"
)

// storeEntry is the net effect of a delta on one path: a bound value or a
// removal.
type storeEntry struct {
	value   any
	deleted bool
}

// StoreDelta is the file-storage binding delta kind: put/delete operations
// over hierarchical slash-separated paths, compared as a multiset keyed by
// path. A store document is a set of bindings, so it may never carry delete
// operations; deletions only appear inside changes.
//
// - implements types.Delta
// - implements types.ChangeValidator
type StoreDelta struct {
	order   []string
	entries map[string]storeEntry
}

// EmptyStore is the shared empty store delta.
var EmptyStore = &StoreDelta{}

// StorePut builds a binding operation.
func StorePut(path string, value any) Operation {
	return MustOperation(StoreOpPut, path, value)
}

// StoreDelete builds an unbinding operation.
func StoreDelete(path string) Operation {
	return MustOperation(StoreOpDelete, path)
}

// NewStoreDelta validates a store delta and folds its operations into
// per-path net effects (the last operation on a path wins).
func NewStoreDelta(ops []Operation) (*StoreDelta, error) {
	d := &StoreDelta{entries: map[string]storeEntry{}}
	for _, op := range ops {
		path, entry, err := decodeStoreOp(op)
		if err != nil {
			return nil, err
		}
		if _, seen := d.entries[path]; !seen {
			d.order = append(d.order, path)
		}
		d.entries[path] = entry
	}
	if len(d.order) == 0 {
		return EmptyStore, nil
	}
	return d, nil
}

func decodeStoreOp(op Operation) (string, storeEntry, error) {
	switch op.Name() {
	case StoreOpPut:
		if op.ArgCount() != 2 {
			return "", storeEntry{}, xerrors.Errorf("put: want 2 args, got %d", op.ArgCount())
		}
		path, ok := op.Arg(0).(string)
		if !ok {
			return "", storeEntry{}, xerrors.New("put: arg 0 must be a path")
		}
		if err := checkPath(path); err != nil {
			return "", storeEntry{}, err
		}
		return path, storeEntry{value: op.Arg(1)}, nil
	case StoreOpDelete:
		if op.ArgCount() != 1 {
			return "", storeEntry{}, xerrors.Errorf("delete: want 1 arg, got %d", op.ArgCount())
		}
		path, ok := op.Arg(0).(string)
		if !ok {
			return "", storeEntry{}, xerrors.New("delete: arg 0 must be a path")
		}
		if err := checkPath(path); err != nil {
			return "", storeEntry{}, err
		}
		return path, storeEntry{deleted: true}, nil
	default:
		return "", storeEntry{}, xerrors.Errorf("illegal store operation %q", op.Name())
	}
}

func checkPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") ||
		strings.Contains(path, "//") {
		return xerrors.Errorf("malformed storage path %q", path)
	}
	return nil
}

// Kind implements types.Delta.
func (d *StoreDelta) Kind() string { return StoreKind }

// IsEmpty implements types.Delta.
func (d *StoreDelta) IsEmpty() bool { return len(d.order) == 0 }

// IsDocument implements types.Delta.
func (d *StoreDelta) IsDocument() bool {
	for _, e := range d.entries {
		if e.deleted {
			return false
		}
	}
	return true
}

// Paths returns the touched paths in first-touch order.
func (d *StoreDelta) Paths() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Get returns the value bound at path in a document.
func (d *StoreDelta) Get(path string) (any, bool) {
	e, ok := d.entries[path]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Ops implements types.Delta.
func (d *StoreDelta) Ops() []Operation { return d.Deconstruct() }

// Deconstruct implements types.Delta.
func (d *StoreDelta) Deconstruct() []Operation {
	out := make([]Operation, 0, len(d.order))
	for _, path := range d.order {
		e := d.entries[path]
		if e.deleted {
			out = append(out, StoreDelete(path))
		} else {
			out = append(out, StorePut(path, e.value))
		}
	}
	return out
}

// Equals implements types.Delta. Comparison is order-insensitive, keyed by
// path.
func (d *StoreDelta) Equals(other Delta) bool {
	o, ok := other.(*StoreDelta)
	if !ok || len(d.entries) != len(o.entries) {
		return false
	}
	for path, e := range d.entries {
		oe, exists := o.entries[path]
		if !exists || e.deleted != oe.deleted || !argEqual(e.value, oe.value) {
			return false
		}
	}
	return true
}

// Compose implements types.Delta.
func (d *StoreDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	if err := checkKind(StoreKind, other); err != nil {
		return nil, err
	}
	if wantDocument && !d.IsDocument() {
		return nil, xerrors.New("store compose: receiver is not a document")
	}
	o := other.(*StoreDelta)
	if o.IsEmpty() {
		return d, nil
	}
	absolute := wantDocument
	if d.IsEmpty() {
		if absolute {
			if err := documentStoreOperand(o); err != nil {
				return nil, err
			}
		}
		return o, nil
	}

	out := &StoreDelta{entries: make(map[string]storeEntry, len(d.entries))}
	for _, path := range d.order {
		out.order = append(out.order, path)
		out.entries[path] = d.entries[path]
	}
	for _, path := range o.order {
		next := o.entries[path]
		cur, seen := out.entries[path]
		if next.deleted && absolute {
			if !seen || cur.deleted {
				return nil, xerrors.Errorf("store compose: path %s is not bound", path)
			}
			delete(out.entries, path)
			out.order = removeString(out.order, path)
			continue
		}
		if !seen {
			out.order = append(out.order, path)
		}
		out.entries[path] = next
	}
	if len(out.order) == 0 {
		return EmptyStore, nil
	}
	return out, nil
}

func documentStoreOperand(o *StoreDelta) error {
	for path, e := range o.entries {
		if e.deleted {
			return xerrors.Errorf("store compose: path %s is not bound", path)
		}
	}
	return nil
}

// Diff implements types.Delta.
func (d *StoreDelta) Diff(other Delta) (Delta, error) {
	if err := checkKind(StoreKind, other); err != nil {
		return nil, err
	}
	o := other.(*StoreDelta)
	if !d.IsDocument() || !o.IsDocument() {
		return nil, xerrors.New("store diff: both operands must be documents")
	}
	if d.Equals(o) {
		return EmptyStore, nil
	}

	out := &StoreDelta{entries: map[string]storeEntry{}}
	for _, path := range sortedKeys(d.entries) {
		if _, bound := o.entries[path]; !bound {
			out.order = append(out.order, path)
			out.entries[path] = storeEntry{deleted: true}
		}
	}
	for _, path := range sortedKeys(o.entries) {
		oe := o.entries[path]
		if e, bound := d.entries[path]; bound && argEqual(e.value, oe.value) {
			continue
		}
		out.order = append(out.order, path)
		out.entries[path] = oe
	}
	return out, nil
}

// Transform implements types.Delta. Paths touched by exactly one side pass
// through; for paths touched by both, the delta ordered second wins and the
// loser's operation is dropped.
func (d *StoreDelta) Transform(other Delta, thisIsFirst bool) (Delta, error) {
	if err := checkKind(StoreKind, other); err != nil {
		return nil, err
	}
	o := other.(*StoreDelta)
	if o.IsEmpty() || d.IsEmpty() {
		return o, nil
	}

	mine := mapset.NewThreadUnsafeSet(d.order...)
	theirs := mapset.NewThreadUnsafeSet(o.order...)
	conflicts := mine.Intersect(theirs)
	if conflicts.Cardinality() == 0 {
		return o, nil
	}

	out := &StoreDelta{entries: make(map[string]storeEntry, len(o.entries))}
	for _, path := range o.order {
		entry := o.entries[path]
		if conflicts.Contains(path) {
			cur := d.entries[path]
			if cur.deleted && entry.deleted {
				// Both sides removed the binding; it is already gone.
				continue
			}
			if !thisIsFirst {
				// This side is ordered second and overwrites anyway.
				continue
			}
		}
		out.order = append(out.order, path)
		out.entries[path] = entry
	}
	if len(out.order) == 0 {
		return EmptyStore, nil
	}
	return out, nil
}

// ValidateChange implements types.ChangeValidator: a change may not unbind
// a path the document does not hold.
func (d *StoreDelta) ValidateChange(ch Change) error {
	o, ok := ch.Delta.(*StoreDelta)
	if !ok {
		return xerrors.Errorf("store document: change delta kind %s", ch.Delta.Kind())
	}
	for _, path := range o.order {
		if !o.entries[path].deleted {
			continue
		}
		if _, bound := d.entries[path]; !bound {
			return xerrors.Errorf("store change unbinds unknown path %s", path)
		}
	}
	return nil
}
