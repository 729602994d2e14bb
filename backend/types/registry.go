package types

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// WireOp is the transportable form of an Operation.
type WireOp struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// WireDelta is the transportable form of a Delta, keyed by its kind tag.
type WireDelta struct {
	Kind string   `json:"kind"`
	Ops  []WireOp `json:"ops,omitempty"`
}

// WireSnapshot is the transportable form of a Snapshot.
type WireSnapshot struct {
	RevNum   int       `json:"revNum"`
	Contents WireDelta `json:"contents"`
}

// WireChange is the transportable form of a Change.
type WireChange struct {
	RevNum    int       `json:"revNum"`
	Delta     WireDelta `json:"delta"`
	AuthorID  string    `json:"authorId,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// RebuildFunc reconstructs a delta of one kind from deconstructed
// operations.
type RebuildFunc func(ops []Operation) (Delta, error)

// Registry maps kind tags to rebuild functions so deltas and snapshots can
// cross the wire as plain structural data.
type Registry struct {
	kinds map[string]RebuildFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string]RebuildFunc{}}
}

// DefaultRegistry returns a registry with the built-in delta kinds
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TextKind, func(ops []Operation) (Delta, error) { return NewTextDelta(ops) })
	r.Register(CaretKind, func(ops []Operation) (Delta, error) { return NewCaretDelta(ops) })
	r.Register(StoreKind, func(ops []Operation) (Delta, error) { return NewStoreDelta(ops) })
	return r
}

// Register binds a kind tag to its rebuild function. Re-registering a tag
// replaces the previous binding.
func (r *Registry) Register(kind string, rebuild RebuildFunc) {
	r.kinds[kind] = rebuild
}

// EncodeDelta deconstructs a delta into its wire form.
func (r *Registry) EncodeDelta(d Delta) (WireDelta, error) {
	if d == nil {
		return WireDelta{}, xerrors.New("encode: nil delta")
	}
	ops := d.Deconstruct()
	w := WireDelta{Kind: d.Kind(), Ops: make([]WireOp, len(ops))}
	for i, op := range ops {
		w.Ops[i] = WireOp{Name: op.Name(), Args: op.Args()}
	}
	return w, nil
}

// DecodeDelta rebuilds a delta from its wire form.
func (r *Registry) DecodeDelta(w WireDelta) (Delta, error) {
	rebuild, ok := r.kinds[w.Kind]
	if !ok {
		return nil, xerrors.Errorf("decode: unknown delta kind %q", w.Kind)
	}
	ops := make([]Operation, len(w.Ops))
	for i, wop := range w.Ops {
		op, err := NewOperation(wop.Name, wop.Args...)
		if err != nil {
			return nil, xerrors.Errorf("decode %s op %d: %v", w.Kind, i, err)
		}
		ops[i] = op
	}
	return rebuild(ops)
}

// EncodeSnapshot deconstructs a snapshot into its wire form.
func (r *Registry) EncodeSnapshot(s *Snapshot) (WireSnapshot, error) {
	contents, err := r.EncodeDelta(s.Contents())
	if err != nil {
		return WireSnapshot{}, err
	}
	return WireSnapshot{RevNum: s.RevNum(), Contents: contents}, nil
}

// DecodeSnapshot rebuilds a snapshot from its wire form.
func (r *Registry) DecodeSnapshot(w WireSnapshot) (*Snapshot, error) {
	contents, err := r.DecodeDelta(w.Contents)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(w.RevNum, contents)
}

// EncodeChange deconstructs a change into its wire form.
func (r *Registry) EncodeChange(c Change) (WireChange, error) {
	delta, err := r.EncodeDelta(c.Delta)
	if err != nil {
		return WireChange{}, err
	}
	return WireChange{RevNum: c.RevNum, Delta: delta, AuthorID: c.AuthorID, Timestamp: c.Timestamp}, nil
}

// DecodeChange rebuilds a change from its wire form.
func (r *Registry) DecodeChange(w WireChange) (Change, error) {
	delta, err := r.DecodeDelta(w.Delta)
	if err != nil {
		return Change{}, err
	}
	return NewAuthoredChange(w.RevNum, delta, w.AuthorID, w.Timestamp)
}

// MarshalDelta serializes a delta to JSON.
func (r *Registry) MarshalDelta(d Delta) ([]byte, error) {
	w, err := r.EncodeDelta(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalDelta deserializes a delta from JSON. Numeric arguments arrive
// as float64 and are renormalized by the operation constructor, so integer
// counts survive the round trip only through each kind's own validation.
func (r *Registry) UnmarshalDelta(buf []byte) (Delta, error) {
	var w WireDelta
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, xerrors.Errorf("unmarshal delta: %v", err)
	}
	return r.DecodeDelta(w)
}
