package types

import (
	"golang.org/x/xerrors"
)

// Delta kind tags.
const (
	TextKind  = "text"
	CaretKind = "caret"
	StoreKind = "store"
)

// Delta is an ordered, immutable sequence of Operations representing either
// a transformation or, when IsDocument() holds, a fully-materialized
// document (a transformation from the empty document).
//
// The concrete kinds form a closed set: TextDelta, CaretDelta, StoreDelta.
// Mixing kinds in Compose/Diff/Transform is an error, never a coercion.
type Delta interface {
	// Kind returns the concrete kind tag.
	Kind() string

	// Ops returns the operation sequence. The returned slice must not be
	// mutated.
	Ops() []Operation

	// IsEmpty reports whether the delta carries no operations.
	IsEmpty() bool

	// IsDocument reports whether the delta, applied to the empty document,
	// yields a well-formed whole document.
	IsDocument() bool

	// Equals compares two deltas of the same kind. Text compares
	// positionally; caret and store compare as identity-keyed multisets.
	Equals(other Delta) bool

	// Compose returns the delta equivalent to applying this delta and then
	// other. If wantDocument is set, this delta must itself be a document.
	// Composing with an empty delta returns the receiver unchanged.
	Compose(other Delta, wantDocument bool) (Delta, error)

	// Diff returns a delta d such that this.Compose(d, true) equals other.
	// Both operands must be documents. Equal operands short-circuit to the
	// shared empty delta without doing the diff work.
	Diff(other Delta) (Delta, error)

	// Transform rebases other over this: given two deltas derived from the
	// same base document, it returns the delta to apply on top of this so
	// that the result converges with applying this on top of other.
	// thisIsFirst breaks ties when both deltas put content at the same
	// place: true orders this delta's content first.
	Transform(other Delta, thisIsFirst bool) (Delta, error)

	// Deconstruct returns the data needed to rebuild an equal instance, for
	// handoff to the wire codec.
	Deconstruct() []Operation
}

// ChangeValidator is implemented by delta kinds that can check semantic
// (not merely structural) legality of a change against a base document.
type ChangeValidator interface {
	ValidateChange(ch Change) error
}

// EmptyDelta returns the shared empty delta of the given kind.
func EmptyDelta(kind string) (Delta, error) {
	switch kind {
	case TextKind:
		return EmptyText, nil
	case CaretKind:
		return EmptyCaret, nil
	case StoreKind:
		return EmptyStore, nil
	default:
		return nil, xerrors.Errorf("unknown delta kind %s", kind)
	}
}

func checkKind(want string, other Delta) error {
	if other == nil {
		return xerrors.Errorf("%s delta: nil operand", want)
	}
	if other.Kind() != want {
		return xerrors.Errorf("%s delta: mismatched operand kind %s", want, other.Kind())
	}
	return nil
}
