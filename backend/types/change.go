package types

import (
	"golang.org/x/xerrors"
)

// Change is one atomic step in a document's history: a delta targeting a
// revision number, optionally attributed to an author at a point in time.
// AuthorID and Timestamp are carried for external consumers; the algebra
// ignores them.
type Change struct {
	RevNum    int
	Delta     Delta
	AuthorID  string
	Timestamp int64
}

// NewChange builds an unattributed change.
func NewChange(revNum int, delta Delta) (Change, error) {
	return NewAuthoredChange(revNum, delta, "", 0)
}

// NewAuthoredChange builds a change with attribution metadata.
func NewAuthoredChange(revNum int, delta Delta, authorID string, timestamp int64) (Change, error) {
	if revNum < 0 {
		return Change{}, xerrors.Errorf("change revision must be non-negative, got %d", revNum)
	}
	if delta == nil {
		return Change{}, xerrors.New("change delta must be non-nil")
	}
	return Change{RevNum: revNum, Delta: delta, AuthorID: authorID, Timestamp: timestamp}, nil
}

// Equals ignores attribution, matching the algebra's view of a change.
func (c Change) Equals(other Change) bool {
	return c.RevNum == other.RevNum && c.Delta.Equals(other.Delta)
}
