package types

import (
	"golang.org/x/xerrors"
)

// Snapshot is a fully-materialized document state: a revision number plus a
// from-empty contents delta. Contents always satisfy IsDocument; violating
// that at construction is an input error, never coerced.
type Snapshot struct {
	revNum   int
	contents Delta
}

// Shared empty snapshots, one per delta kind.
var (
	EmptyTextSnapshot  = &Snapshot{contents: EmptyText}
	EmptyCaretSnapshot = &Snapshot{contents: EmptyCaret}
	EmptyStoreSnapshot = &Snapshot{contents: EmptyStore}
)

// NewSnapshot builds a snapshot, rejecting non-document contents.
func NewSnapshot(revNum int, contents Delta) (*Snapshot, error) {
	if revNum < 0 {
		return nil, xerrors.Errorf("snapshot revision must be non-negative, got %d", revNum)
	}
	if contents == nil || !contents.IsDocument() {
		return nil, xerrors.New("snapshot contents must be a document")
	}
	return &Snapshot{revNum: revNum, contents: contents}, nil
}

// RevNum returns the revision number.
func (s *Snapshot) RevNum() int { return s.revNum }

// Contents returns the document delta.
func (s *Snapshot) Contents() Delta { return s.contents }

// Kind returns the contents' delta kind.
func (s *Snapshot) Kind() string { return s.contents.Kind() }

// Equals compares revision and contents.
func (s *Snapshot) Equals(other *Snapshot) bool {
	if other == nil {
		return false
	}
	return s.revNum == other.revNum && s.contents.Equals(other.contents)
}

// WithRevNum returns a snapshot with the revision replaced. The receiver is
// returned unchanged when the value already matches, so callers can rely on
// pointer identity for change detection.
func (s *Snapshot) WithRevNum(revNum int) *Snapshot {
	if revNum == s.revNum {
		return s
	}
	return &Snapshot{revNum: revNum, contents: s.contents}
}

// WithContents returns a snapshot with the contents replaced, preserving
// identity when the instance is the same.
func (s *Snapshot) WithContents(contents Delta) (*Snapshot, error) {
	if contents == s.contents {
		return s, nil
	}
	return NewSnapshot(s.revNum, contents)
}

// ValidateChange checks a change for structural and, where the contents
// kind supports it, semantic legality against this snapshot.
func (s *Snapshot) ValidateChange(ch Change) error {
	if ch.Delta == nil {
		return xerrors.New("change delta must be non-nil")
	}
	if ch.Delta.Kind() != s.contents.Kind() {
		return xerrors.Errorf("change delta kind %s does not match snapshot kind %s",
			ch.Delta.Kind(), s.contents.Kind())
	}
	if v, ok := s.contents.(ChangeValidator); ok {
		return v.ValidateChange(ch)
	}
	return nil
}

// Compose advances the snapshot by one change. An empty-delta change keeps
// the contents object itself and only replaces the revision, preserving
// identity-based caching downstream.
func (s *Snapshot) Compose(ch Change) (*Snapshot, error) {
	if err := s.ValidateChange(ch); err != nil {
		return nil, err
	}
	if ch.Delta.IsEmpty() {
		return s.WithRevNum(ch.RevNum), nil
	}
	contents, err := s.contents.Compose(ch.Delta, true)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(ch.RevNum, contents)
}

// YieldFunc is invoked between ComposeAll batches with the half-open index
// range just composed; ComposeAll stops if it returns an error. The hook is
// the point where a long catch-up cedes the worker.
type YieldFunc func(start, end int) error

// ComposeAll folds a sequence of changes in order, yielding cooperatively
// between batches of batchSize changes (default 1). The receiver itself is
// returned when the input is empty or nets to no change.
func (s *Snapshot) ComposeAll(changes []Change, batchSize int, yield YieldFunc) (*Snapshot, error) {
	if len(changes) == 0 {
		return s, nil
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	out := s
	for start := 0; start < len(changes); start += batchSize {
		end := minInt(start+batchSize, len(changes))
		for _, ch := range changes[start:end] {
			next, err := out.Compose(ch)
			if err != nil {
				return nil, xerrors.Errorf("compose all, revision %d: %v", ch.RevNum, err)
			}
			out = next
		}
		if yield != nil && end < len(changes) {
			if err := yield(start, end); err != nil {
				return nil, err
			}
		}
	}
	if out.Equals(s) {
		return s, nil
	}
	return out, nil
}

// Diff computes the change stepping from this snapshot to newer. Equal
// contents short-circuit to an empty delta.
func (s *Snapshot) Diff(newer *Snapshot) (Change, error) {
	if newer == nil {
		return Change{}, xerrors.New("diff operand must be non-nil")
	}
	delta, err := s.contents.Diff(newer.contents)
	if err != nil {
		return Change{}, err
	}
	return NewChange(newer.revNum, delta)
}
