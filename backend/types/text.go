package types

import (
	"strings"

	"golang.org/x/xerrors"
)

// Text operation names.
const (
	TextOpInsert = "ins"
	TextOpRetain = "ret"
	TextOpDelete = "del"
)

// textOp is the internal typed form of a text operation. Exactly one of the
// three shapes is populated: insert (text, attrs), retain (n), delete (n).
type textOp struct {
	insert string
	attrs  map[string]any
	retain int
	delete int
}

func (op textOp) isInsert() bool { return op.insert != "" }
func (op textOp) isRetain() bool { return op.retain > 0 }
func (op textOp) isDelete() bool { return op.delete > 0 }

// TextDelta is the body-text delta kind: an insert/retain/delete sequence
// over runes, canonicalized at construction (adjacent same-shape ops merged,
// zero-length ops dropped, inserts ordered before abutting deletes).
// Equality is positional.
//
// - implements types.Delta
type TextDelta struct {
	ops       []textOp
	baseLen   int
	targetLen int
}

// EmptyText is the shared empty text delta.
var EmptyText = &TextDelta{}

// TextInsert builds an insert operation. attrs may be nil.
func TextInsert(s string, attrs map[string]any) Operation {
	if attrs == nil {
		return MustOperation(TextOpInsert, s)
	}
	return MustOperation(TextOpInsert, s, attrs)
}

// TextRetain builds a retain operation.
func TextRetain(n int) Operation {
	return MustOperation(TextOpRetain, int64(n))
}

// TextDelete builds a delete operation.
func TextDelete(n int) Operation {
	return MustOperation(TextOpDelete, int64(n))
}

// NewTextDelta validates and canonicalizes a text delta from generic
// operations. Unknown operation names or malformed arguments are errors.
func NewTextDelta(ops []Operation) (*TextDelta, error) {
	d := &TextDelta{}
	for _, op := range ops {
		t, err := decodeTextOp(op)
		if err != nil {
			return nil, err
		}
		d.push(t)
	}
	if d.IsEmpty() {
		return EmptyText, nil
	}
	return d, nil
}

// NewTextDocument builds a from-empty document delta holding s.
func NewTextDocument(s string) *TextDelta {
	if s == "" {
		return EmptyText
	}
	d := &TextDelta{}
	d.push(textOp{insert: s})
	return d
}

func decodeTextOp(op Operation) (textOp, error) {
	switch op.Name() {
	case TextOpInsert:
		if op.ArgCount() < 1 || op.ArgCount() > 2 {
			return textOp{}, xerrors.Errorf("ins: want 1 or 2 args, got %d", op.ArgCount())
		}
		s, ok := op.Arg(0).(string)
		if !ok {
			return textOp{}, xerrors.Errorf("ins: arg 0 must be a string")
		}
		var attrs map[string]any
		if op.ArgCount() == 2 {
			attrs, ok = op.Arg(1).(map[string]any)
			if !ok {
				return textOp{}, xerrors.Errorf("ins: arg 1 must be a record")
			}
		}
		return textOp{insert: s, attrs: attrs}, nil
	case TextOpRetain, TextOpDelete:
		if op.ArgCount() != 1 {
			return textOp{}, xerrors.Errorf("%s: want 1 arg, got %d", op.Name(), op.ArgCount())
		}
		n, ok := intArg(op.Arg(0))
		if !ok || n < 0 {
			return textOp{}, xerrors.Errorf("%s: arg 0 must be a non-negative count", op.Name())
		}
		if op.Name() == TextOpRetain {
			return textOp{retain: int(n)}, nil
		}
		return textOp{delete: int(n)}, nil
	default:
		return textOp{}, xerrors.Errorf("illegal text operation %q", op.Name())
	}
}

// push appends op in canonical form and maintains the length counters.
func (d *TextDelta) push(op textOp) {
	switch {
	case op.isInsert():
		d.targetLen += len([]rune(op.insert))
		// Keep inserts ahead of an abutting delete so equivalent deltas
		// compare equal.
		n := len(d.ops)
		if n > 0 && d.ops[n-1].isDelete() {
			if n > 1 && d.ops[n-2].isInsert() && attrsEqual(d.ops[n-2].attrs, op.attrs) {
				d.ops[n-2].insert += op.insert
				return
			}
			d.ops = append(d.ops, d.ops[n-1])
			d.ops[n-1] = op
			return
		}
		if n > 0 && d.ops[n-1].isInsert() && attrsEqual(d.ops[n-1].attrs, op.attrs) {
			d.ops[n-1].insert += op.insert
			return
		}
		d.ops = append(d.ops, op)
	case op.isRetain():
		d.baseLen += op.retain
		d.targetLen += op.retain
		if n := len(d.ops); n > 0 && d.ops[n-1].isRetain() {
			d.ops[n-1].retain += op.retain
			return
		}
		d.ops = append(d.ops, op)
	case op.isDelete():
		d.baseLen += op.delete
		if n := len(d.ops); n > 0 && d.ops[n-1].isDelete() {
			d.ops[n-1].delete += op.delete
			return
		}
		d.ops = append(d.ops, op)
	}
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !argEqual(v, w) {
			return false
		}
	}
	return true
}

// Kind implements types.Delta.
func (d *TextDelta) Kind() string { return TextKind }

// IsEmpty implements types.Delta.
func (d *TextDelta) IsEmpty() bool { return len(d.ops) == 0 }

// IsDocument implements types.Delta. A text delta is a document when it
// consumes nothing from its base, i.e. it is pure insertion.
func (d *TextDelta) IsDocument() bool { return d.baseLen == 0 }

// BaseLen returns the length of the base document the delta applies to.
func (d *TextDelta) BaseLen() int { return d.baseLen }

// TargetLen returns the length of the document the delta produces.
func (d *TextDelta) TargetLen() int { return d.targetLen }

// Ops implements types.Delta.
func (d *TextDelta) Ops() []Operation { return d.Deconstruct() }

// Deconstruct implements types.Delta.
func (d *TextDelta) Deconstruct() []Operation {
	out := make([]Operation, len(d.ops))
	for i, op := range d.ops {
		switch {
		case op.isInsert():
			out[i] = TextInsert(op.insert, op.attrs)
		case op.isRetain():
			out[i] = TextRetain(op.retain)
		default:
			out[i] = TextDelete(op.delete)
		}
	}
	return out
}

// Equals implements types.Delta.
func (d *TextDelta) Equals(other Delta) bool {
	o, ok := other.(*TextDelta)
	if !ok || len(d.ops) != len(o.ops) {
		return false
	}
	for i := range d.ops {
		a, b := d.ops[i], o.ops[i]
		if a.insert != b.insert || a.retain != b.retain || a.delete != b.delete ||
			!attrsEqual(a.attrs, b.attrs) {
			return false
		}
	}
	return true
}

// Text renders the document content. Only valid on documents.
func (d *TextDelta) Text() string {
	var sb strings.Builder
	for _, op := range d.ops {
		sb.WriteString(op.insert)
	}
	return sb.String()
}

// Apply runs the delta over a base string.
func (d *TextDelta) Apply(base string) (string, error) {
	runes := []rune(base)
	if len(runes) != d.baseLen {
		return "", xerrors.Errorf("text apply: delta base length %d does not match document length %d",
			d.baseLen, len(runes))
	}
	var sb strings.Builder
	pos := 0
	for _, op := range d.ops {
		switch {
		case op.isInsert():
			sb.WriteString(op.insert)
		case op.isRetain():
			sb.WriteString(string(runes[pos : pos+op.retain]))
			pos += op.retain
		case op.isDelete():
			pos += op.delete
		}
	}
	return sb.String(), nil
}

// opReader walks an op list with partial consumption of retain/delete
// counts and insert runes.
type opReader struct {
	ops []textOp
	i   int
	off int // consumed runes/count of ops[i]
}

func (r *opReader) done() bool { return r.i >= len(r.ops) }

func (r *opReader) cur() textOp { return r.ops[r.i] }

// remaining returns how much of the current op is left.
func (r *opReader) remaining() int {
	op := r.ops[r.i]
	switch {
	case op.isInsert():
		return len([]rune(op.insert)) - r.off
	case op.isRetain():
		return op.retain - r.off
	default:
		return op.delete - r.off
	}
}

// takeInsert consumes n runes of the current insert op.
func (r *opReader) takeInsert(n int) (string, map[string]any) {
	op := r.ops[r.i]
	runes := []rune(op.insert)
	s := string(runes[r.off : r.off+n])
	r.advance(n)
	return s, op.attrs
}

func (r *opReader) advance(n int) {
	if n < r.remaining() {
		r.off += n
		return
	}
	r.i++
	r.off = 0
}

// Compose implements types.Delta.
func (d *TextDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	if err := checkKind(TextKind, other); err != nil {
		return nil, err
	}
	if wantDocument && !d.IsDocument() {
		return nil, xerrors.New("text compose: receiver is not a document")
	}
	o := other.(*TextDelta)
	if o.IsEmpty() {
		return d, nil
	}
	if d.IsEmpty() {
		if o.baseLen != 0 {
			return nil, xerrors.Errorf("text compose: operand consumes %d from an empty base", o.baseLen)
		}
		return o, nil
	}
	if d.targetLen != o.baseLen {
		return nil, xerrors.Errorf("text compose: target length %d does not match operand base length %d",
			d.targetLen, o.baseLen)
	}

	out := &TextDelta{}
	a := &opReader{ops: d.ops}
	b := &opReader{ops: o.ops}
	for {
		if !a.done() && a.cur().isDelete() {
			n := a.remaining()
			a.advance(n)
			out.push(textOp{delete: n})
			continue
		}
		if !b.done() && b.cur().isInsert() {
			n := b.remaining()
			s, attrs := b.takeInsert(n)
			out.push(textOp{insert: s, attrs: attrs})
			continue
		}
		if a.done() && b.done() {
			break
		}
		if a.done() || b.done() {
			return nil, xerrors.New("text compose: operand lengths are inconsistent")
		}
		n := minInt(a.remaining(), b.remaining())
		switch {
		case a.cur().isRetain() && b.cur().isRetain():
			out.push(textOp{retain: n})
			a.advance(n)
			b.advance(n)
		case a.cur().isRetain() && b.cur().isDelete():
			out.push(textOp{delete: n})
			a.advance(n)
			b.advance(n)
		case a.cur().isInsert() && b.cur().isRetain():
			s, attrs := a.takeInsert(n)
			out.push(textOp{insert: s, attrs: attrs})
			b.advance(n)
		case a.cur().isInsert() && b.cur().isDelete():
			a.advance(n)
			b.advance(n)
		}
	}
	if out.IsEmpty() {
		return EmptyText, nil
	}
	return out, nil
}

// Transform implements types.Delta. It derives the bottom side of the OT
// diamond: the returned delta applies on top of the receiver and converges
// with other applied on top of other's side.
func (d *TextDelta) Transform(other Delta, thisIsFirst bool) (Delta, error) {
	if err := checkKind(TextKind, other); err != nil {
		return nil, err
	}
	o := other.(*TextDelta)
	if o.IsEmpty() {
		return o, nil
	}
	if d.IsEmpty() {
		return o, nil
	}
	if d.baseLen != o.baseLen {
		return nil, xerrors.Errorf("text transform: deltas have different base lengths %d and %d",
			d.baseLen, o.baseLen)
	}

	out := &TextDelta{}
	a := &opReader{ops: d.ops}
	b := &opReader{ops: o.ops}
	for !a.done() || !b.done() {
		// Inserts happen at the current position without consuming base
		// content; ties between two inserts go to this delta iff it is
		// ordered first.
		if !a.done() && a.cur().isInsert() && (b.done() || !b.cur().isInsert() || thisIsFirst) {
			n := a.remaining()
			a.advance(n)
			out.push(textOp{retain: n})
			continue
		}
		if !b.done() && b.cur().isInsert() {
			n := b.remaining()
			s, attrs := b.takeInsert(n)
			out.push(textOp{insert: s, attrs: attrs})
			continue
		}
		if a.done() || b.done() {
			return nil, xerrors.New("text transform: operand lengths are inconsistent")
		}
		n := minInt(a.remaining(), b.remaining())
		switch {
		case a.cur().isRetain() && b.cur().isRetain():
			out.push(textOp{retain: n})
		case a.cur().isRetain() && b.cur().isDelete():
			out.push(textOp{delete: n})
		// Content this delta already deleted is gone; the other side's
		// retain or delete of it collapses.
		case a.cur().isDelete() && b.cur().isRetain():
		case a.cur().isDelete() && b.cur().isDelete():
		}
		a.advance(n)
		b.advance(n)
	}
	if out.IsEmpty() {
		return EmptyText, nil
	}
	return out, nil
}

// runeAttr is one rendered document rune with its attributes, used by Diff.
type runeAttr struct {
	r     rune
	attrs map[string]any
}

func (d *TextDelta) rendered() []runeAttr {
	var out []runeAttr
	for _, op := range d.ops {
		for _, r := range op.insert {
			out = append(out, runeAttr{r: r, attrs: op.attrs})
		}
	}
	return out
}

// Diff implements types.Delta.
func (d *TextDelta) Diff(other Delta) (Delta, error) {
	if err := checkKind(TextKind, other); err != nil {
		return nil, err
	}
	o := other.(*TextDelta)
	if !d.IsDocument() || !o.IsDocument() {
		return nil, xerrors.New("text diff: both operands must be documents")
	}
	if d.Equals(o) {
		return EmptyText, nil
	}

	from, to := d.rendered(), o.rendered()
	prefix := 0
	for prefix < len(from) && prefix < len(to) &&
		from[prefix].r == to[prefix].r && attrsEqual(from[prefix].attrs, to[prefix].attrs) {
		prefix++
	}
	suffix := 0
	for suffix < len(from)-prefix && suffix < len(to)-prefix {
		f, t := from[len(from)-1-suffix], to[len(to)-1-suffix]
		if f.r != t.r || !attrsEqual(f.attrs, t.attrs) {
			break
		}
		suffix++
	}

	out := &TextDelta{}
	out.push(textOp{retain: prefix})
	out.push(textOp{delete: len(from) - prefix - suffix})
	for _, ra := range to[prefix : len(to)-suffix] {
		out.push(textOp{insert: string(ra.r), attrs: ra.attrs})
	}
	out.push(textOp{retain: suffix})
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
