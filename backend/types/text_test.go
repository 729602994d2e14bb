package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"Inkwell/backend/types"
)

func textDelta(t *testing.T, ops ...types.Operation) *types.TextDelta {
	t.Helper()
	d, err := types.NewTextDelta(ops)
	require.NoError(t, err)
	return d
}

// Check that a delta applies to a plain string.
func Test_Text_Apply(t *testing.T) {
	d := textDelta(t,
		types.TextRetain(2),
		types.TextInsert("XY", nil),
		types.TextDelete(1),
		types.TextRetain(2),
	)

	out, err := d.Apply("hello")
	require.NoError(t, err)
	require.Equal(t, "heXYlo", out)

	_, err = d.Apply("hi")
	require.Error(t, err)
}

// Check that adjacent operations of the same shape merge and that inserts
// are ordered before abutting deletes, so equivalent builds compare equal.
func Test_Text_Canonical_Form(t *testing.T) {
	a := textDelta(t,
		types.TextInsert("ab", nil),
		types.TextInsert("cd", nil),
		types.TextDelete(1),
		types.TextDelete(2),
	)
	b := textDelta(t,
		types.TextDelete(3),
		types.TextInsert("abcd", nil),
	)
	require.True(t, a.Equals(b))
}

// Check that composing a document with an edit yields the edited document.
func Test_Text_Compose_Document(t *testing.T) {
	doc := types.NewTextDocument("hello")
	edit := textDelta(t,
		types.TextRetain(5),
		types.TextInsert(" world", nil),
	)

	out, err := doc.Compose(edit, true)
	require.NoError(t, err)
	require.True(t, out.IsDocument())
	require.Equal(t, "hello world", out.(*types.TextDelta).Text())
}

// Check that two sequential edits compose into one equivalent edit.
func Test_Text_Compose_Edits(t *testing.T) {
	doc := types.NewTextDocument("abc")
	first := textDelta(t, types.TextRetain(3), types.TextInsert("d", nil))
	second := textDelta(t, types.TextDelete(1), types.TextRetain(3))

	both, err := first.Compose(second, false)
	require.NoError(t, err)

	step1, err := doc.Compose(first, true)
	require.NoError(t, err)
	step2, err := step1.Compose(second, true)
	require.NoError(t, err)

	atOnce, err := doc.Compose(both, true)
	require.NoError(t, err)
	require.True(t, atOnce.Equals(step2))
	require.Equal(t, "bcd", atOnce.(*types.TextDelta).Text())
}

// Check that composing with the empty delta returns the receiver itself.
func Test_Text_Compose_Empty_Identity(t *testing.T) {
	doc := types.NewTextDocument("abc")

	out, err := doc.Compose(types.EmptyText, true)
	require.NoError(t, err)
	require.Same(t, doc, out.(*types.TextDelta))
}

// Check that mismatched lengths are rejected rather than coerced.
func Test_Text_Compose_Length_Mismatch(t *testing.T) {
	doc := types.NewTextDocument("abc")
	edit := textDelta(t, types.TextRetain(5), types.TextInsert("x", nil))

	_, err := doc.Compose(edit, true)
	require.Error(t, err)
}

// Check that composing across kinds is an error, never a coercion.
func Test_Text_Compose_Kind_Mismatch(t *testing.T) {
	doc := types.NewTextDocument("abc")
	other, err := types.NewStoreDelta([]types.Operation{types.StorePut("a", int64(1))})
	require.NoError(t, err)

	_, err = doc.Compose(other, true)
	require.Error(t, err)
}

// Check that diff produces the delta bridging two documents.
func Test_Text_Diff(t *testing.T) {
	old := types.NewTextDocument("kitten")
	newer := types.NewTextDocument("sitting")

	d, err := old.Diff(newer)
	require.NoError(t, err)

	out, err := old.Compose(d, true)
	require.NoError(t, err)
	require.Equal(t, "sitting", out.(*types.TextDelta).Text())
}

// Check that diffing equal documents short-circuits to the shared empty
// delta without producing equivalent-but-new instances.
func Test_Text_Diff_Equal_Documents(t *testing.T) {
	a := types.NewTextDocument("same")
	b := types.NewTextDocument("same")

	d, err := a.Diff(b)
	require.NoError(t, err)
	require.Same(t, types.EmptyText, d.(*types.TextDelta))
}

// Check the transform convergence law on concurrent inserts, and that the
// tie-break orders the first delta's content first.
func Test_Text_Transform_Concurrent_Inserts(t *testing.T) {
	doc := types.NewTextDocument("x")
	a := textDelta(t, types.TextInsert("A", nil), types.TextRetain(1))
	b := textDelta(t, types.TextInsert("B", nil), types.TextRetain(1))

	bOverA, err := a.Transform(b, true)
	require.NoError(t, err)
	aOverB, err := b.Transform(a, false)
	require.NoError(t, err)

	left, err := doc.Compose(a, true)
	require.NoError(t, err)
	left, err = left.Compose(bOverA, true)
	require.NoError(t, err)

	right, err := doc.Compose(b, true)
	require.NoError(t, err)
	right, err = right.Compose(aOverB, true)
	require.NoError(t, err)

	require.True(t, left.Equals(right))
	require.Equal(t, "ABx", left.(*types.TextDelta).Text())
}

// Check that an insert into a concurrently deleted range survives.
func Test_Text_Transform_Insert_Into_Deleted_Range(t *testing.T) {
	doc := types.NewTextDocument("abcdef")
	del := textDelta(t, types.TextRetain(1), types.TextDelete(4), types.TextRetain(1))
	ins := textDelta(t, types.TextRetain(3), types.TextInsert("X", nil), types.TextRetain(3))

	insOverDel, err := del.Transform(ins, true)
	require.NoError(t, err)
	delOverIns, err := ins.Transform(del, false)
	require.NoError(t, err)

	left, err := doc.Compose(del, true)
	require.NoError(t, err)
	left, err = left.Compose(insOverDel, true)
	require.NoError(t, err)

	right, err := doc.Compose(ins, true)
	require.NoError(t, err)
	right, err = right.Compose(delOverIns, true)
	require.NoError(t, err)

	require.True(t, left.Equals(right))
	require.Equal(t, "aXf", left.(*types.TextDelta).Text())
}

// Check the convergence law over randomized edit pairs.
func Test_Text_Transform_Randomized_Convergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		doc := types.NewTextDocument(randomString(rng, rng.Intn(20)))
		a := randomEdit(t, rng, doc)
		b := randomEdit(t, rng, doc)

		bOverA, err := a.Transform(b, true)
		require.NoError(t, err)
		aOverB, err := b.Transform(a, false)
		require.NoError(t, err)

		left, err := doc.Compose(a, true)
		require.NoError(t, err)
		left, err = left.Compose(bOverA, true)
		require.NoError(t, err)

		right, err := doc.Compose(b, true)
		require.NoError(t, err)
		right, err = right.Compose(aOverB, true)
		require.NoError(t, err)

		require.True(t, left.Equals(right),
			"diverged on %q: %q vs %q",
			doc.Text(), left.(*types.TextDelta).Text(), right.(*types.TextDelta).Text())
	}
}

func randomString(rng *rand.Rand, n int) string {
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = rune('a' + rng.Intn(26))
	}
	return string(runes)
}

func randomEdit(t *testing.T, rng *rand.Rand, doc *types.TextDelta) *types.TextDelta {
	t.Helper()
	docLen := len([]rune(doc.Text()))

	pos := 0
	if docLen > 0 {
		pos = rng.Intn(docLen + 1)
	}

	var ops []types.Operation
	if pos > 0 {
		ops = append(ops, types.TextRetain(pos))
	}
	if docLen > pos && rng.Intn(2) == 0 {
		n := rng.Intn(docLen-pos) + 1
		ops = append(ops, types.TextDelete(n))
		if rest := docLen - pos - n; rest > 0 {
			ops = append(ops, types.TextRetain(rest))
		}
	} else {
		ops = append(ops, types.TextInsert(randomString(rng, rng.Intn(3)+1), nil))
		if rest := docLen - pos; rest > 0 {
			ops = append(ops, types.TextRetain(rest))
		}
	}
	return textDelta(t, ops...)
}
