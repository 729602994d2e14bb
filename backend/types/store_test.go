package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"Inkwell/backend/types"
)

func storeDelta(t *testing.T, ops ...types.Operation) *types.StoreDelta {
	t.Helper()
	d, err := types.NewStoreDelta(ops)
	require.NoError(t, err)
	return d
}

// Check that malformed paths are rejected at construction.
func Test_Store_Path_Validation(t *testing.T) {
	for _, path := range []string{"", "/abs", "trailing/", "a//b"} {
		_, err := types.NewStoreDelta([]types.Operation{types.StorePut(path, int64(1))})
		require.Error(t, err, "path %q", path)
	}

	d := storeDelta(t, types.StorePut("docs/readme", "hi"))
	v, ok := d.Get("docs/readme")
	require.True(t, ok)
	require.Equal(t, "hi", v)
}

// Check that the last operation on a path wins within one delta.
func Test_Store_Fold_Last_Wins(t *testing.T) {
	d := storeDelta(t,
		types.StorePut("k", int64(1)),
		types.StorePut("k", int64(2)),
	)
	v, ok := d.Get("k")
	require.True(t, ok)
	require.Equal(t, int64(2), v)
}

// Check that composing onto a document removes deleted bindings outright
// and rejects unbinding paths that were never bound.
func Test_Store_Compose_Document(t *testing.T) {
	doc := storeDelta(t,
		types.StorePut("a", int64(1)),
		types.StorePut("b", int64(2)),
	)

	out, err := doc.Compose(storeDelta(t, types.StoreDelete("a")), true)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, out.(*types.StoreDelta).Paths())

	_, err = doc.Compose(storeDelta(t, types.StoreDelete("ghost")), true)
	require.Error(t, err)
}

// Check that deletes survive non-document composition as instructions.
func Test_Store_Compose_Edits(t *testing.T) {
	first := storeDelta(t, types.StorePut("a", int64(1)))
	second := storeDelta(t, types.StoreDelete("a"))

	both, err := first.Compose(second, false)
	require.NoError(t, err)
	require.False(t, both.IsEmpty())
	require.False(t, both.IsDocument())
}

// Check that diff emits deletes for gone bindings and puts for new or
// changed ones, and bridges the two documents.
func Test_Store_Diff(t *testing.T) {
	old := storeDelta(t,
		types.StorePut("keep", int64(1)),
		types.StorePut("gone", int64(2)),
		types.StorePut("changed", int64(3)),
	)
	newer := storeDelta(t,
		types.StorePut("keep", int64(1)),
		types.StorePut("changed", int64(4)),
		types.StorePut("added", int64(5)),
	)

	d, err := old.Diff(newer)
	require.NoError(t, err)

	out, err := old.Compose(d, true)
	require.NoError(t, err)
	require.True(t, out.Equals(newer))
}

// Check the transform convergence law when both sides write the same path:
// the delta ordered second keeps its value.
func Test_Store_Transform_Second_Wins(t *testing.T) {
	doc := storeDelta(t, types.StorePut("k", int64(0)))
	a := storeDelta(t, types.StorePut("k", int64(1)))
	b := storeDelta(t, types.StorePut("k", int64(2)))

	bOverA, err := a.Transform(b, true)
	require.NoError(t, err)
	aOverB, err := b.Transform(a, false)
	require.NoError(t, err)

	left := composeStorePair(t, doc, a, bOverA)
	right := composeStorePair(t, doc, b, aOverB)

	require.True(t, left.Equals(right))
	v, ok := left.Get("k")
	require.True(t, ok)
	require.Equal(t, int64(2), v)
}

// Check that concurrent deletes of the same path converge on it being gone.
func Test_Store_Transform_Concurrent_Deletes(t *testing.T) {
	doc := storeDelta(t, types.StorePut("k", int64(0)))
	a := storeDelta(t, types.StoreDelete("k"))
	b := storeDelta(t, types.StoreDelete("k"))

	bOverA, err := a.Transform(b, true)
	require.NoError(t, err)
	aOverB, err := b.Transform(a, false)
	require.NoError(t, err)

	left := composeStorePair(t, doc, a, bOverA)
	right := composeStorePair(t, doc, b, aOverB)

	require.True(t, left.Equals(right))
	require.True(t, left.IsEmpty())
}

// Check the law for a put racing a delete, in both orders.
func Test_Store_Transform_Put_Versus_Delete(t *testing.T) {
	doc := storeDelta(t, types.StorePut("k", int64(0)))
	put := storeDelta(t, types.StorePut("k", int64(9)))
	del := storeDelta(t, types.StoreDelete("k"))

	left := composeStorePair(t, doc, put, mustTransform(t, put, del, true))
	right := composeStorePair(t, doc, del, mustTransform(t, del, put, false))
	require.True(t, left.Equals(right))
	require.True(t, left.IsEmpty())

	left = composeStorePair(t, doc, del, mustTransform(t, del, put, true))
	right = composeStorePair(t, doc, put, mustTransform(t, put, del, false))
	require.True(t, left.Equals(right))
	v, ok := left.Get("k")
	require.True(t, ok)
	require.Equal(t, int64(9), v)
}

// Check that disjoint paths pass through transform untouched.
func Test_Store_Transform_Disjoint(t *testing.T) {
	a := storeDelta(t, types.StorePut("x", int64(1)))
	b := storeDelta(t, types.StorePut("y", int64(2)))

	out, err := a.Transform(b, true)
	require.NoError(t, err)
	require.Same(t, b, out.(*types.StoreDelta))
}

// Check that a change unbinding an unknown path is rejected.
func Test_Store_ValidateChange(t *testing.T) {
	doc := storeDelta(t, types.StorePut("k", int64(0)))

	ok, err := types.NewChange(1, storeDelta(t, types.StoreDelete("k")))
	require.NoError(t, err)
	require.NoError(t, doc.ValidateChange(ok))

	bad, err := types.NewChange(1, storeDelta(t, types.StoreDelete("ghost")))
	require.NoError(t, err)
	require.Error(t, doc.ValidateChange(bad))
}

func mustTransform(t *testing.T, this, other *types.StoreDelta, thisIsFirst bool) types.Delta {
	t.Helper()
	out, err := this.Transform(other, thisIsFirst)
	require.NoError(t, err)
	return out
}

func composeStorePair(t *testing.T, doc *types.StoreDelta, first, second types.Delta) *types.StoreDelta {
	t.Helper()
	mid, err := doc.Compose(first, true)
	require.NoError(t, err)
	out, err := mid.Compose(second, true)
	require.NoError(t, err)
	return out.(*types.StoreDelta)
}
