package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"Inkwell/backend/types"
)

// Check that operations freeze their arguments: later mutation of the
// source data does not leak in, and readers get copies.
func Test_Operation_Immutability(t *testing.T) {
	attrs := map[string]any{"bold": true}
	op, err := types.NewOperation("ins", "hi", attrs)
	require.NoError(t, err)

	attrs["bold"] = false
	require.Equal(t, true, op.Arg(1).(map[string]any)["bold"])

	read := op.Arg(1).(map[string]any)
	read["bold"] = "mutated"
	require.Equal(t, true, op.Arg(1).(map[string]any)["bold"])
}

// Check that integer widths normalize so equal values compare equal.
func Test_Operation_Numeric_Normalization(t *testing.T) {
	a, err := types.NewOperation("ret", 5)
	require.NoError(t, err)
	b, err := types.NewOperation("ret", int64(5))
	require.NoError(t, err)
	require.True(t, a.Equals(b))
}

// Check that non-plain argument types are rejected.
func Test_Operation_Rejects_Opaque_Args(t *testing.T) {
	_, err := types.NewOperation("bad", struct{ X int }{1})
	require.Error(t, err)

	_, err = types.NewOperation("bad", make(chan int))
	require.Error(t, err)

	_, err = types.NewOperation("")
	require.Error(t, err)
}

// Check strict structural equality on nested arguments.
func Test_Operation_Equals(t *testing.T) {
	a := types.MustOperation("op", []any{"x", int64(1)}, map[string]any{"k": nil})
	b := types.MustOperation("op", []any{"x", int64(1)}, map[string]any{"k": nil})
	c := types.MustOperation("op", []any{"x", int64(2)}, map[string]any{"k": nil})

	require.True(t, a.Equals(b))
	require.False(t, a.Equals(c))
}

// Check the weight estimate: name plus per-argument sizes, strings by
// length, numbers flat, containers with a small overhead.
func Test_Operation_Weight(t *testing.T) {
	require.Equal(t, 8, types.MustOperation("ins", "hello").Weight())
	require.Equal(t, 11, types.MustOperation("ret", 7).Weight())

	withAttrs := types.MustOperation("ins", "ab", map[string]any{"bold": true})
	require.Equal(t, 19, withAttrs.Weight())

	short := types.MustOperation("ins", "a")
	long := types.MustOperation("ins", "a long run of text")
	require.Greater(t, long.Weight(), short.Weight())
}

// Check that every built-in kind survives the JSON round trip, including
// integer counts decoded from float64.
func Test_Registry_JSON_Round_Trip(t *testing.T) {
	reg := types.DefaultRegistry()

	deltas := []types.Delta{
		textDelta(t,
			types.TextRetain(2),
			types.TextInsert("hi", map[string]any{"bold": true}),
			types.TextDelete(1),
		),
		// JSON numbers decode as float64, so wire-bound payload values use
		// float64 to compare equal after the trip.
		caretDelta(t,
			types.CaretBegin("s1", "alice", map[string]any{"pos": float64(4)}),
			types.CaretSet("s2", "pos", float64(9)),
		),
		storeDelta(t,
			types.StorePut("docs/a", map[string]any{"n": float64(1)}),
			types.StoreDelete("docs/b"),
		),
	}

	for _, d := range deltas {
		buf, err := reg.MarshalDelta(d)
		require.NoError(t, err)

		back, err := reg.UnmarshalDelta(buf)
		require.NoError(t, err)
		require.True(t, d.Equals(back), "kind %s", d.Kind())
	}
}

// Check that an unregistered kind tag fails to decode.
func Test_Registry_Unknown_Kind(t *testing.T) {
	reg := types.DefaultRegistry()

	_, err := reg.DecodeDelta(types.WireDelta{Kind: "ghost"})
	require.Error(t, err)
}

// Check that snapshots and changes cross the wire intact.
func Test_Registry_Snapshot_And_Change(t *testing.T) {
	reg := types.DefaultRegistry()

	snap, err := types.NewSnapshot(7, types.NewTextDocument("hello"))
	require.NoError(t, err)

	ws, err := reg.EncodeSnapshot(snap)
	require.NoError(t, err)
	back, err := reg.DecodeSnapshot(ws)
	require.NoError(t, err)
	require.True(t, snap.Equals(back))

	ch, err := types.NewAuthoredChange(8,
		textDelta(t, types.TextRetain(5), types.TextInsert("!", nil)), "alice", 1700000000)
	require.NoError(t, err)

	wc, err := reg.EncodeChange(ch)
	require.NoError(t, err)
	chBack, err := reg.DecodeChange(wc)
	require.NoError(t, err)
	require.True(t, ch.Equals(chBack))
	require.Equal(t, "alice", chBack.AuthorID)
}
