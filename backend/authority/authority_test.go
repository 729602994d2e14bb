package authority_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"Inkwell/backend/authority"
	"Inkwell/backend/sync/tests"
	"Inkwell/backend/types"
)

func textDoc(t *testing.T, revNum int, text string) *types.Snapshot {
	t.Helper()
	snap, err := types.NewSnapshot(revNum, types.NewTextDocument(text))
	require.NoError(t, err)
	return snap
}

func docText(doc *authority.Doc) string {
	return doc.Snapshot().Contents().(*types.TextDelta).Text()
}

// Check that a delta based on the current revision is committed as sent,
// with an empty correction.
func Test_Authority_Apply_At_Head(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 3, "abc"), zerolog.Nop())

	edit, err := tests.InsertAt(3, 3, "d")
	require.NoError(t, err)
	revNum, correction, err := doc.ApplyDelta(context.Background(), 3, edit)
	require.NoError(t, err)

	require.Equal(t, 4, revNum)
	require.True(t, correction.IsEmpty())
	require.Equal(t, "abcd", docText(doc))
	require.Equal(t, 4, doc.RevNum())
}

// Check that a delta based on an older revision is rebased over the
// intervening history, and that applying the correction to the submitter's
// expected document reproduces the authority's contents.
func Test_Authority_Rebase_Concurrent_Submission(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 0, "abc"), zerolog.Nop())
	ctx := context.Background()

	editA, err := tests.InsertAt(3, 0, "1")
	require.NoError(t, err)
	_, correction, err := doc.ApplyDelta(ctx, 0, editA)
	require.NoError(t, err)
	require.True(t, correction.IsEmpty())

	// B never saw A's edit and appends to the 3-rune document it knows.
	editB, err := tests.InsertAt(3, 3, "2")
	require.NoError(t, err)
	revNum, correction, err := doc.ApplyDelta(ctx, 0, editB)
	require.NoError(t, err)

	require.Equal(t, 2, revNum)
	require.Equal(t, "1abc2", docText(doc))

	// B expected "abc2"; the correction bridges it to the real document.
	expected := types.NewTextDocument("abc2")
	converged, err := expected.Compose(correction, true)
	require.NoError(t, err)
	require.Equal(t, "1abc2", converged.(*types.TextDelta).Text())
}

// Check that when both writers insert at the same position, the content
// already committed comes first.
func Test_Authority_Tie_Break_History_First(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 0, "x"), zerolog.Nop())
	ctx := context.Background()

	editA, err := tests.InsertAt(1, 0, "A")
	require.NoError(t, err)
	_, _, err = doc.ApplyDelta(ctx, 0, editA)
	require.NoError(t, err)

	editB, err := tests.InsertAt(1, 0, "B")
	require.NoError(t, err)
	_, _, err = doc.ApplyDelta(ctx, 0, editB)
	require.NoError(t, err)

	require.Equal(t, "ABx", docText(doc))
}

// Check that out-of-range base revisions are rejected.
func Test_Authority_Rejects_Bad_Revisions(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 5, "abc"), zerolog.Nop())
	ctx := context.Background()

	edit, err := tests.InsertAt(3, 0, "z")
	require.NoError(t, err)

	_, _, err = doc.ApplyDelta(ctx, 6, edit)
	require.Error(t, err)

	_, _, err = doc.ApplyDelta(ctx, 4, edit)
	require.Error(t, err)

	_, _, err = doc.FetchDeltaAfter(ctx, 6)
	require.Error(t, err)

	_, _, err = doc.FetchDeltaAfter(ctx, 4)
	require.Error(t, err)
}

// Check that a delta of the wrong kind never reaches the document.
func Test_Authority_Rejects_Kind_Mismatch(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 0, "abc"), zerolog.Nop())

	caret, err := types.NewCaretDelta([]types.Operation{
		types.CaretBegin("session", "author", nil),
	})
	require.NoError(t, err)

	_, _, err = doc.ApplyDelta(context.Background(), 0, caret)
	require.Error(t, err)
	require.Equal(t, 0, doc.RevNum())
}

// Check that FetchDeltaAfter parks until a later change exists and then
// returns everything after the requested revision as one delta.
func Test_Authority_Long_Poll(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 0, "abc"), zerolog.Nop())
	ctx := context.Background()

	type result struct {
		revNum int
		delta  types.Delta
		err    error
	}
	got := make(chan result, 1)
	go func() {
		revNum, delta, err := doc.FetchDeltaAfter(ctx, 0)
		got <- result{revNum, delta, err}
	}()

	select {
	case r := <-got:
		t.Fatalf("long poll returned early: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	first, err := tests.InsertAt(3, 3, "d")
	require.NoError(t, err)
	_, _, err = doc.ApplyDelta(ctx, 0, first)
	require.NoError(t, err)

	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, 1, r.revNum)
	require.True(t, first.Equals(r.delta))
}

// Check that history over a non-empty document composes for pollers: the
// tail fold must work even though no empty delta can seed it.
func Test_Authority_Fetch_After_Nonempty_Snapshot(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 5, "hello"), zerolog.Nop())
	ctx := context.Background()

	edit, err := tests.InsertAt(5, 5, "!")
	require.NoError(t, err)
	revNum, correction, err := doc.ApplyDelta(ctx, 5, edit)
	require.NoError(t, err)
	require.Equal(t, 6, revNum)
	require.True(t, correction.IsEmpty())

	gotRev, delta, err := doc.FetchDeltaAfter(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 6, gotRev)
	require.True(t, edit.Equals(delta))
	require.Equal(t, "hello!", docText(doc))
}

// Check that polling from behind composes the whole missing span.
func Test_Authority_Fetch_Composes_History(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 0, "abc"), zerolog.Nop())
	ctx := context.Background()

	first, err := tests.InsertAt(3, 3, "d")
	require.NoError(t, err)
	_, _, err = doc.ApplyDelta(ctx, 0, first)
	require.NoError(t, err)

	second, err := tests.DeleteAt(4, 0, 1)
	require.NoError(t, err)
	_, _, err = doc.ApplyDelta(ctx, 1, second)
	require.NoError(t, err)

	revNum, delta, err := doc.FetchDeltaAfter(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, revNum)

	contents, err := types.NewTextDocument("abc").Compose(delta, true)
	require.NoError(t, err)
	require.Equal(t, "bcd", contents.(*types.TextDelta).Text())
}

// Check that a cancelled context unparks a long poll.
func Test_Authority_Long_Poll_Cancel(t *testing.T) {
	doc := authority.NewDoc(textDoc(t, 0, "abc"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan error, 1)
	go func() {
		_, _, err := doc.FetchDeltaAfter(ctx, 0)
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("long poll did not unpark on cancel")
	}
}
