package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// counterReducer counts events per aggregate under the "counters" namespace.
func counterReducer() *engine.Reducer {
	r := engine.NewReducer()
	handler := func(st engine.State, ev engine.Event) (engine.State, error) {
		count := int64(0)
		if v, ok := st.Get("counters", ev.AggregateID); ok {
			m := v.(map[string]any)
			count = m["count"].(int64)
		}
		return st.With("counters", ev.AggregateID, map[string]any{"count": count + 1}), nil
	}
	for _, typ := range []string{"T0", "T1", "T2", "T3"} {
		r.Register(typ, handler)
	}
	return r
}

func seedMixed(t *testing.T, st store.EventStore, n int) {
	t.Helper()
	ctx := context.Background()
	types := []string{"T0", "T1", "T2", "T3"}
	for i := 0; i < n; i++ {
		ev := engine.NewEvent(types[i%4], "agg", int64(i), map[string]any{"i": i}, nil)
		_, err := store.AppendWithRetry(ctx, st, ev, store.DefaultRetryPolicy(), nil)
		require.NoError(t, err)
	}
}

func TestReplayDeterminism(t *testing.T) {
	st := store.NewMemStore()
	seedMixed(t, st, 1000)
	reducer := counterReducer()
	ctx := context.Background()

	hashes := map[string]bool{}
	for i := 0; i < 100; i++ {
		result, err := Replay(ctx, st, reducer, -1)
		require.NoError(t, err)
		h, err := result.State.Hash()
		require.NoError(t, err)
		hashes[h] = true
	}
	assert.Len(t, hashes, 1, "100 replays must produce a single distinct state hash")

	result, err := Replay(ctx, st, reducer, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.Applied)
	assert.Equal(t, int64(1000), result.State.Version)
	assert.Equal(t, int64(999), result.LastSeq)
}

func TestPartialReplayConsistency(t *testing.T) {
	st := store.NewMemStore()
	seedMixed(t, st, 20)
	reducer := counterReducer()
	ctx := context.Background()

	for _, k := range []int64{0, 1, 7, 19} {
		partial, err := Replay(ctx, st, reducer, k)
		require.NoError(t, err)

		// A store holding only the prefix replays to the same bytes.
		prefix := store.NewMemStore()
		records, err := st.Read(ctx, 0, k)
		require.NoError(t, err)
		for _, rec := range records {
			_, err := prefix.Append(ctx, rec.Event.WithSeq(engine.SeqUnassigned), rec.PrevHash)
			require.NoError(t, err)
		}
		full, err := Replay(ctx, prefix, reducer, -1)
		require.NoError(t, err)

		ph, err := partial.State.Hash()
		require.NoError(t, err)
		fh, err := full.State.Hash()
		require.NoError(t, err)
		assert.Equal(t, fh, ph, "to_seq=%d", k)
		assert.Equal(t, k+1, partial.Applied)
	}
}

func TestReplayFromState(t *testing.T) {
	st := store.NewMemStore()
	seedMixed(t, st, 10)
	reducer := counterReducer()
	ctx := context.Background()

	base, err := Replay(ctx, st, reducer, 4)
	require.NoError(t, err)

	resumed, err := ReplayFromState(ctx, st, reducer, base.State, 5, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resumed.Applied)

	full, err := Replay(ctx, st, reducer, -1)
	require.NoError(t, err)

	rh, err := resumed.State.Hash()
	require.NoError(t, err)
	fullh, err := full.State.Hash()
	require.NoError(t, err)
	assert.Equal(t, fullh, rh)
	assert.Equal(t, full.LastHash, resumed.LastHash)

	// Resuming past the tail folds nothing but still reports the real tail.
	caughtUp, err := ReplayFromState(ctx, st, reducer, full.State, 10, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), caughtUp.Applied)
	assert.Equal(t, full.LastHash, caughtUp.LastHash)
	assert.Equal(t, int64(9), caughtUp.LastSeq)
}

func TestDiff(t *testing.T) {
	a := engine.NewState().
		With("counters", "x", map[string]any{"count": int64(1)}).
		With("counters", "y", map[string]any{"count": int64(2)})
	b := engine.NewState().
		With("counters", "x", map[string]any{"count": int64(1)}).
		With("counters", "y", map[string]any{"count": int64(3)}).
		With("counters", "z", map[string]any{"count": int64(1)})

	diffs := Diff(a, b)
	require.NotEmpty(t, diffs)

	var subjects []string
	for _, d := range diffs {
		subjects = append(subjects, d.Namespace+"/"+d.ID)
	}
	assert.Contains(t, subjects, "counters/y")
	assert.Contains(t, subjects, "counters/z")
	assert.NotContains(t, subjects, "counters/x")

	assert.Empty(t, Diff(a, a))
}

func TestTrace(t *testing.T) {
	st := store.NewMemStore()
	seedMixed(t, st, 5)
	reducer := counterReducer()

	var entries []TraceEntry
	err := Trace(context.Background(), st, reducer, -1, func(e TraceEntry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for i, e := range entries {
		assert.Equal(t, int64(i), e.Seq)
		assert.NotEqual(t, e.PreHash, e.PostHash)
		if i > 0 {
			assert.Equal(t, entries[i-1].PostHash, e.PreHash)
		}
	}
}
