package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/replay"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

func testReducer() *engine.Reducer {
	r := engine.NewReducer()
	r.Register("INC", func(st engine.State, ev engine.Event) (engine.State, error) {
		count := int64(0)
		if v, ok := st.Get("counters", ev.AggregateID); ok {
			count = v.(map[string]any)["count"].(int64)
		}
		return st.With("counters", ev.AggregateID, map[string]any{"count": count + 1}), nil
	})
	return r
}

func seededStore(t *testing.T, n int) *store.MemStore {
	t.Helper()
	st := store.NewMemStore()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := engine.NewEvent("INC", "A", int64(i), map[string]any{"inc": 1}, nil)
		_, err := store.AppendWithRetry(ctx, st, ev, store.DefaultRetryPolicy(), nil)
		require.NoError(t, err)
	}
	return st
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t, 20)
	reducer := testReducer()
	signer, err := NewSigner("key-1")
	require.NoError(t, err)

	c, err := Create(ctx, st, reducer, signer, 9, "writer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.AtSeq)
	assert.NotEmpty(t, c.CheckpointID)
	assert.NotEmpty(t, c.Signature)
	assert.Equal(t, "writer-1", c.CreatedBy)

	result := Verify(ctx, c, signer.PublicKeyHex(), st, reducer)
	assert.True(t, result.Valid, result.Error)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.LogHashValid)
	assert.True(t, result.StateValid)
}

func TestDeterministicID(t *testing.T) {
	a, err := New(5, "sh", "lh", 10, "w")
	require.NoError(t, err)
	b, err := New(5, "sh", "lh", 99, "other") // id covers only the commitment
	require.NoError(t, err)
	assert.Equal(t, a.CheckpointID, b.CheckpointID)

	c, err := New(6, "sh", "lh", 10, "w")
	require.NoError(t, err)
	assert.NotEqual(t, a.CheckpointID, c.CheckpointID)
}

func TestBitFlipFailsVerification(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t, 10)
	reducer := testReducer()
	signer, err := NewSigner("key-1")
	require.NoError(t, err)

	c, err := Create(ctx, st, reducer, signer, -1, "writer-1")
	require.NoError(t, err)
	pub := signer.PublicKeyHex()

	// State hash flip.
	tampered := c
	tampered.StateHash = flipHex(c.StateHash)
	assert.False(t, Verify(ctx, tampered, pub, st, reducer).Valid)

	// Log hash flip.
	tampered = c
	tampered.LogHash = flipHex(c.LogHash)
	assert.False(t, Verify(ctx, tampered, pub, st, reducer).Valid)

	// Signature flip.
	tampered = c
	tampered.Signature = flipHex(c.Signature)
	assert.False(t, Verify(ctx, tampered, pub, st, reducer).Valid)

	// Wrong key.
	other, err := NewSigner("key-2")
	require.NoError(t, err)
	assert.False(t, Verify(ctx, c, other.PublicKeyHex(), st, reducer).Valid)

	// Untampered checkpoint still verifies.
	assert.True(t, Verify(ctx, c, pub, st, reducer).Valid)
}

func TestSignerSeedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	signer, err := NewSigner("key-1")
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "signing.key")
	require.NoError(t, signer.SaveSeed(keyPath))

	loaded, err := LoadSigner(keyPath, "key-1")
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKeyHex(), loaded.PublicKeyHex())

	c, err := New(1, "sh", "lh", 1, "w")
	require.NoError(t, err)
	signed, err := loaded.Sign(c)
	require.NoError(t, err)
	ok, err := VerifySignature(signed, signer.PublicKeyHex())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreWriteOnce(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	c, err := New(3, "sh", "lh", 1, "w")
	require.NoError(t, err)
	c.Signature = "00"

	path, err := s.Save(c)
	require.NoError(t, err)

	// Saving the same checkpoint again must not overwrite.
	_, err = s.Save(c)
	require.Error(t, err)

	loaded, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.CheckpointID, loaded.CheckpointID)
	assert.Equal(t, c.AtSeq, loaded.AtSeq)
}

func TestStoreListAndLookup(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, seq := range []int64{5, 1, 9} {
		c, err := New(seq, "sh", "lh", 1, "w")
		require.NoError(t, err)
		c.Signature = "00"
		_, err = s.Save(c)
		require.NoError(t, err)
	}

	paths, err := s.List()
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Contains(t, filepath.Base(paths[0]), "cp_1_")
	assert.Contains(t, filepath.Base(paths[2]), "cp_9_")

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(latest), "cp_9_")

	at, err := s.AtOrBefore(7)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(at), "cp_5_")

	none, err := s.AtOrBefore(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t, 20)
	reducer := testReducer()
	signer, err := NewSigner("key-1")
	require.NoError(t, err)

	c, err := Create(ctx, st, reducer, signer, 9, "writer-1")
	require.NoError(t, err)

	base, err := replay.Replay(ctx, st, reducer, 9)
	require.NoError(t, err)

	resumed, err := Resume(ctx, c, signer.PublicKeyHex(), base.State, st, reducer)
	require.NoError(t, err)
	assert.Equal(t, int64(10), resumed.Applied)

	full, err := replay.Replay(ctx, st, reducer, -1)
	require.NoError(t, err)
	fh, err := full.State.Hash()
	require.NoError(t, err)
	rh, err := resumed.State.Hash()
	require.NoError(t, err)
	assert.Equal(t, fh, rh)

	// A cached state that does not match the commitment is refused.
	_, err = Resume(ctx, c, signer.PublicKeyHex(), engine.NewState(), st, reducer)
	require.Error(t, err)
}

func TestResumeCaughtUp(t *testing.T) {
	// Checkpoint at the tail: resuming folds nothing, but the result still
	// reports the real tail position, usable as an append precondition.
	ctx := context.Background()
	st := seededStore(t, 20)
	reducer := testReducer()
	signer, err := NewSigner("key-1")
	require.NoError(t, err)

	c, err := Create(ctx, st, reducer, signer, -1, "writer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(19), c.AtSeq)

	base, err := replay.Replay(ctx, st, reducer, -1)
	require.NoError(t, err)

	resumed, err := Resume(ctx, c, signer.PublicKeyHex(), base.State, st, reducer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resumed.Applied)
	assert.Equal(t, int64(19), resumed.LastSeq)
	assert.Equal(t, c.LogHash, resumed.LastHash)

	// The reported tail hash satisfies the conditional append.
	ev := engine.NewEvent("INC", "A", 20, map[string]any{"inc": 1}, nil)
	rec, err := st.Append(ctx, ev, resumed.LastHash)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.Event.Seq)
}

func flipHex(s string) string {
	if s == "" {
		return "0"
	}
	c := byte('0')
	if s[0] == '0' {
		c = '1'
	}
	return string(c) + s[1:]
}
