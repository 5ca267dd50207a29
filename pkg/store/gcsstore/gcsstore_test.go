package gcsstore

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// Network-facing paths run against a real bucket or an emulator; these tests
// cover the pure parts: key scheme and error classification.

func testStore() *GCSStore {
	return NewWithBucket(nil, Config{Bucket: "b", Prefix: "events"})
}

func TestKeyScheme(t *testing.T) {
	g := testStore()
	assert.Equal(t, "events/0000000000.json", g.keyForSeq(0))
	assert.Equal(t, "events/0000000123.json", g.keyForSeq(123))

	seq, ok := g.seqFromKey("events/0000000123.json")
	require.True(t, ok)
	assert.Equal(t, int64(123), seq)

	for _, bad := range []string{
		"events/_head.json",
		"events/00000001.txt",
		"other/0000000001.json",
		"events/sub/0000000001.json",
	} {
		_, ok := g.seqFromKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want store.BackendKind
	}{
		{"precondition", &googleapi.Error{Code: http.StatusPreconditionFailed}, store.BackendPreconditionFailed},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, store.BackendAccessDenied},
		{"bucket missing", &googleapi.Error{Code: http.StatusNotFound, Message: "bucket not found"}, store.BackendNoSuchBucket},
		{"bucket sentinel", fmt.Errorf("wrapped: %w", storage.ErrBucketNotExist), store.BackendNoSuchBucket},
		{"network", errors.New("connection reset"), store.BackendNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			berr := classify("op", tt.err)
			assert.Equal(t, tt.want, berr.Kind)
			assert.ErrorIs(t, berr, store.ErrBackend)
		})
	}
}
