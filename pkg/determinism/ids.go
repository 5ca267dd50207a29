package determinism

import (
	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
)

// StableID derives an identifier from its parts: the SHA-256 hex digest of the
// canonical JSON array of parts. Same parts, same id, on every host.
func StableID(parts ...string) string {
	arr := make([]any, len(parts))
	for i, p := range parts {
		arr[i] = p
	}
	// Only strings go in, so canonicalization cannot fail.
	b, err := canonical.JSONBytes(arr)
	if err != nil {
		panic("determinism: " + err.Error())
	}
	return canonical.HashBytes(b)
}
