package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// RetryPolicy bounds the conditional-append retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	JitterCap   time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 50 * time.Millisecond,
		JitterCap:   100 * time.Millisecond,
	}
}

// Gate lets the caller abort the loop when it stops being the writer. A nil
// gate never aborts.
type Gate interface {
	// AllowAppend reports whether the caller may still append.
	AllowAppend() bool
}

// AppendWithRetry reads the tail, appends with it as the precondition, and on
// conflict refreshes and retries with exponential backoff and deterministic
// jitter, up to the attempt cap and the context deadline. Leadership loss
// aborts immediately without another attempt.
func AppendWithRetry(ctx context.Context, st EventStore, ev engine.Event, policy RetryPolicy, gate Gate) (chain.Record, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastConflict error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return chain.Record{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if gate != nil && !gate.AllowAppend() {
			return chain.Record{}, errors.New("append aborted: writer lost leadership")
		}

		_, tailHash, err := st.Tail(ctx)
		if err != nil {
			return chain.Record{}, err
		}

		rec, err := st.Append(ctx, ev, tailHash)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConflict) {
			return chain.Record{}, err
		}
		lastConflict = err

		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(ev, attempt, policy)
		select {
		case <-ctx.Done():
			return chain.Record{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(delay):
		}
	}
	return chain.Record{}, fmt.Errorf("append failed after %d attempts: %w", policy.MaxAttempts, lastConflict)
}

// backoffDelay computes exponential backoff with jitter drawn from a SHA-256
// PRF over the event identity and attempt index. Deterministic: a replayed
// retry sequence waits the same amounts.
func backoffDelay(ev engine.Event, attempt int, policy RetryPolicy) time.Duration {
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	delay := policy.BaseBackoff << uint(shift)

	if policy.JitterCap > 0 {
		seed := fmt.Sprintf("%s:%s:%d:%d", ev.Type, ev.AggregateID, ev.Ts, attempt)
		sum := sha256.Sum256([]byte(seed))
		basis := binary.BigEndian.Uint64(sum[:8])
		delay += time.Duration(basis % uint64(policy.JitterCap))
	}
	return delay
}
