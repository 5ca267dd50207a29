// Package store defines the append-only event log contract shared by every
// backend, plus the conditional-append retry loop.
package store

import (
	"context"
	"errors"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// EventStore is the abstract append-only log.
//
// Implementations guarantee append-only storage, gap-free seq assignment
// starting at 0, and chain validation on read. The backend must provide
// strong read-after-write consistency and conditional-create semantics.
type EventStore interface {
	// Append atomically stores ev at the current tail if the tail's event
	// hash equals expectedPrevHash (chain.ZeroHash for an empty log).
	// Returns the stored record with assigned seq and computed hashes.
	// Fails with a ConflictError when another writer advanced the log and
	// with an IntegrityError when store-side state is inconsistent.
	Append(ctx context.Context, ev engine.Event, expectedPrevHash string) (chain.Record, error)

	// Read returns records with fromSeq <= seq <= toSeq (toSeq < 0 means no
	// upper bound), validating the chain while reading.
	Read(ctx context.Context, fromSeq, toSeq int64) ([]chain.Record, error)

	// Scan streams validated records from fromSeq onward. fn is called once
	// per record; returning ErrStopScan ends the scan cleanly, any other
	// error aborts it. The scan is cancellable between records via ctx.
	Scan(ctx context.Context, fromSeq int64, fn func(chain.Record) error) error

	// Tail returns the current (last seq, last event hash), (-1, ZeroHash)
	// for an empty log. Amortized O(1) via a cached head indicator that may
	// be rebuilt by listing the backing store.
	Tail(ctx context.Context) (int64, string, error)
}

// ErrStopScan ends a Scan early without error.
var ErrStopScan = errors.New("stop scan")

// EventHashAt fetches the event hash at a given seq, a convenience shared by
// pointer verification and checkpointing.
func EventHashAt(ctx context.Context, st EventStore, seq int64) (string, error) {
	var hash string
	found := false
	err := st.Scan(ctx, seq, func(rec chain.Record) error {
		if rec.Event.Seq == seq {
			hash = rec.EventHash
			found = true
		}
		return ErrStopScan
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", &engine.IntegrityError{Seq: seq, Reason: "no record at seq"}
	}
	return hash, nil
}
