// Package replay reconstructs state by folding the reducer over the log.
// Replay is the only way state comes into existence; the log is the ground
// truth and state is always derived.
package replay

import (
	"context"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// Result is the outcome of a replay.
type Result struct {
	State   engine.State
	Applied int64
	// LastSeq is the sequence of the last applied event, -1 when none.
	LastSeq int64
	// LastHash is the event hash at LastSeq, the zero hash when none.
	LastHash string
}

// Replay folds all events up to toSeq (inclusive; negative means the whole
// log) into a fresh state. For any prefix of the log the resulting state hash
// is identical across runs and hosts.
func Replay(ctx context.Context, st store.EventStore, reducer *engine.Reducer, toSeq int64) (Result, error) {
	return ReplayFromState(ctx, st, reducer, engine.NewState(), 0, toSeq)
}

// ReplayFromState folds events with fromSeq <= seq <= toSeq on top of a base
// state. Checkpoint restarts use this with the verified snapshot as base.
//
// LastSeq/LastHash start at the position just before fromSeq, so a caller
// that is already caught up (no events past fromSeq-1) still gets the real
// tail hash back and can use it as an append precondition.
func ReplayFromState(ctx context.Context, st store.EventStore, reducer *engine.Reducer, base engine.State, fromSeq, toSeq int64) (Result, error) {
	result := Result{State: base, LastSeq: fromSeq - 1, LastHash: chain.ZeroHash}
	if fromSeq > 0 {
		h, err := store.EventHashAt(ctx, st, fromSeq-1)
		if err != nil {
			return Result{}, err
		}
		result.LastHash = h
	}
	err := st.Scan(ctx, fromSeq, func(rec chain.Record) error {
		if toSeq >= 0 && rec.Event.Seq > toSeq {
			return store.ErrStopScan
		}
		next, err := reducer.Apply(result.State, rec.Event)
		if err != nil {
			return err
		}
		result.State = next
		result.Applied++
		result.LastSeq = rec.Event.Seq
		result.LastHash = rec.EventHash
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
