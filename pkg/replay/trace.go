package replay

import (
	"context"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// TraceEntry records one fold step: the event applied and the state hashes
// around it. Audit tooling renders these to show exactly which event moved
// the state where.
type TraceEntry struct {
	Seq         int64
	Type        string
	AggregateID string
	PreHash     string
	PostHash    string
}

// Trace replays the log emitting one entry per event. fn returning
// store.ErrStopScan ends the trace early.
func Trace(ctx context.Context, st store.EventStore, reducer *engine.Reducer, toSeq int64, fn func(TraceEntry) error) error {
	state := engine.NewState()
	preHash, err := state.Hash()
	if err != nil {
		return err
	}
	return st.Scan(ctx, 0, func(rec chain.Record) error {
		if toSeq >= 0 && rec.Event.Seq > toSeq {
			return store.ErrStopScan
		}
		next, err := reducer.Apply(state, rec.Event)
		if err != nil {
			return err
		}
		postHash, err := next.Hash()
		if err != nil {
			return err
		}
		entry := TraceEntry{
			Seq:         rec.Event.Seq,
			Type:        rec.Event.Type,
			AggregateID: rec.Event.AggregateID,
			PreHash:     preHash,
			PostHash:    postHash,
		}
		state = next
		preHash = postHash
		return fn(entry)
	})
}
