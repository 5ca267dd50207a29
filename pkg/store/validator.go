package store

import (
	"fmt"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// ChainValidator checks records in storage order: gap-free ascending seq and
// an unbroken hash chain. Shared by every backend's read path.
//
// Linking is content-based: the validator recomputes each event's hash and
// requires the successor's prev_hash to match the recomputed value. A
// tampered record therefore surfaces at the first record after it — its own
// stored fields are internally consistent, the link out of it is not. The
// final record's stored event_hash is checked in Finalize, since no successor
// vouches for it.
type ChainValidator struct {
	prevSeq int64
	running string // recomputed hash over content so far
	claimed string // last stored event_hash
}

// NewChainValidator starts at the genesis position.
func NewChainValidator() *ChainValidator {
	return &ChainValidator{prevSeq: -1, running: chain.ZeroHash}
}

// Check validates the next record and advances the validator.
func (v *ChainValidator) Check(rec chain.Record) error {
	seq := rec.Event.Seq
	switch {
	case seq <= v.prevSeq:
		return &engine.IntegrityError{
			Seq:    seq,
			Reason: fmt.Sprintf("duplicate or out-of-order seq (previous %d)", v.prevSeq),
		}
	case seq != v.prevSeq+1:
		return &engine.IntegrityError{
			Seq:    seq,
			Reason: fmt.Sprintf("gap in seq (previous %d)", v.prevSeq),
		}
	}
	if rec.PrevHash != v.running {
		return &engine.IntegrityError{
			Seq:    seq,
			Reason: fmt.Sprintf("prev_hash mismatch: expected %.12s, got %.12s", v.running, rec.PrevHash),
		}
	}
	h, err := chain.HashEvent(v.running, rec.Event)
	if err != nil {
		return err
	}
	v.prevSeq = seq
	v.running = h
	v.claimed = rec.EventHash
	return nil
}

// Finalize checks the tail record's stored event_hash against the recomputed
// chain. Call it after a scan that reached the end of the log.
func (v *ChainValidator) Finalize() error {
	if v.prevSeq >= 0 && v.claimed != v.running {
		return &engine.IntegrityError{
			Seq:    v.prevSeq,
			Reason: fmt.Sprintf("event_hash mismatch at tail: stored %.12s, recomputed %.12s", v.claimed, v.running),
		}
	}
	return nil
}

// Position returns the last validated (seq, recomputed hash).
func (v *ChainValidator) Position() (int64, string) {
	return v.prevSeq, v.running
}
