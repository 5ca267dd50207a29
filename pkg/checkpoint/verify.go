package checkpoint

import (
	"context"
	"fmt"

	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/replay"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// VerificationResult reports which checks passed. Valid is the conjunction.
type VerificationResult struct {
	Valid          bool
	SignatureValid bool
	LogHashValid   bool
	StateValid     bool
	Error          string
}

// Create replays the log to atSeq (negative means the tail) and signs a
// checkpoint over the result.
func Create(ctx context.Context, st store.EventStore, reducer *engine.Reducer, signer *Signer, atSeq int64, createdBy string) (Checkpoint, error) {
	result, err := replay.Replay(ctx, st, reducer, atSeq)
	if err != nil {
		return Checkpoint{}, err
	}
	if result.Applied == 0 {
		return Checkpoint{}, fmt.Errorf("checkpoint: empty log, nothing to snapshot")
	}
	stateHash, err := result.State.Hash()
	if err != nil {
		return Checkpoint{}, err
	}
	// Timestamp rides the logical clock: the ts of the last folded event.
	var lastTs int64
	records, err := st.Read(ctx, result.LastSeq, result.LastSeq)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(records) == 1 {
		lastTs = records[0].Event.Ts
	}

	c, err := New(result.LastSeq, stateHash, result.LastHash, lastTs, createdBy)
	if err != nil {
		return Checkpoint{}, err
	}
	return signer.Sign(c)
}

// VerifySigned checks only the signature (fast path).
func VerifySigned(c Checkpoint, pubKeyHex string) VerificationResult {
	ok, err := VerifySignature(c, pubKeyHex)
	if err != nil {
		return VerificationResult{Error: err.Error()}
	}
	if !ok {
		return VerificationResult{Error: "invalid signature"}
	}
	return VerificationResult{Valid: true, SignatureValid: true}
}

// Verify runs the full check: signature, log hash at at_seq, and a re-replay
// confirming the state hash. Any single-bit divergence in state, log, or
// signature fails.
func Verify(ctx context.Context, c Checkpoint, pubKeyHex string, st store.EventStore, reducer *engine.Reducer) VerificationResult {
	result := VerifySigned(c, pubKeyHex)
	if !result.Valid {
		return result
	}

	logHash, err := store.EventHashAt(ctx, st, c.AtSeq)
	if err != nil {
		result.Valid = false
		result.Error = fmt.Sprintf("log hash at seq %d: %v", c.AtSeq, err)
		return result
	}
	if logHash != c.LogHash {
		result.Valid = false
		result.Error = fmt.Sprintf("log hash mismatch at seq %d", c.AtSeq)
		return result
	}
	result.LogHashValid = true

	rep, err := replay.Replay(ctx, st, reducer, c.AtSeq)
	if err != nil {
		result.Valid = false
		result.Error = fmt.Sprintf("replay: %v", err)
		return result
	}
	stateHash, err := rep.State.Hash()
	if err != nil {
		result.Valid = false
		result.Error = err.Error()
		return result
	}
	if stateHash != c.StateHash {
		result.Valid = false
		result.Error = fmt.Sprintf("state hash mismatch at seq %d", c.AtSeq)
		return result
	}
	result.StateValid = true
	return result
}

// Resume is the fast restart path: the caller supplies the cached state it
// kept alongside the checkpoint, the checkpoint vouches for it, and only
// events strictly after at_seq are folded on top.
//
// The base state is not trusted — its canonical hash must match the signed
// state_hash, and the log hash at at_seq must match the signed log_hash.
func Resume(ctx context.Context, c Checkpoint, pubKeyHex string, base engine.State, st store.EventStore, reducer *engine.Reducer) (replay.Result, error) {
	sig := VerifySigned(c, pubKeyHex)
	if !sig.Valid {
		return replay.Result{}, fmt.Errorf("checkpoint: %s", sig.Error)
	}
	baseHash, err := base.Hash()
	if err != nil {
		return replay.Result{}, err
	}
	if baseHash != c.StateHash {
		return replay.Result{}, fmt.Errorf("checkpoint: cached state does not match signed state_hash")
	}
	logHash, err := store.EventHashAt(ctx, st, c.AtSeq)
	if err != nil {
		return replay.Result{}, err
	}
	if logHash != c.LogHash {
		return replay.Result{}, fmt.Errorf("checkpoint: log hash mismatch at seq %d", c.AtSeq)
	}
	return replay.ReplayFromState(ctx, st, reducer, base, c.AtSeq+1, -1)
}
