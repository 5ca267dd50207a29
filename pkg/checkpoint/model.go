// Package checkpoint produces and verifies signed state snapshots. A
// checkpoint commits to (state_hash, log_hash, seq); any reader can re-replay
// the log and confirm the commitment without trusting the writer.
package checkpoint

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
)

// idNamespace salts deterministic checkpoint ids. uuid.NewSHA1 over the
// canonical content keeps ids stable across re-creations of the same
// snapshot.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("rynxs.checkpoint"))

// Checkpoint is the signed snapshot record.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	AtSeq        int64  `json:"at_seq"`
	StateHash    string `json:"state_hash"`
	LogHash      string `json:"log_hash"`
	Signature    string `json:"signature"`
	Timestamp    int64  `json:"timestamp"`
	CreatedBy    string `json:"created_by"`
}

// New assembles an unsigned checkpoint with a content-derived id.
func New(atSeq int64, stateHash, logHash string, timestamp int64, createdBy string) (Checkpoint, error) {
	content, err := canonical.JSONBytes(map[string]any{
		"at_seq":     atSeq,
		"state_hash": stateHash,
		"log_hash":   logHash,
	})
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		CheckpointID: uuid.NewSHA1(idNamespace, content).String(),
		AtSeq:        atSeq,
		StateHash:    stateHash,
		LogHash:      logHash,
		Timestamp:    timestamp,
		CreatedBy:    createdBy,
	}, nil
}

// SigningPayload returns the canonical bytes the signature covers. The
// signature and the writer-descriptive fields stay outside it.
func (c Checkpoint) SigningPayload() ([]byte, error) {
	return canonical.JSONBytes(map[string]any{
		"checkpoint_id": c.CheckpointID,
		"at_seq":        c.AtSeq,
		"state_hash":    c.StateHash,
		"log_hash":      c.LogHash,
	})
}

// Marshal serializes the checkpoint file as canonical JSON.
func (c Checkpoint) Marshal() ([]byte, error) {
	return canonical.JSONBytes(map[string]any{
		"checkpoint_id": c.CheckpointID,
		"at_seq":        c.AtSeq,
		"state_hash":    c.StateHash,
		"log_hash":      c.LogHash,
		"signature":     c.Signature,
		"timestamp":     c.Timestamp,
		"created_by":    c.CreatedBy,
	})
}

// Unmarshal decodes a checkpoint file.
func Unmarshal(b []byte) (Checkpoint, error) {
	v, err := canonical.FromJSON(b)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Checkpoint{}, fmt.Errorf("checkpoint: not an object")
	}
	c := Checkpoint{AtSeq: -1}
	c.CheckpointID, _ = m["checkpoint_id"].(string)
	if seq, ok := m["at_seq"].(int64); ok {
		c.AtSeq = seq
	}
	c.StateHash, _ = m["state_hash"].(string)
	c.LogHash, _ = m["log_hash"].(string)
	c.Signature, _ = m["signature"].(string)
	c.Timestamp, _ = m["timestamp"].(int64)
	c.CreatedBy, _ = m["created_by"].(string)

	if c.CheckpointID == "" || c.AtSeq < 0 || c.StateHash == "" || c.LogHash == "" {
		return Checkpoint{}, fmt.Errorf("checkpoint: missing mandatory fields")
	}
	return c, nil
}
