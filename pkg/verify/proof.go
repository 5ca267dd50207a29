package verify

import (
	"context"
	"fmt"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// ActionResult is the recorded outcome for one decided action.
type ActionResult struct {
	Type       string `json:"type,omitempty"`
	ResultCode string `json:"result_code,omitempty"`
	Seq        int64  `json:"seq,omitempty"`
	Missing    bool   `json:"missing,omitempty"`
}

// Proof binds a decision to its trigger and to the recorded outcome of every
// decided action. An auditor holding the proof and the log can re-derive
// everything in it.
type Proof struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`

	TriggerSeq  int64  `json:"trigger_seq"`
	TriggerHash string `json:"trigger_hash"`
	TriggerType string `json:"trigger_type"`

	DecisionSeq int64    `json:"decision_seq"`
	ActionsHash string   `json:"actions_hash"`
	ActionIDs   []string `json:"action_ids"`

	ActionResults map[string]ActionResult `json:"action_results"`
}

// BuildProof extracts the decision proof for the ActionsDecided event whose
// trigger_seq equals atSeq; atSeq < 0 picks the first decision in the log.
func BuildProof(ctx context.Context, st store.EventStore, atSeq int64) (Proof, error) {
	var decided *chain.Record
	outcomes := map[string]ActionResult{}
	seqToHash := map[int64]string{}

	err := st.Scan(ctx, 0, func(rec chain.Record) error {
		seqToHash[rec.Event.Seq] = rec.EventHash
		switch rec.Event.Type {
		case engine.TypeActionsDecided:
			if decided != nil {
				return nil
			}
			trigger, _ := rec.Event.Payload["trigger_seq"].(int64)
			if atSeq < 0 || trigger == atSeq {
				r := rec
				decided = &r
			}
		case engine.TypeActionApplied, engine.TypeActionFailed:
			id, _ := rec.Event.Payload["action_id"].(string)
			if id == "" {
				return nil
			}
			code, _ := rec.Event.Payload["result_code"].(string)
			outcomes[id] = ActionResult{
				Type:       rec.Event.Type,
				ResultCode: code,
				Seq:        rec.Event.Seq,
			}
		}
		return nil
	})
	if err != nil {
		return Proof{}, err
	}
	if decided == nil {
		return Proof{}, fmt.Errorf("verify: no ActionsDecided event for trigger_seq %d", atSeq)
	}

	p := decided.Event.Payload
	proof := Proof{
		DecisionSeq:   decided.Event.Seq,
		ActionResults: map[string]ActionResult{},
	}
	proof.TriggerSeq, _ = p["trigger_seq"].(int64)
	proof.TriggerHash, _ = p["trigger_hash"].(string)
	proof.TriggerType, _ = p["trigger_type"].(string)
	proof.ActionsHash, _ = p["actions_hash"].(string)
	if ids, ok := p["action_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				proof.ActionIDs = append(proof.ActionIDs, s)
			}
		}
	}

	var errs []string
	if expected, ok := seqToHash[proof.TriggerSeq]; !ok {
		errs = append(errs, fmt.Sprintf("trigger seq %d not in log", proof.TriggerSeq))
	} else if expected != proof.TriggerHash {
		errs = append(errs, "trigger_hash mismatch")
	}

	for _, id := range proof.ActionIDs {
		if result, ok := outcomes[id]; ok {
			proof.ActionResults[id] = result
		} else {
			proof.ActionResults[id] = ActionResult{Missing: true}
			errs = append(errs, fmt.Sprintf("no recorded outcome for action %.12s", id))
		}
	}

	// The pointer sweep catches anything local checks missed.
	pointers, err := Pointers(ctx, st)
	if err != nil {
		return Proof{}, err
	}
	if !pointers.Valid {
		errs = append(errs, fmt.Sprintf("pointer verification failed at seq %d: %s", pointers.BadSeq, pointers.Error))
	}

	proof.Errors = errs
	proof.Valid = len(errs) == 0
	return proof, nil
}
