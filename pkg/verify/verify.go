// Package verify contains the audit-side checks: full chain verification,
// trigger-pointer verification for decisions, and decision proof bundles.
// Everything here is read-only over a store.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// ChainReport is the outcome of a full chain verification.
type ChainReport struct {
	Valid   bool   `json:"valid"`
	Checked int64  `json:"checked"`
	BadSeq  int64  `json:"bad_seq,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Chain walks the whole log validating every link. The store's Scan already
// validates; this surfaces the result as a report instead of an error, with
// the offending seq for the operator.
func Chain(ctx context.Context, st store.EventStore) (ChainReport, error) {
	var checked int64
	err := st.Scan(ctx, 0, func(chain.Record) error {
		checked++
		return nil
	})
	if err != nil {
		var ierr *engine.IntegrityError
		if errors.As(err, &ierr) {
			return ChainReport{Valid: false, Checked: checked, BadSeq: ierr.Seq, Error: ierr.Reason}, nil
		}
		return ChainReport{}, err
	}
	return ChainReport{Valid: true, Checked: checked}, nil
}

// PointerReport is the outcome of trigger-pointer verification.
type PointerReport struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	BadSeq   int64  `json:"bad_seq,omitempty"`
	Error    string `json:"error,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func pointerFailure(seq int64, checked int64, reason, expected, actual string) PointerReport {
	return PointerReport{
		Valid: false, Checked: checked, BadSeq: seq,
		Error: reason, Expected: expected, Actual: actual,
	}
}

// Pointers verifies every ActionsDecided event against the chain: the
// trigger pointer resolves, its hash and type match the record it names, and
// the committed actions_hash matches the committed action id list.
func Pointers(ctx context.Context, st store.EventStore) (PointerReport, error) {
	seqToHash := map[int64]string{}
	seqToType := map[int64]string{}
	var checked int64
	report := PointerReport{Valid: true}

	err := st.Scan(ctx, 0, func(rec chain.Record) error {
		seq := rec.Event.Seq
		seqToHash[seq] = rec.EventHash
		seqToType[seq] = rec.Event.Type
		if rec.Event.Type != engine.TypeActionsDecided {
			return nil
		}

		p := rec.Event.Payload
		triggerSeq, ok := p["trigger_seq"].(int64)
		if !ok {
			report = pointerFailure(seq, checked, "missing trigger_seq", "", "")
			return store.ErrStopScan
		}
		triggerHash, _ := p["trigger_hash"].(string)
		expectedHash, ok := seqToHash[triggerSeq]
		if !ok {
			report = pointerFailure(seq, checked, "trigger_seq not found", fmt.Sprintf("%d", triggerSeq), "")
			return store.ErrStopScan
		}
		if triggerHash != expectedHash {
			report = pointerFailure(seq, checked, "trigger_hash mismatch", expectedHash, triggerHash)
			return store.ErrStopScan
		}
		if triggerType, ok := p["trigger_type"].(string); ok {
			if triggerType != seqToType[triggerSeq] {
				report = pointerFailure(seq, checked, "trigger_type mismatch", seqToType[triggerSeq], triggerType)
				return store.ErrStopScan
			}
		}

		// The committed actions_hash must match the committed id list.
		if ids, ok := p["action_ids"].([]any); ok {
			computed, err := canonical.Hash(ids)
			if err != nil {
				return err
			}
			if claimed, _ := p["actions_hash"].(string); claimed != computed {
				report = pointerFailure(seq, checked, "actions_hash mismatch", computed, claimed)
				return store.ErrStopScan
			}
		}

		checked++
		report.Checked = checked
		return nil
	})
	if err != nil {
		var ierr *engine.IntegrityError
		if errors.As(err, &ierr) {
			return pointerFailure(ierr.Seq, checked, ierr.Reason, "", ""), nil
		}
		return PointerReport{}, err
	}
	return report, nil
}
