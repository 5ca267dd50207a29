// Package executor applies decided actions to the outside world through the
// leader gate and feeds the outcomes back into the log as events. It is the
// only component that touches both the log and external state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/decision"
	"github.com/rynxs-labs/rynxs-core/pkg/determinism"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/leader"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// Applier materializes one action externally. Implementations live outside
// the core (the sandbox runtime, the cluster client); the executor only
// sequences them and records outcomes.
type Applier interface {
	Apply(ctx context.Context, action decision.Action) error
}

// Executor runs the write path: commit the decision, apply each action,
// append feedback. Single-threaded per replica.
type Executor struct {
	store    store.EventStore
	gate     *leader.Gate
	applier  Applier
	policy   store.RetryPolicy
	writerID string
	logger   *slog.Logger
}

// New wires an executor.
func New(st store.EventStore, gate *leader.Gate, applier Applier, policy store.RetryPolicy, writerID string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    st,
		gate:     gate,
		applier:  applier,
		policy:   policy,
		writerID: writerID,
		logger:   logger,
	}
}

// Outcome summarizes one executed decision.
type Outcome struct {
	DecisionRecord chain.Record
	Applied        []string
	Failed         []string
	Feedback       []chain.Record
}

// Execute commits the ActionsDecided event for the trigger, applies each
// action, and appends one feedback event per action. The decision and its
// trigger carry the same fencing token: same writer, same epoch.
//
// The clock threads through and is returned advanced; the caller owns it
// across reconcile rounds.
func (e *Executor) Execute(ctx context.Context, trigger engine.Event, actions []decision.Action, meta decision.Meta, clock determinism.Clock) (Outcome, determinism.Clock, error) {
	if !e.gate.AllowAppend() {
		return Outcome{}, clock, leader.ErrNotLeader
	}

	clock = clock.Tick()
	decided := decision.NewActionsDecidedEvent(trigger, actions, meta, clock.Now())
	decided = e.stamp(decided)

	decidedRec, err := store.AppendWithRetry(ctx, e.store, decided, e.policy, e.gate)
	if err != nil {
		return Outcome{}, clock, fmt.Errorf("executor: commit decision: %w", err)
	}

	outcome := Outcome{DecisionRecord: decidedRec}
	for _, action := range actions {
		if !e.gate.AllowAppend() {
			// Leadership went away mid-batch; remaining actions are left to
			// the successor, which replays the same decision.
			return outcome, clock, leader.ErrNotLeader
		}

		applyErr := e.applier.Apply(ctx, action)

		if err := e.gate.ConfirmAfterEffect(ctx); err != nil {
			if errors.Is(err, leader.ErrNotLeader) {
				e.logger.Warn("leadership lost after side effect; possible overlap",
					"action_id", action.ID, "target", action.Target)
				return outcome, clock, err
			}
			return outcome, clock, err
		}

		var feedback engine.Event
		clock = clock.Tick()
		if applyErr != nil {
			e.logger.Error("action failed", "action_id", action.ID, "target", action.Target, "err", applyErr)
			feedback = engine.NewEvent(engine.TypeActionFailed, action.Target, clock.Now(), map[string]any{
				"action_id":   action.ID,
				"action_type": action.ActionType,
				"target":      action.Target,
				"result_code": "ERROR",
				"error":       stableError(applyErr),
			}, nil)
			outcome.Failed = append(outcome.Failed, action.ID)
		} else {
			feedback = engine.NewEvent(engine.TypeActionApplied, action.Target, clock.Now(), map[string]any{
				"action_id":   action.ID,
				"action_type": action.ActionType,
				"target":      action.Target,
				"result_code": "OK",
				"status":      "success",
			}, nil)
			outcome.Applied = append(outcome.Applied, action.ID)
		}

		rec, err := store.AppendWithRetry(ctx, e.store, e.stamp(feedback), e.policy, e.gate)
		if err != nil {
			return outcome, clock, fmt.Errorf("executor: commit feedback: %w", err)
		}
		outcome.Feedback = append(outcome.Feedback, rec)
	}
	return outcome, clock, nil
}

// stamp attaches writer identity and the fencing token. Forensic: a
// post-mortem can attribute every event to a leadership epoch.
func (e *Executor) stamp(ev engine.Event) engine.Event {
	if e.writerID != "" {
		ev = ev.WithMeta(engine.MetaWriterID, e.writerID)
	}
	if token := e.gate.FencingToken(); token != "" {
		ev = ev.WithMeta(engine.MetaFencingToken, token)
	}
	return ev
}

// stableError reduces an error to a host-independent shape. Free-form
// messages can smuggle in addresses and timestamps; only the classification
// survives.
func stableError(err error) map[string]any {
	code := "Unknown"
	var berr *store.BackendError
	if errors.As(err, &berr) {
		code = string(berr.Kind)
	}
	return map[string]any{
		"code": code,
		"type": fmt.Sprintf("%T", err),
	}
}
