package engine

import (
	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
)

// Aggregate namespaces maintained by the built-in handlers.
const (
	NamespaceAgents   = "agents"
	NamespaceDesired  = "desired"
	NamespaceApplied  = "applied"
	NamespaceFailures = "failures"
)

// Built-in event types.
const (
	TypeAgentObserved  = "AgentObserved"
	TypeActionsDecided = "ActionsDecided"
	TypeActionApplied  = "ActionApplied"
	TypeActionFailed   = "ActionFailed"
)

// RegisterDefaultHandlers installs the reconciliation handlers: observed
// agents, decided action sets, applied and failed outcomes.
func RegisterDefaultHandlers(r *Reducer) {
	r.Register(TypeAgentObserved, onAgentObserved)
	r.Register(TypeActionsDecided, onActionsDecided)
	r.Register(TypeActionApplied, onActionApplied)
	r.Register(TypeActionFailed, onActionFailed)
}

func onAgentObserved(st State, ev Event) (State, error) {
	p := ev.Payload
	agent := map[string]any{
		"name":      p["name"],
		"namespace": p["namespace"],
		"spec_hash": p["spec_hash"],
		"spec":      p["spec"],
		"labels":    orEmptyMap(p["labels"]),
	}
	return st.With(NamespaceAgents, ev.AggregateID, agent), nil
}

func onActionsDecided(st State, ev Event) (State, error) {
	p := ev.Payload
	actions, _ := p["actions"].([]any)

	actionMap := make(map[string]any, len(actions))
	for _, a := range actions {
		am, ok := a.(map[string]any)
		if !ok {
			continue
		}
		id, err := actionFingerprint(am)
		if err != nil {
			return State{}, err
		}
		actionMap[id] = map[string]any{
			"action_type": am["action_type"],
			"target":      am["target"],
			"fingerprint": id,
		}
	}

	desired := map[string]any{
		"actions":      actionMap,
		"actions_hash": p["actions_hash"],
		"trigger_seq":  p["trigger_seq"],
		"trigger_hash": p["trigger_hash"],
		"trigger_type": p["trigger_type"],
	}
	return st.With(NamespaceDesired, ev.AggregateID, desired), nil
}

func onActionApplied(st State, ev Event) (State, error) {
	p := ev.Payload
	id, _ := p["action_id"].(string)
	if id == "" {
		return st, nil
	}
	applied := map[string]any{
		"action_type": p["action_type"],
		"target":      p["target"],
		"result_code": orDefault(p["result_code"], "OK"),
		"applied_seq": ev.Seq,
	}
	return st.With(NamespaceApplied, id, applied), nil
}

func onActionFailed(st State, ev Event) (State, error) {
	p := ev.Payload
	id, _ := p["action_id"].(string)
	if id == "" {
		return st, nil
	}
	errInfo := orEmptyMap(p["error"])
	failure := map[string]any{
		"action_id":   id,
		"result_code": orDefault(p["result_code"], errInfo["code"]),
		"error":       errInfo,
		"failed_seq":  ev.Seq,
	}
	return st.With(NamespaceFailures, id, failure), nil
}

// actionFingerprint hashes the canonical (action_type, target, params) triple.
// It matches decision.Action.ID so replayed state lines up with decisions.
func actionFingerprint(a map[string]any) (string, error) {
	return canonical.Hash(map[string]any{
		"action_type": a["action_type"],
		"target":      a["target"],
		"params":      orEmptyMap(a["params"]),
	})
}

func orEmptyMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func orDefault(v any, def any) any {
	if v == nil {
		return def
	}
	return v
}
