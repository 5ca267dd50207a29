// Package decision is the pure policy: given the replayed state and a
// trigger event, produce the ordered set of intended actions plus the
// provenance binding them to the trigger.
//
// Nothing here performs I/O, reads the environment, or consults a clock. The
// same (state, event) pair yields the same action list forever.
package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// Action types the executor understands.
const (
	ActionEnsureConfigMap     = "EnsureConfigMap"
	ActionEnsurePVC           = "EnsurePVC"
	ActionEnsureDeployment    = "EnsureDeployment"
	ActionEnsureNetworkPolicy = "EnsureNetworkPolicy"
)

// Action is one intended effect on the outside world.
type Action struct {
	ActionType string
	Target     string
	Params     map[string]any
	// ID is the hash of the canonical (action_type, target, params) triple.
	// It orders and deduplicates the action set.
	ID string
}

// Meta is the provenance attached to a decision.
type Meta struct {
	TriggerSeq  int64
	TriggerHash string
	TriggerType string
	ActionsHash string
	// SampleAction is the first action id, kept for quick audit scans.
	SampleAction string
}

// newAction seals an action with its content-derived id.
func newAction(actionType, target string, params map[string]any) (Action, error) {
	canonParams, err := canonical.Canonicalize(params)
	if err != nil {
		return Action{}, err
	}
	cp, _ := canonParams.(map[string]any)
	if cp == nil {
		cp = map[string]any{}
	}
	id, err := canonical.Hash(map[string]any{
		"action_type": actionType,
		"target":      target,
		"params":      cp,
	})
	if err != nil {
		return Action{}, err
	}
	return Action{ActionType: actionType, Target: target, Params: cp, ID: id}, nil
}

// Decide produces the action set for a trigger in the current state.
//
// triggerHash is the trigger's chain commitment, carried into the provenance;
// the caller reads it off the appended record. The output is deduplicated and
// sorted ascending by action id.
func Decide(state engine.State, trigger engine.Event, triggerHash string) ([]Action, Meta, error) {
	if err := trigger.Validate(); err != nil {
		return nil, Meta{}, err
	}
	seq, err := trigger.RequireSeq()
	if err != nil {
		return nil, Meta{}, err
	}

	var actions []Action
	switch trigger.Type {
	case engine.TypeAgentObserved:
		actions, err = decideAgentObserved(state, trigger)
		if err != nil {
			return nil, Meta{}, err
		}
	case engine.TypeActionApplied, engine.TypeActionFailed:
		// Feedback events settle state; they trigger nothing further.
	default:
	}

	actions = dedupeAndSort(actions)

	ids := make([]any, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	actionsHash, err := canonical.Hash(ids)
	if err != nil {
		return nil, Meta{}, err
	}

	meta := Meta{
		TriggerSeq:  seq,
		TriggerHash: triggerHash,
		TriggerType: trigger.Type,
		ActionsHash: actionsHash,
	}
	if len(actions) > 0 {
		meta.SampleAction = actions[0].ID
	}
	return actions, meta, nil
}

// decideAgentObserved lays out the full footprint for an observed agent: its
// spec ConfigMap, workspace claim, runtime Deployment, and a role-dependent
// network policy.
func decideAgentObserved(state engine.State, trigger engine.Event) ([]Action, error) {
	p := trigger.Payload
	name, _ := p["name"].(string)
	namespace, _ := p["namespace"].(string)
	if name == "" || namespace == "" {
		return nil, fmt.Errorf("decision: trigger payload missing name/namespace")
	}
	spec, _ := p["spec"].(map[string]any)
	if spec == nil {
		spec = map[string]any{}
	}

	var actions []Action

	specJSON, err := canonical.JSONString(spec)
	if err != nil {
		return nil, err
	}
	cm, err := newAction(ActionEnsureConfigMap, namespace+"/"+name+"-spec", map[string]any{
		"name":      name + "-spec",
		"namespace": namespace,
		"data":      map[string]any{"agent.json": specJSON},
	})
	if err != nil {
		return nil, err
	}
	actions = append(actions, cm)

	workspace, _ := spec["workspace"].(map[string]any)
	size, _ := workspace["size"].(string)
	if size == "" {
		size = "1Gi"
	}
	pvcParams := map[string]any{
		"name":      name + "-workspace",
		"namespace": namespace,
		"size":      size,
	}
	if sc, ok := workspace["storageClassName"].(string); ok && sc != "" {
		pvcParams["storage_class"] = sc
	}
	pvc, err := newAction(ActionEnsurePVC, namespace+"/"+name+"-workspace", pvcParams)
	if err != nil {
		return nil, err
	}
	actions = append(actions, pvc)

	deploy, err := deploymentAction(name, namespace, spec)
	if err != nil {
		return nil, err
	}
	actions = append(actions, deploy)

	netpol, err := networkPolicyAction(name, namespace, spec)
	if err != nil {
		return nil, err
	}
	actions = append(actions, netpol)

	return actions, nil
}

func deploymentAction(name, namespace string, spec map[string]any) (Action, error) {
	image, _ := spec["image"].(map[string]any)
	repo, _ := image["repository"].(string)
	if repo == "" {
		repo = "rynxs/agent-runtime"
	}
	tag, _ := image["tag"].(string)
	if tag == "" {
		tag = "latest"
	}
	verify, _ := image["verify"].(bool)

	deploySpec := map[string]any{
		"replicas":      1,
		"image":         repo + ":" + tag,
		"image_verify":  verify,
		"runtime_class": "gvisor",
		"env": []any{
			map[string]any{"name": "AGENT_NAME", "value": name},
			map[string]any{"name": "AGENT_NAMESPACE", "value": namespace},
		},
		"volumes": []any{
			map[string]any{"name": "workspace", "pvc": name + "-workspace"},
			map[string]any{"name": "agent-spec", "configmap": name + "-spec"},
		},
		"volume_mounts": []any{
			map[string]any{"name": "workspace", "mount_path": "/workspace"},
			map[string]any{"name": "agent-spec", "mount_path": "/config", "read_only": true},
		},
	}
	return newAction(ActionEnsureDeployment, namespace+"/"+name+"-runtime", map[string]any{
		"name":      name + "-runtime",
		"namespace": namespace,
		"spec":      deploySpec,
	})
}

// networkPolicyAction gates egress by role: directors and managers (or agents
// allowed to assign tasks) get egress, workers are locked down.
func networkPolicyAction(name, namespace string, spec map[string]any) (Action, error) {
	role, _ := spec["role"].(string)
	role = strings.ToLower(role)
	perms, _ := spec["permissions"].(map[string]any)
	canAssign, _ := perms["canAssignTasks"].(bool)

	policyType := "deny-egress"
	suffix := "-deny-egress"
	if role == "director" || role == "manager" || canAssign {
		policyType = "allow-egress"
		suffix = "-allow-egress"
	}
	return newAction(ActionEnsureNetworkPolicy, namespace+"/"+name+suffix, map[string]any{
		"name":      name + suffix,
		"namespace": namespace,
		"pod_selector": map[string]any{
			"app":   "rynxs-agent",
			"agent": name,
		},
		"policy_type": policyType,
	})
}

// dedupeAndSort drops duplicate ids and orders ascending by id. Ties are
// impossible: the id is a cryptographic hash of the action content.
func dedupeAndSort(actions []Action) []Action {
	seen := make(map[string]bool, len(actions))
	out := actions[:0]
	for _, a := range actions {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewActionsDecidedEvent wraps a decision into the event committed right
// after its trigger by the same writer.
func NewActionsDecidedEvent(trigger engine.Event, actions []Action, meta Meta, ts int64) engine.Event {
	actionList := make([]any, len(actions))
	ids := make([]any, len(actions))
	for i, a := range actions {
		actionList[i] = map[string]any{
			"action_type": a.ActionType,
			"target":      a.Target,
			"params":      a.Params,
		}
		ids[i] = a.ID
	}
	payload := map[string]any{
		"trigger_seq":  meta.TriggerSeq,
		"trigger_hash": meta.TriggerHash,
		"trigger_type": meta.TriggerType,
		"actions_hash": meta.ActionsHash,
		"action_ids":   ids,
		"actions":      actionList,
	}
	return engine.NewEvent(engine.TypeActionsDecided, trigger.AggregateID, ts, payload, nil)
}
