// Package adapter translates externally observed cluster objects into
// canonical events. This is the only place platform noise is allowed in:
// everything past the adapter is deterministic.
package adapter

import (
	"fmt"
	"strings"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/determinism"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// stableLabels is the allowlist of labels that survive translation. Anything
// else is assumed to vary across observations.
var stableLabels = []string{"app", "team", "policy", "role", "network-policy"}

// strippedMetadataFields are assigned by the platform and vary across
// observations of the same object; they never reach the hashed surface.
var strippedMetadataFields = []string{
	"resourceVersion",
	"uid",
	"generation",
	"managedFields",
	"creationTimestamp",
	"deletionTimestamp",
	"ownerReferences",
	"annotations",
}

// Options configure the translation.
type Options struct {
	// WriterID goes into meta.writer_id; stable per replica identity.
	WriterID string
	// HashVersion selects the chain rule stamped on new events ("" or v1
	// leaves the marker off).
	HashVersion string
	// Source tags meta.source; defaults to "cluster".
	Source string
}

// Adapter builds canonical events from observed objects. It holds no mutable
// state; the clock threads through each call.
type Adapter struct {
	opts Options
}

// New returns an adapter with validated options.
func New(opts Options) (*Adapter, error) {
	switch opts.HashVersion {
	case "", engine.HashV1, engine.HashV2:
	default:
		return nil, fmt.Errorf("adapter: unsupported hash version %q", opts.HashVersion)
	}
	if opts.Source == "" {
		opts.Source = "cluster"
	}
	return &Adapter{opts: opts}, nil
}

// AgentObserved translates one observed agent object into an AgentObserved
// event. The clock is advanced exactly once; the advanced clock is returned.
//
// The spec is schema-validated, stripped of platform fields, filled with
// defaults so platform defaulting cannot split semantically equal specs, and
// canonicalized. Floats anywhere in the input fail here, never deeper in the
// engine.
func (a *Adapter) AgentObserved(clock determinism.Clock, name, namespace string, spec map[string]any, labels map[string]string) (engine.Event, determinism.Clock, error) {
	if name == "" || namespace == "" {
		return engine.Event{}, clock, fmt.Errorf("adapter: name and namespace are required")
	}

	if err := ValidateAgentSpec(spec); err != nil {
		return engine.Event{}, clock, err
	}

	normSpec, err := normalizeAgentSpec(spec)
	if err != nil {
		return engine.Event{}, clock, err
	}

	specJSON, err := canonical.JSONBytes(normSpec)
	if err != nil {
		return engine.Event{}, clock, err
	}
	specHash := canonical.HashBytes(specJSON)[:16]

	next := clock.Tick()
	payload := map[string]any{
		"name":                  name,
		"namespace":             namespace,
		"labels":                filterLabels(labels),
		"spec":                  normSpec,
		"spec_hash":             specHash,
		"observed_logical_time": next.Now(),
	}

	meta := map[string]any{
		"source":   a.opts.Source,
		"resource": "agents",
	}
	if a.opts.WriterID != "" {
		meta[engine.MetaWriterID] = a.opts.WriterID
	}
	if a.opts.HashVersion == engine.HashV2 {
		meta[engine.MetaHashVersion] = engine.HashV2
	}

	ev := engine.NewEvent(
		engine.TypeAgentObserved,
		determinism.StableID(namespace+"/"+name),
		next.Now(),
		payload,
		meta,
	)
	return ev, next, nil
}

// StripPlatformFields removes the platform-assigned noise from a raw object:
// volatile metadata, the whole status subtree, and non-allowlisted labels.
func StripPlatformFields(obj map[string]any) map[string]any {
	cleaned := map[string]any{}

	if metaRaw, ok := obj["metadata"].(map[string]any); ok {
		meta := map[string]any{}
		for k, v := range metaRaw {
			if k == "name" || k == "namespace" {
				meta[k] = v
			}
		}
		if labels, ok := metaRaw["labels"].(map[string]any); ok {
			kept := map[string]any{}
			for _, k := range stableLabels {
				if v, ok := labels[k]; ok {
					kept[k] = v
				}
			}
			if len(kept) > 0 {
				meta["labels"] = kept
			}
		}
		cleaned["metadata"] = meta
	}
	if spec, ok := obj["spec"]; ok {
		cleaned["spec"] = spec
	}
	return cleaned
}

// Stripped reports whether the adapter drops a given metadata field.
func Stripped(field string) bool {
	for _, f := range strippedMetadataFields {
		if f == field {
			return true
		}
	}
	return false
}

// normalizeAgentSpec materializes the frozen default set so specs that differ
// only by platform defaulting collapse to the same payload, and normalizes
// enumerated fields to one canonical case.
//
// The default set per observed kind is deliberately enumerated here and
// nowhere else; changing it is a hash-version event.
func normalizeAgentSpec(spec map[string]any) (map[string]any, error) {
	canon, err := canonical.Canonicalize(spec)
	if err != nil {
		return nil, err
	}
	norm, _ := canon.(map[string]any)
	if norm == nil {
		norm = map[string]any{}
	}

	role, _ := norm["role"].(string)
	if role == "" {
		role = "worker"
	}
	norm["role"] = strings.ToLower(role)

	perms := submap(norm, "permissions")
	setDefault(perms, "canAssignTasks", false)
	setDefault(perms, "canAccessAuditLogs", false)
	setDefault(perms, "canManageTeam", false)
	norm["permissions"] = perms

	image := submap(norm, "image")
	setDefault(image, "tag", "latest")
	setDefault(image, "verify", false)
	norm["image"] = image

	workspace := submap(norm, "workspace")
	setDefault(workspace, "size", "1Gi")
	norm["workspace"] = workspace

	return norm, nil
}

func submap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func setDefault(m map[string]any, key string, value any) {
	if v, ok := m[key]; !ok || v == nil {
		m[key] = value
	}
}

func filterLabels(labels map[string]string) map[string]any {
	kept := map[string]any{}
	for _, k := range stableLabels {
		if v, ok := labels[k]; ok {
			kept[k] = v
		}
	}
	return kept
}
