package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/determinism"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

func newAdapter(t *testing.T, opts Options) *Adapter {
	t.Helper()
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestAgentObserved(t *testing.T) {
	a := newAdapter(t, Options{WriterID: "writer-1"})
	clock := determinism.NewClock(0)

	spec := map[string]any{
		"role": "Worker",
		"workspace": map[string]any{
			"size": "1Gi",
		},
	}
	labels := map[string]string{"app": "agent", "flaky": "drop-me"}

	ev, next, err := a.AgentObserved(clock, "alpha", "default", spec, labels)
	require.NoError(t, err)

	assert.Equal(t, engine.TypeAgentObserved, ev.Type)
	assert.Equal(t, determinism.StableID("default/alpha"), ev.AggregateID)
	assert.Equal(t, int64(1), ev.Ts)
	assert.Equal(t, int64(1), next.Now())
	assert.Equal(t, "writer-1", ev.WriterID())

	payload := ev.Payload
	assert.Equal(t, "alpha", payload["name"])

	// Role normalized to lower case, defaults materialized.
	normSpec := payload["spec"].(map[string]any)
	assert.Equal(t, "worker", normSpec["role"])
	perms := normSpec["permissions"].(map[string]any)
	assert.Equal(t, false, perms["canAssignTasks"])
	image := normSpec["image"].(map[string]any)
	assert.Equal(t, "latest", image["tag"])

	// Non-allowlisted labels are gone.
	outLabels := payload["labels"].(map[string]any)
	assert.Equal(t, map[string]any{"app": "agent"}, outLabels)

	specHash, _ := payload["spec_hash"].(string)
	assert.Len(t, specHash, 16)
}

func TestDefaultingCollapsesEquivalentSpecs(t *testing.T) {
	a := newAdapter(t, Options{})

	// Explicit defaults and absent fields must produce the same payload.
	explicit := map[string]any{
		"role":        "worker",
		"permissions": map[string]any{"canAssignTasks": false, "canAccessAuditLogs": false, "canManageTeam": false},
		"image":       map[string]any{"tag": "latest", "verify": false},
		"workspace":   map[string]any{"size": "1Gi"},
	}
	implicit := map[string]any{}

	ev1, _, err := a.AgentObserved(determinism.NewClock(0), "alpha", "default", explicit, nil)
	require.NoError(t, err)
	ev2, _, err := a.AgentObserved(determinism.NewClock(0), "alpha", "default", implicit, nil)
	require.NoError(t, err)

	h1, err := canonical.Hash(ev1.Payload)
	require.NoError(t, err)
	h2, err := canonical.Hash(ev2.Payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestClockAdvancesOncePerEvent(t *testing.T) {
	a := newAdapter(t, Options{})
	clock := determinism.NewClock(10)

	ev1, clock, err := a.AgentObserved(clock, "a", "ns", nil, nil)
	require.NoError(t, err)
	ev2, clock, err := a.AgentObserved(clock, "b", "ns", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(11), ev1.Ts)
	assert.Equal(t, int64(12), ev2.Ts)
	assert.Equal(t, int64(12), clock.Now())
}

func TestFloatInSpecRejectedAtBoundary(t *testing.T) {
	a := newAdapter(t, Options{})
	spec := map[string]any{"weights": map[string]any{"cpu": 0.5}}

	_, _, err := a.AgentObserved(determinism.NewClock(0), "alpha", "default", spec, nil)
	require.Error(t, err)
	var cerr *canonical.Error
	assert.ErrorAs(t, err, &cerr)
}

func TestSchemaValidation(t *testing.T) {
	require.NoError(t, ValidateAgentSpec(map[string]any{"role": "worker"}))
	require.NoError(t, ValidateAgentSpec(map[string]any{"future_field": "ok"}))

	// Known fields with the wrong type are rejected.
	require.Error(t, ValidateAgentSpec(map[string]any{"role": true}))
	require.Error(t, ValidateAgentSpec(map[string]any{
		"workspace": map[string]any{"size": "not-a-size"},
	}))
	require.Error(t, ValidateAgentSpec(map[string]any{
		"permissions": map[string]any{"canAssignTasks": "yes"},
	}))
}

func TestHashVersionStamped(t *testing.T) {
	a := newAdapter(t, Options{HashVersion: engine.HashV2})
	ev, _, err := a.AgentObserved(determinism.NewClock(0), "alpha", "default", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.HashV2, ev.HashVersion())

	_, err = New(Options{HashVersion: "v9"})
	require.Error(t, err)
}

func TestStripPlatformFields(t *testing.T) {
	obj := map[string]any{
		"metadata": map[string]any{
			"name":            "alpha",
			"namespace":       "default",
			"uid":             "d3adb33f",
			"resourceVersion": "123456",
			"managedFields":   []any{map[string]any{"manager": "operator"}},
			"labels": map[string]any{
				"app":       "agent",
				"ephemeral": "x",
			},
		},
		"spec":   map[string]any{"role": "worker"},
		"status": map[string]any{"phase": "Running"},
	}

	cleaned := StripPlatformFields(obj)
	meta := cleaned["metadata"].(map[string]any)
	assert.Equal(t, "alpha", meta["name"])
	assert.NotContains(t, meta, "uid")
	assert.NotContains(t, meta, "resourceVersion")
	assert.Equal(t, map[string]any{"app": "agent"}, meta["labels"])
	assert.NotContains(t, cleaned, "status")

	assert.True(t, Stripped("managedFields"))
	assert.False(t, Stripped("name"))
}
