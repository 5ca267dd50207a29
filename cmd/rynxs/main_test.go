package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rynxs-labs/rynxs-core/pkg/adapter"
	"github.com/rynxs-labs/rynxs-core/pkg/decision"
	"github.com/rynxs-labs/rynxs-core/pkg/determinism"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
	"github.com/rynxs-labs/rynxs-core/pkg/store/filestore"
)

// seedLog writes a small but complete log: observation, decision, feedback.
func seedLog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fs, err := filestore.New(dir, filestore.Options{})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := adapter.New(adapter.Options{WriterID: "writer-1"})
	require.NoError(t, err)
	clock := determinism.NewClock(0)
	trigger, clock, err := a.AgentObserved(clock, "alpha", "default", map[string]any{
		"role":      "worker",
		"workspace": map[string]any{"size": "1Gi"},
	}, nil)
	require.NoError(t, err)

	triggerRec, err := store.AppendWithRetry(ctx, fs, trigger, store.DefaultRetryPolicy(), nil)
	require.NoError(t, err)

	actions, meta, err := decision.Decide(engine.NewState(), triggerRec.Event, triggerRec.EventHash)
	require.NoError(t, err)

	clock = clock.Tick()
	decided := decision.NewActionsDecidedEvent(triggerRec.Event, actions, meta, clock.Now())
	_, err = store.AppendWithRetry(ctx, fs, decided, store.DefaultRetryPolicy(), nil)
	require.NoError(t, err)

	for _, action := range actions {
		clock = clock.Tick()
		feedback := engine.NewEvent(engine.TypeActionApplied, action.Target, clock.Now(), map[string]any{
			"action_id":   action.ID,
			"action_type": action.ActionType,
			"target":      action.Target,
			"result_code": "OK",
		}, nil)
		_, err = store.AppendWithRetry(ctx, fs, feedback, store.DefaultRetryPolicy(), nil)
		require.NoError(t, err)
	}
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"rynxs"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, exitRuntimeError, code)
	assert.Contains(t, stderr, "Usage")

	code, stdout, _ := run("help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "audit-report")

	code, _, _ = run("no-such-command")
	assert.Equal(t, exitRuntimeError, code)
}

func TestInspect(t *testing.T) {
	dir := seedLog(t)

	code, stdout, stderr := run("inspect", "--log", dir)
	require.Equal(t, exitOK, code, stderr)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, float64(6), out["applied_events"])
	assert.Len(t, out["state_hash"], 64)

	// Per-aggregate view.
	aggID := determinism.StableID("default/alpha")
	code, stdout, stderr = run("inspect", "--log", dir, "--aggregate", aggID)
	require.Equal(t, exitOK, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, aggID, out["aggregate_id"])

	code, _, _ = run("inspect", "--log", dir, "--aggregate", "missing")
	assert.Equal(t, exitVerifyFailed, code)
}

func TestInspectAtSeq(t *testing.T) {
	dir := seedLog(t)

	code, stdout, stderr := run("inspect", "--log", dir, "--at-seq", "0")
	require.Equal(t, exitOK, code, stderr)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, float64(1), out["applied_events"])
}

func TestVerifyPointers(t *testing.T) {
	dir := seedLog(t)
	code, stdout, stderr := run("verify-pointers", "--log", dir)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, `"valid": true`)
}

func TestAuditReport(t *testing.T) {
	dir := seedLog(t)

	code, stdout, stderr := run("audit-report", "--log", dir, "--proof")
	require.Equal(t, exitOK, code, stderr)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &bundle))
	assert.Equal(t, true, bundle["valid"])

	code, stdout, _ = run("audit-report", "--log", dir, "--format", "md")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "# Audit Report")
	assert.Contains(t, stdout, "PASS")
}

func TestAuditReportDetectsTamper(t *testing.T) {
	dir := seedLog(t)

	// Corrupt a payload byte in the segment file.
	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	path := filepath.Join(dir, names[0].Name())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"role":"worker"`, `"role":"hacker"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	code, _, stderr := run("audit-report", "--log", dir)
	assert.Equal(t, exitVerifyFailed, code)
	assert.Contains(t, stderr, "seq")
}

func TestCheckpointLifecycle(t *testing.T) {
	dir := seedLog(t)
	workDir := t.TempDir()
	keyPath := filepath.Join(workDir, "signing.key")
	cpDir := filepath.Join(workDir, "checkpoints")

	code, stdout, stderr := run("checkpoint", "keygen", "--out", keyPath)
	require.Equal(t, exitOK, code, stderr)
	pubKey := strings.TrimSpace(strings.SplitN(strings.SplitN(stdout, "public key: ", 2)[1], "\n", 2)[0])
	require.Len(t, pubKey, 64)

	code, stdout, stderr = run("checkpoint", "create",
		"--log", dir, "--dir", cpDir, "--key", keyPath, "--created-by", "test-writer")
	require.Equal(t, exitOK, code, stderr)

	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &created))
	cpPath := created["path"].(string)

	code, _, stderr = run("checkpoint", "verify",
		"--log", dir, "--path", cpPath, "--pubkey", pubKey)
	require.Equal(t, exitOK, code, stderr)

	// A wrong key fails with the verification exit code.
	wrongKey := strings.Repeat("ab", 32)
	code, _, _ = run("checkpoint", "verify",
		"--log", dir, "--path", cpPath, "--pubkey", wrongKey)
	assert.Equal(t, exitVerifyFailed, code)
}
