package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyAllowsOrdinaryCommand(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{
		Verb:        "restart_service",
		TargetCount: 1,
		Target:      map[string]interface{}{"agent_id": "a1", "status": "ACTIVE"},
		Limits:      Limits{MaxBroadcastTargets: 10},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Reasons)
}

func TestDefaultPolicyBlocksLargeBroadcast(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{
		Verb:        "restart_service",
		Broadcast:   true,
		TargetCount: 11,
		Limits:      Limits{MaxBroadcastTargets: 10},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "limit is 10")
}

func TestDefaultPolicyRestrictsCompromisedTargets(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	target := map[string]interface{}{"agent_id": "a1", "status": "COMPROMISED"}
	d, err := engine.Evaluate(ctx, Input{Verb: "restart_service", TargetCount: 1, Target: target, Limits: Limits{MaxBroadcastTargets: 10}})
	require.NoError(t, err)
	assert.False(t, d.Allow)

	d, err = engine.Evaluate(ctx, Input{Verb: "quarantine", TargetCount: 1, Target: target, Limits: Limits{MaxBroadcastTargets: 10}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package command_policy\ndeny[msg] {")
	assert.Error(t, err)
}

func TestNewEngineFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.rego")
	content := "package command_policy\n\ndeny[msg] {\n\tinput.verb == \"reboot\"\n\tmsg := \"reboots are frozen\"\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	engine, err := NewEngineFromFile(ctx, path)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Verb: "reboot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reboots are frozen"}, d.Reasons)

	_, err = NewEngineFromFile(ctx, filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}
