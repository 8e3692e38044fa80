package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appfirewall/pkg/firewall"
)

const sampleRego = `package appfw

decision := {"outcome": "BLOCK", "reason": "curl is not allowed out"} if {
	input.record.app_name == "curl"
} else := {"outcome": "ALLOW", "reason": "internal network"} if {
	startswith(input.record.host, "10.")
}
`

func loadSample(t *testing.T) *RegoEngine {
	t.Helper()
	p := filepath.Join(t.TempDir(), "appfw.rego")
	require.NoError(t, os.WriteFile(p, []byte(sampleRego), 0o644))
	eng, err := LoadRego(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, eng)
	return eng
}

func TestLoadRegoEmptyPath(t *testing.T) {
	eng, err := LoadRego(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, eng)
}

func TestLoadRegoInvalid(t *testing.T) {
	_, err := NewRegoEngine(context.Background(), "bad.rego", "package appfw\n\ndecision := {")
	assert.Error(t, err)

	_, err = LoadRego(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}

func TestEngineRegoOverride(t *testing.T) {
	e := NewEngine(loadSample(t), nil)
	ctx := context.Background()

	// the built-in verdict would block 10.0.0.5; the policy allows it
	v := e.Decide(ctx, conn("10.0.0.5:443", firewall.ProtocolTCP), chromePolicy())
	assert.Equal(t, firewall.OutcomeAllow, v.Outcome)
	assert.Equal(t, "internal network", v.Reason)
	assert.Equal(t, "c1", v.ConnectionID)

	curl := firewall.ConnectionRecord{ID: "c2", AppName: "curl", Destination: "10.0.0.5:80", Protocol: firewall.ProtocolTCP}
	v = e.Decide(ctx, curl, nil)
	assert.Equal(t, firewall.OutcomeBlock, v.Outcome)
	assert.Equal(t, "curl is not allowed out", v.Reason)
}

func TestEngineRegoUndefinedFallsBack(t *testing.T) {
	e := NewEngine(loadSample(t), nil)
	rec := conn("8.8.8.8:443", firewall.ProtocolTCP)

	v := e.Decide(context.Background(), rec, chromePolicy())
	assert.Equal(t, Decide(rec, chromePolicy()), v)
}

func TestEngineRegoBadOutcomeFallsBack(t *testing.T) {
	eng, err := NewRegoEngine(context.Background(), "odd.rego", `package appfw

decision := {"outcome": "MAYBE"}
`)
	require.NoError(t, err)

	rec := conn("192.168.1.10:443", firewall.ProtocolTCP)
	_, ok, err := eng.Evaluate(context.Background(), rec, chromePolicy(), Decide(rec, chromePolicy()))
	assert.False(t, ok)
	assert.Error(t, err)

	v := NewEngine(eng, nil).Decide(context.Background(), rec, chromePolicy())
	assert.Equal(t, firewall.OutcomeAllow, v.Outcome)
	assert.Equal(t, ReasonMatched, v.Reason)
}

func TestRegoSeesBuiltinVerdict(t *testing.T) {
	eng, err := NewRegoEngine(context.Background(), "echo.rego", `package appfw

decision := {"outcome": input.builtin.outcome, "reason": concat(": ", ["echo", input.builtin.reason])}
`)
	require.NoError(t, err)

	v := NewEngine(eng, nil).Decide(context.Background(), conn("10.0.0.5:443", firewall.ProtocolTCP), nil)
	assert.Equal(t, firewall.OutcomeAllow, v.Outcome)
	assert.Equal(t, "echo: no policy configured", v.Reason)
}
