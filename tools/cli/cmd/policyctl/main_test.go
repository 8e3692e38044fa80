package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appfirewall/pkg/agent"
	"appfirewall/pkg/config"
	"appfirewall/pkg/firewall"
	"appfirewall/pkg/ml"
	"appfirewall/pkg/policy"
	"appfirewall/pkg/storage/badgerstore"
	"appfirewall/pkg/telemetry"
)

type staticCollector struct{}

func (staticCollector) Collect(context.Context) ([]firewall.ConnectionRecord, telemetry.Stats) {
	return nil, telemetry.Stats{}
}

func (staticCollector) Processes(context.Context) []firewall.ProcessDescriptor {
	return []firewall.ProcessDescriptor{{PID: 42, Name: "chrome", ExecutablePath: "/usr/bin/chrome"}}
}

// newTestCLI shares one in-memory store across every command it runs.
func newTestCLI(t *testing.T) (*cli, *bytes.Buffer, *badgerstore.Store) {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	det, err := ml.NewDetector(ml.DefaultConfig(), nil)
	require.NoError(t, err)
	orch, err := agent.New(agent.Config{PollInterval: time.Second, DetectEvery: 1}, agent.Deps{
		Store:     store,
		Collector: staticCollector{},
		Decider:   policy.NewEngine(nil, nil),
		Detector:  det,
	})
	require.NoError(t, err)

	open := func(context.Context) (*session, error) {
		return &session{orch: orch, store: store, close: func() {}}, nil
	}
	out := &bytes.Buffer{}
	loadConfig := func() (config.Config, error) { return config.Default(), nil }
	return &cli{out: out, open: open, loadConfig: loadConfig}, out, store
}

func execute(t *testing.T, c *cli, args ...string) error {
	t.Helper()
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	c.closeAll()
	return err
}

func TestPolicySetAndGet(t *testing.T) {
	c, out, store := newTestCLI(t)

	require.NoError(t, execute(t, c, "policy", "set", "chrome", "--domain", "example.com,Google.com", "--ip", "1.2.3.4", "--protocol", "tcp"))
	assert.Contains(t, out.String(), "chrome")

	active, err := store.GetActivePolicy(context.Background(), "chrome")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, []string{"example.com", "google.com"}, active.AllowedDomains)

	out.Reset()
	require.NoError(t, execute(t, c, "--json", "policy", "get", "chrome"))
	var got []firewall.Policy
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestPolicySetRejectsUnknownProtocol(t *testing.T) {
	c, _, store := newTestCLI(t)

	assert.Error(t, execute(t, c, "policy", "set", "chrome", "--protocol", "icmp"))
	history, err := store.PolicyHistory(context.Background(), "chrome")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPolicyGetMissing(t *testing.T) {
	c, out, _ := newTestCLI(t)
	require.NoError(t, execute(t, c, "policy", "get", "slack"))
	assert.Contains(t, out.String(), "no active policy for slack")
}

func TestLogsCommands(t *testing.T) {
	c, out, store := newTestCLI(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, firewall.NewConnectionRecord("chrome", "1.2.3.4:443", firewall.ProtocolTCP, 10, 20, ts)))
	require.NoError(t, store.Append(ctx, firewall.NewConnectionRecord("slack", "5.6.7.8:443", firewall.ProtocolTCP, 1, 2, ts)))

	require.NoError(t, execute(t, c, "logs", "count"))
	assert.Equal(t, "2\n", out.String())

	out.Reset()
	require.NoError(t, execute(t, c, "--json", "logs", "app", "chrome"))
	var recs []firewall.ConnectionRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "1.2.3.4:443", recs[0].Destination)

	assert.Error(t, execute(t, c, "logs", "clear"))
	require.NoError(t, execute(t, c, "logs", "clear", "--yes"))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessesAndAnomalies(t *testing.T) {
	c, out, _ := newTestCLI(t)

	require.NoError(t, execute(t, c, "processes"))
	assert.Contains(t, out.String(), "/usr/bin/chrome")

	out.Reset()
	require.NoError(t, execute(t, c, "anomalies"))
	assert.Contains(t, out.String(), "status: insufficient_data")
}

func TestSessionConfigDropsReportEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.ReportEndpoint = "nats://central:4222"

	got := sessionConfig(cfg)
	assert.Empty(t, got.ReportEndpoint)
	assert.Equal(t, cfg.StoreDriver, got.StoreDriver)
	assert.Equal(t, "nats://central:4222", cfg.ReportEndpoint)
}

func TestDBCommandsRequirePostgres(t *testing.T) {
	c, _, _ := newTestCLI(t)

	err := execute(t, c, "db", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres store driver")

	err = execute(t, c, "db", "down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	assert.Error(t, execute(t, c, "db", "down", "--yes"))
}
