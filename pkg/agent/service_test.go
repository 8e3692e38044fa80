package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appfirewall/pkg/firewall"
)

func TestCreateOrUpdatePolicy(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCollector{}, nil)
	ctx := context.Background()

	first, err := h.orch.CreateOrUpdatePolicy(ctx, "chrome", []string{"Example.com"}, []string{"1.2.3.4"}, []string{"tcp"}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, []firewall.Protocol{firewall.ProtocolTCP}, first.AllowedProtocols)

	second, err := h.orch.CreateOrUpdatePolicy(ctx, "chrome", nil, []string{"5.6.7.8"}, []string{"UDP"}, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := h.store.GetActivePolicy(ctx, "chrome")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	history, err := h.store.PolicyHistory(ctx, "chrome")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCreateOrUpdatePolicyRejectsBadInput(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCollector{}, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		app       string
		domains   []string
		ips       []string
		protocols []string
	}{
		{"empty app", " ", nil, nil, []string{"TCP"}},
		{"bad protocol", "chrome", nil, nil, []string{"TCP", "ICMP"}},
		{"bad ip", "chrome", nil, []string{"1.2.3"}, nil},
		{"comma in domain", "chrome", []string{"a.com,b.com"}, nil, nil},
		{"port in domain", "chrome", []string{"example.com:443"}, nil, []string{"TCP"}},
		{"ip as domain", "chrome", []string{"1.2.3.4"}, nil, []string{"TCP"}},
		{"ipv6 as domain", "chrome", []string{"::1"}, nil, []string{"TCP"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.CreateOrUpdatePolicy(ctx, tt.app, tt.domains, tt.ips, tt.protocols, true)
			assert.Error(t, err)
		})
	}

	history, err := h.store.PolicyHistory(ctx, "chrome")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestGetLogsForApp(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCollector{batch: chromeBatch()}, nil)
	ctx := context.Background()

	logs, err := h.orch.GetLogsForApp(ctx, "chrome")
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)

	require.NoError(t, h.orch.Tick(ctx))
	logs, err = h.orch.GetLogsForApp(ctx, "chrome")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a-1", logs[0].ID)
	assert.Equal(t, "b-1", logs[1].ID)
}

func TestListProcesses(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCollector{}, nil)
	procs := h.orch.ListProcesses(context.Background())
	assert.Equal(t, []firewall.ProcessDescriptor{{PID: 1, Name: "init"}}, procs)
}
