package badgerstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appfirewall/pkg/firewall"
)

func chromePolicy() firewall.Policy {
	return firewall.Policy{
		AppName:          "chrome.exe",
		AllowedIPs:       []string{"192.168.1.10"},
		AllowedProtocols: []firewall.Protocol{firewall.ProtocolTCP},
		IsActive:         true,
	}
}

func activeCount(t *testing.T, s *Store, app string) int {
	t.Helper()
	rows, err := s.PolicyHistory(context.Background(), app)
	require.NoError(t, err)
	n := 0
	for _, p := range rows {
		if p.IsActive {
			n++
		}
	}
	return n
}

func TestGetActivePolicyMissing(t *testing.T) {
	s := openInMemory(t)
	p, err := s.GetActivePolicy(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestUpsertAssignsIDAndNormalizes(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	in := chromePolicy()
	in.AllowedDomains = []string{"Google.com", "google.com"}
	stored, err := s.Upsert(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, []string{"google.com"}, stored.AllowedDomains)

	got, err := s.GetActivePolicy(ctx, "chrome.exe")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored, *got)
}

func TestUpsertTwiceLeavesOneActive(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	first, err := s.Upsert(ctx, chromePolicy())
	require.NoError(t, err)
	second, err := s.Upsert(ctx, chromePolicy())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, 1, activeCount(t, s, "chrome.exe"))
	got, err := s.GetActivePolicy(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	history, err := s.PolicyHistory(ctx, "chrome.exe")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.False(t, history[1].IsActive)

	// same id, same content: still one active row, no new history
	_, err = s.Upsert(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount(t, s, "chrome.exe"))
	history, err = s.PolicyHistory(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpsertInactiveRow(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	active, err := s.Upsert(ctx, chromePolicy())
	require.NoError(t, err)

	// a new inactive row does not displace the active one
	draft := chromePolicy()
	draft.IsActive = false
	_, err = s.Upsert(ctx, draft)
	require.NoError(t, err)
	got, err := s.GetActivePolicy(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)

	// deactivating the active row leaves the app without a policy
	active.IsActive = false
	_, err = s.Upsert(ctx, active)
	require.NoError(t, err)
	got, err = s.GetActivePolicy(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertMovesRowBetweenApps(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	p, err := s.Upsert(ctx, chromePolicy())
	require.NoError(t, err)
	p.AppName = "firefox"
	_, err = s.Upsert(ctx, p)
	require.NoError(t, err)

	old, err := s.GetActivePolicy(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Nil(t, old)
	history, err := s.PolicyHistory(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Empty(t, history)

	moved, err := s.GetActivePolicy(ctx, "firefox")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, p.ID, moved.ID)
}

func TestUpsertRequiresAppName(t *testing.T) {
	s := openInMemory(t)
	_, err := s.Upsert(context.Background(), firewall.Policy{AppName: "  ", IsActive: true})
	assert.Error(t, err)
}

func TestConcurrentUpsertsKeepOneActive(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upsert(ctx, chromePolicy())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, activeCount(t, s, "chrome.exe"))
	history, err := s.PolicyHistory(ctx, "chrome.exe")
	require.NoError(t, err)
	assert.Len(t, history, 8)
}
