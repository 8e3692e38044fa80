package badgerstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appfirewall/pkg/firewall"
	"appfirewall/pkg/storage"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(app string, ts time.Time, sent, recv uint64) firewall.ConnectionRecord {
	return firewall.NewConnectionRecord(app, "93.184.216.34:443", firewall.ProtocolTCP, sent, recv, ts)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	chrome1 := record("chrome.exe", base, 100, 200)
	curl := record("curl", base.Add(time.Second), 1, 2)
	chrome2 := record("chrome.exe", base.Add(2*time.Second), 300, 400)
	for _, r := range []firewall.ConnectionRecord{chrome1, curl, chrome2} {
		require.NoError(t, s.Append(ctx, r))
	}

	got, err := s.QueryByApp(ctx, "chrome.exe")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, chrome1.ID, got[0].ID)
	assert.Equal(t, chrome2.ID, got[1].ID)
	assert.Equal(t, uint64(300), got[1].BytesSent)
	assert.True(t, got[1].Timestamp.Equal(chrome2.Timestamp))

	all, err := s.QueryAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{chrome1.ID, curl.ID, chrome2.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	none, err := s.QueryByApp(ctx, "chrome")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestAppendDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	r := record("curl", base, 1, 1)
	require.NoError(t, s.Append(ctx, r))

	err := s.Append(ctx, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
	var se *storage.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append", se.Op)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendRequiresID(t *testing.T) {
	s := openInMemory(t)
	r := record("curl", base, 1, 1)
	r.ID = ""
	assert.Error(t, s.Append(context.Background(), r))
}

func TestQueryRange(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	var ids []string
	for i := 0; i < 5; i++ {
		r := record("app", base.Add(time.Duration(i)*time.Minute), 1, 1)
		ids = append(ids, r.ID)
		require.NoError(t, s.Append(ctx, r))
	}

	got, err := s.QueryRange(ctx, base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)

	empty, err := s.QueryRange(ctx, base.Add(time.Hour), base)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append(ctx, record(fmt.Sprintf("app-%d", i%3), base, 1, 1)))
	}
	require.NoError(t, s.ClearAll(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := s.QueryAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	byApp, err := s.QueryByApp(ctx, "app-1")
	require.NoError(t, err)
	assert.Empty(t, byApp)

	// the store keeps working after a clear, and cleared ids may be reused
	r := record("app-0", base, 1, 1)
	require.NoError(t, s.Append(ctx, r))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountNeverDecreasesWithoutClear(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	last := 0
	dup := record("x", base, 1, 1)
	require.NoError(t, s.Append(ctx, dup))
	for i := 0; i < 10; i++ {
		_ = s.Append(ctx, record("x", base, uint64(i), 1))
		_ = s.Append(ctx, dup)
		_, _ = s.QueryAll(ctx)
		_, _ = s.QueryByApp(ctx, "x")

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, last)
		last = n
	}
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, s.Append(ctx, record("burst", base, 1, 1)))
			}
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestClosedStoreFails(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Append(context.Background(), record("x", base, 1, 1))
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Count(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	r := record("sshd", base, 10, 20)
	require.NoError(t, s.Append(ctx, r))
	_, err = s.Upsert(ctx, firewall.Policy{AppName: "sshd", AllowedProtocols: []firewall.Protocol{firewall.ProtocolTCP}, IsActive: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.QueryByApp(ctx, "sshd")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.ID, got[0].ID)

	p, err := s2.GetActivePolicy(ctx, "sshd")
	require.NoError(t, err)
	require.NotNil(t, p)

	// new appends keep sorting after the reopened ones
	r2 := record("sshd", base, 1, 1)
	require.NoError(t, s2.Append(ctx, r2))
	got, err = s2.QueryByApp(ctx, "sshd")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, r2.ID, got[1].ID)
}
