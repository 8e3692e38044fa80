package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingStore struct {
	*countingStore
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func TestHealthChecks(t *testing.T) {
	s := openStore(t)
	assert.Empty(t, HealthChecks(s.Store))

	down := errors.New("database ping failed")
	checks := HealthChecks(pingStore{countingStore: s, err: down})
	require.Len(t, checks, 1)
	assert.ErrorIs(t, checks[0](context.Background()), down)
}
