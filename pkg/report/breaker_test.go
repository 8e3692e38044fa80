package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	calls int
	err   error
}

func (f *flakyPublisher) Publish(context.Context, AnomalyReport) error {
	f.calls++
	return f.err
}

func (f *flakyPublisher) Close() error { return nil }

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	sink := &flakyPublisher{err: errors.New("connection refused")}
	b := WithBreaker(sink, BreakerSettings{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		OnStateChange:    func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) },
		now:              func() time.Time { return now },
	})
	ctx := context.Background()

	assert.Error(t, b.Publish(ctx, AnomalyReport{}))
	assert.Equal(t, StateClosed, b.State())
	assert.Error(t, b.Publish(ctx, AnomalyReport{}))
	assert.Equal(t, StateOpen, b.State())

	// open: the sink is not called
	assert.ErrorIs(t, b.Publish(ctx, AnomalyReport{}), ErrCircuitOpen)
	assert.Equal(t, 2, sink.calls)

	// failed probe reopens
	now = now.Add(time.Minute)
	assert.NotErrorIs(t, b.Publish(ctx, AnomalyReport{}), ErrCircuitOpen)
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, StateOpen, b.State())

	// successful probe closes
	now = now.Add(time.Minute)
	sink.err = nil
	require.NoError(t, b.Publish(ctx, AnomalyReport{}))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	sink := &flakyPublisher{err: errors.New("boom")}
	b := WithBreaker(sink, BreakerSettings{FailureThreshold: 2})
	ctx := context.Background()

	assert.Error(t, b.Publish(ctx, AnomalyReport{}))
	sink.err = nil
	require.NoError(t, b.Publish(ctx, AnomalyReport{}))
	sink.err = errors.New("boom")
	assert.Error(t, b.Publish(ctx, AnomalyReport{}))
	assert.Equal(t, StateClosed, b.State())
}
