package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/bissquit/sms-relay/internal/delivery/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollerFixture struct {
	store    *memory.Store
	provider *fakeProvider
	clock    *clock.Mock
	poller   *delivery.PollingScheduler
	orch     *delivery.Orchestrator
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	f := &pollerFixture{store: memory.NewStore(), clock: clock.NewMock()}
	f.clock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	f.provider = newFakeProvider(t, f.store, dailyLane)
	f.poller = delivery.NewPollingScheduler(f.store, time.Second, 10, f.clock)
	f.orch = delivery.NewOrchestrator(f.store, f.provider, f.poller, delivery.WithClock(f.clock))
	f.poller.Bind(f.orch)
	return f
}

func TestPollingScheduler_RetryWaitsForBackoff(t *testing.T) {
	f := newPollerFixture(t)
	f.provider.failNext(errors.New("gateway timeout"))
	start := f.clock.Now()

	entries, err := f.orch.Enqueue(context.Background(), dailyLane, messages("one"), delivery.EnqueueOptions{})
	require.NoError(t, err)

	e, err := f.store.Get(context.Background(), entries[0].ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextAttemptAt)
	assert.Equal(t, start.Add(5*time.Minute), *e.NextAttemptAt)
	assert.Len(t, f.provider.sent(), 1)

	resumed, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)

	f.clock.Add(4*time.Minute + 59*time.Second)
	resumed, err = f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Len(t, f.provider.sent(), 1, "attempt 2 must not run before its backoff")

	f.clock.Add(time.Second)
	resumed, err = f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Len(t, f.provider.sent(), 2)

	e, err = f.store.Get(context.Background(), entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, e.Status)
}

func TestPollingScheduler_UnboundPollIsNoop(t *testing.T) {
	store := memory.NewStore()
	p := delivery.NewPollingScheduler(store, 0, 0, nil)

	resumed, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.NoError(t, p.Schedule(context.Background(), delivery.RetryJob{EntryID: "e1"}))
}

func TestPollingScheduler_StartStop(t *testing.T) {
	f := newPollerFixture(t)
	f.provider.failNext(errors.New("gateway timeout"))

	entries, err := f.orch.Enqueue(context.Background(), dailyLane, messages("one"), delivery.EnqueueOptions{})
	require.NoError(t, err)
	f.clock.Add(5 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(ctx)

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		e, err := f.store.Get(context.Background(), entries[0].ID)
		return err == nil && e.Status == delivery.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	f.poller.Stop()
	f.poller.Stop()
}
