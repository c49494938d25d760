package memory

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	laneA = delivery.Lane{RecipientID: "u1", QueueName: "daily"}
	laneB = delivery.Lane{RecipientID: "u1", QueueName: "weekly"}
	laneC = delivery.Lane{RecipientID: "u2", QueueName: "daily"}
)

func newEntries(lane delivery.Lane, ids ...string) []*delivery.Entry {
	out := make([]*delivery.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, &delivery.Entry{
			ID:             id,
			RecipientID:    lane.RecipientID,
			QueueName:      lane.QueueName,
			Content:        "hello " + id,
			Status:         delivery.StatusPending,
			MaxRetries:     3,
			TimeoutMinutes: 10,
		})
	}
	return out
}

func TestStore_CreateAssignsConsecutiveSequences(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	first := newEntries(laneA, "a1", "a2")
	require.NoError(t, s.Create(ctx, first))
	second := newEntries(laneA, "a3")
	require.NoError(t, s.Create(ctx, second))
	other := newEntries(laneB, "b1")
	require.NoError(t, s.Create(ctx, other))

	assert.Equal(t, int64(1), first[0].Sequence)
	assert.Equal(t, int64(2), first[1].Sequence)
	assert.Equal(t, int64(3), second[0].Sequence)
	assert.Equal(t, int64(1), other[0].Sequence)

	lane, err := s.ListLane(ctx, laneA)
	require.NoError(t, err)
	require.Len(t, lane, 3)
	assert.Equal(t, "a3", lane[2].ID)
}

func TestStore_CreateRejectsMixedLanes(t *testing.T) {
	s := NewStore()
	entries := append(newEntries(laneA, "a1"), newEntries(laneB, "b1")...)
	assert.ErrorIs(t, s.Create(context.Background(), entries), delivery.ErrInvalidLane)
}

func TestStore_ClaimEnforcesSingleInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1", "a2")))

	now := time.Now()
	claimed, err := s.Claim(ctx, "a1", now)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, claimed.Status)
	require.NotNil(t, claimed.SentAt)

	_, err = s.Claim(ctx, "a2", now)
	assert.ErrorIs(t, err, delivery.ErrOrderingViolation)

	_, err = s.Claim(ctx, "a1", now)
	assert.ErrorIs(t, err, delivery.ErrStaleTransition)

	_, err = s.Claim(ctx, "missing", now)
	assert.ErrorIs(t, err, delivery.ErrEntryNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1")))

	e, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	e.Status = delivery.StatusDelivered

	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, again.Status)
}

func TestStore_FailRequeueAndTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1")))

	now := time.Now()
	_, err := s.Claim(ctx, "a1", now)
	require.NoError(t, err)
	require.NoError(t, s.SetProviderMessageID(ctx, "a1", "SM1"))

	next := now.Add(5 * time.Minute)
	e, err := s.Fail(ctx, "a1", delivery.StatusSent, delivery.Failure{
		Message: "timeout", RetryCount: 1, Requeue: true, NextAttemptAt: &next, At: now,
	})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "timeout", *e.ErrorMessage)

	reclaimed, err := s.Claim(ctx, "a1", next)
	require.NoError(t, err)
	assert.Nil(t, reclaimed.ProviderMessageID)
	assert.Nil(t, reclaimed.NextAttemptAt)

	_, err = s.GetByProviderMessageID(ctx, "SM1")
	assert.ErrorIs(t, err, delivery.ErrEntryNotFound, "old provider id must not resolve after re-claim")

	e, err = s.Fail(ctx, "a1", delivery.StatusSent, delivery.Failure{Message: "rejected", RetryCount: 2, At: next})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailed, e.Status)

	_, err = s.Fail(ctx, "a1", delivery.StatusSent, delivery.Failure{Message: "again", RetryCount: 3, At: next})
	assert.ErrorIs(t, err, delivery.ErrStaleTransition)
}

func TestStore_CancelRecipient(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1", "a2")))
	require.NoError(t, s.Create(ctx, newEntries(laneB, "b1")))
	require.NoError(t, s.Create(ctx, newEntries(laneC, "c1")))

	now := time.Now()
	_, err := s.Claim(ctx, "a1", now)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "b1", now)
	require.NoError(t, err)
	_, err = s.MarkDelivered(ctx, "b1", now)
	require.NoError(t, err)

	cancelled, err := s.CancelRecipient(ctx, "u1", now)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	b1, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, b1.Status)

	c1, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, c1.Status)
}

func TestStore_ListStalledPagesByCursor(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1")))
	require.NoError(t, s.Create(ctx, newEntries(laneB, "b1")))
	require.NoError(t, s.Create(ctx, newEntries(laneC, "c1")))
	_, err := s.Claim(ctx, "a1", base)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "b1", base.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Claim(ctx, "c1", base.Add(30*time.Minute))
	require.NoError(t, err)

	now := base.Add(20 * time.Minute)
	page, err := s.ListStalled(ctx, delivery.StalledQuery{Now: now, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a1", page[0].ID)

	page, err = s.ListStalled(ctx, delivery.StalledQuery{
		Now:   now,
		After: &delivery.Cursor{SentAt: *page[0].SentAt, ID: page[0].ID},
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b1", page[0].ID)
}

func TestStore_ListDueLanes(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1")))
	require.NoError(t, s.Create(ctx, newEntries(laneB, "b1", "b2")))
	require.NoError(t, s.Create(ctx, newEntries(laneC, "c1")))

	_, err := s.Claim(ctx, "b1", now)
	require.NoError(t, err)

	_, err = s.Claim(ctx, "c1", now)
	require.NoError(t, err)
	later := now.Add(time.Hour)
	_, err = s.Fail(ctx, "c1", delivery.StatusSent, delivery.Failure{
		Message: "x", RetryCount: 1, Requeue: true, NextAttemptAt: &later, At: now,
	})
	require.NoError(t, err)

	lanes, err := s.ListDueLanes(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []delivery.Lane{laneA}, lanes)

	lanes, err = s.ListDueLanes(ctx, later, 10)
	require.NoError(t, err)
	assert.Equal(t, []delivery.Lane{laneA, laneC}, lanes)
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, newEntries(laneA, "a1", "a2", "a3")))
	_, err := s.Claim(ctx, "a1", time.Now())
	require.NoError(t, err)
	_, err = s.Cancel(ctx, "a3", delivery.StatusPending, time.Now())
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.QueueStats{Pending: 1, Sent: 1, Cancelled: 1}, *stats)
}
