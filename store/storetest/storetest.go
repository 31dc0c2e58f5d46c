// Package storetest is a behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartline/models"
	"heartline/store"
)

// Run exercises the store contracts against a fresh backend per subtest.
func Run(t *testing.T, newStore func(t *testing.T) *store.Store) {
	t.Run("UsersUpsertPreservesServerFields", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("SwipesLastWriteWins", func(t *testing.T) { testSwipes(t, newStore(t)) })
	t.Run("MatchesEnsureOnce", func(t *testing.T) { testMatches(t, newStore(t)) })
	t.Run("MessagesOrderingAndRead", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("SendCountersCapAcrossCallers", func(t *testing.T) { testSendCounters(t, newStore(t)) })
	t.Run("PushSubscriptions", func(t *testing.T) { testPush(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testUsers(t *testing.T, s *store.Store) {
	ctx := context.Background()

	_, err := s.Users.Get(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	u := &models.User{
		ID:           "alex",
		Profile:      models.Profile{Name: "Alex", Age: 29},
		Subscription: models.Subscription{Tier: models.TierFree},
		Status:       models.StatusActive,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, s.Users.Upsert(ctx, u))
	require.NoError(t, s.Users.SetSubscription(ctx, "alex", models.Subscription{Tier: models.TierPremium}))

	u.Profile.Name = "Alex R."
	u.Subscription = models.Subscription{Tier: models.TierFree}
	u.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.Users.Upsert(ctx, u))

	got, err := s.Users.Get(ctx, "alex")
	require.NoError(t, err)
	assert.Equal(t, "Alex R.", got.Profile.Name)
	assert.Equal(t, models.TierPremium, got.Subscription.Tier)

	require.NoError(t, s.Users.SetPresence(ctx, "alex", true, base))
	require.NoError(t, s.Users.AddReport(ctx, "alex", models.Report{ReportedBy: "jordan", Reason: "spam", Timestamp: base}))
	require.NoError(t, s.Users.SetStatus(ctx, "alex", models.StatusSuspended))

	got, err = s.Users.Get(ctx, "alex")
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	assert.Len(t, got.Reports, 1)
	assert.Equal(t, models.StatusSuspended, got.Status)

	assert.ErrorIs(t, s.Users.SetPresence(ctx, "ghost", true, base), store.ErrNotFound)
}

func testSwipes(t *testing.T, s *store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Swipes.Put(ctx, models.Swipe{ActorID: "alex", TargetID: "jordan", Direction: models.DirectionLeft, Timestamp: base}))
	require.NoError(t, s.Swipes.Put(ctx, models.Swipe{ActorID: "alex", TargetID: "jordan", Direction: models.DirectionRight, Timestamp: base.Add(time.Minute)}))
	require.NoError(t, s.Swipes.Put(ctx, models.Swipe{ActorID: "alex", TargetID: "sam", Direction: models.DirectionLeft, Timestamp: base.Add(2 * time.Minute)}))

	sw, err := s.Swipes.Get(ctx, "alex", "jordan")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionRight, sw.Direction)

	_, err = s.Swipes.Get(ctx, "jordan", "alex")
	assert.ErrorIs(t, err, store.ErrNotFound)

	history, err := s.Swipes.ListByActor(ctx, "alex")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "jordan", history[0].TargetID)
	assert.Equal(t, "sam", history[1].TargetID)
}

func testMatches(t *testing.T, s *store.Store) {
	ctx := context.Background()

	first, created, err := s.Matches.Ensure(ctx, models.NewMatch("jordan", "alex", base))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.Matches.Ensure(ctx, models.NewMatch("alex", "jordan", base.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, first.MatchedAt.Equal(again.MatchedAt))

	ok, err := s.Matches.Exists(ctx, "alex", "jordan")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range []string{"alex", "jordan"} {
		list, err := s.Matches.ListForUser(ctx, id)
		require.NoError(t, err)
		assert.Len(t, list, 1, id)
	}
}

func testMessages(t *testing.T, s *store.Store) {
	ctx := context.Background()

	msgs := []*models.Message{
		{ID: "000000000000000000000001", SenderID: "alex", ReceiverID: "jordan", Content: "hi", Type: models.MessageText, CreatedAt: base},
		{ID: "000000000000000000000002", SenderID: "jordan", ReceiverID: "alex", Content: "hey", Type: models.MessageText, CreatedAt: base.Add(time.Second)},
		{ID: "000000000000000000000003", SenderID: "alex", ReceiverID: "jordan", Content: "how are you", Type: models.MessageText, CreatedAt: base.Add(2 * time.Second)},
		{ID: "000000000000000000000004", SenderID: "sam", ReceiverID: "alex", Content: "yo", Type: models.MessageText, CreatedAt: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		m.PairKey = models.PairKey(m.SenderID, m.ReceiverID)
		require.NoError(t, s.Messages.Insert(ctx, m))
	}

	n, err := s.Messages.CountSent(ctx, "alex", "jordan")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := s.Messages.ListForUser(ctx, "alex")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	between, err := s.Messages.ListBetween(ctx, "jordan", "alex", 0)
	require.NoError(t, err)
	require.Len(t, between, 3)
	assert.Equal(t, "hi", between[0].Content)
	assert.Equal(t, "how are you", between[2].Content)

	latest, err := s.Messages.ListBetween(ctx, "alex", "jordan", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "hey", latest[0].Content)

	marked, err := s.Messages.MarkRead(ctx, "jordan", "alex")
	require.NoError(t, err)
	assert.EqualValues(t, 2, marked)

	marked, err = s.Messages.MarkRead(ctx, "jordan", "alex")
	require.NoError(t, err)
	assert.EqualValues(t, 0, marked)
}

func testSendCounters(t *testing.T, s *store.Store) {
	ctx := context.Background()

	ok, err := s.SendCounters.Reserve(ctx, "alex", "jordan", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// concurrent callers stand in for separate server processes
	const callers = 12
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SendCounters.Reserve(ctx, "alex", "jordan", 3)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, granted.Load())

	// a released reservation can be taken again
	require.NoError(t, s.SendCounters.Release(ctx, "alex", "jordan"))
	ok, err = s.SendCounters.Reserve(ctx, "alex", "jordan", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	// the pair is ordered
	ok, err = s.SendCounters.Reserve(ctx, "jordan", "alex", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 5; i++ {
		ok, err = s.SendCounters.Reserve(ctx, "alex", "jordan", -1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err = s.SendCounters.Reserve(ctx, "alex", "jordan", 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPush(t *testing.T, s *store.Store) {
	ctx := context.Background()

	sub := models.PushSubscription{UserID: "alex", Endpoint: "https://push.example/1", P256dh: "k", Auth: "a", CreatedAt: base}
	require.NoError(t, s.PushSubscriptions.Save(ctx, sub))
	require.NoError(t, s.PushSubscriptions.Save(ctx, sub))

	subs, err := s.PushSubscriptions.ForUser(ctx, "alex")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, s.PushSubscriptions.Delete(ctx, sub.Endpoint))
	subs, err = s.PushSubscriptions.ForUser(ctx, "alex")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
