package swipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartline/apperr"
	"heartline/models"
	"heartline/store"
	"heartline/store/memstore"
)

type recordingListener struct {
	mu      sync.Mutex
	matches []*models.Match
}

func (l *recordingListener) MatchCreated(_ context.Context, m *models.Match) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.matches = append(l.matches, m)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.matches)
}

func seed(t *testing.T, s *store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.Users.Upsert(context.Background(), &models.User{
			ID:           id,
			Profile:      models.Profile{Name: id},
			Subscription: models.Subscription{Tier: models.TierFree},
			Status:       models.StatusActive,
		}))
	}
}

func newEngine(s *store.Store, opts ...Option) *Engine {
	return NewEngine(s.Users, s.Swipes, s.Matches, opts...)
}

func TestMatchFormsOnSecondRightSwipe(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	listener := &recordingListener{}
	e := newEngine(s, WithMatchListener(listener))
	ctx := context.Background()

	res, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Empty(t, res.MatchedWithID)

	res, err = e.RecordSwipe(ctx, "jordan", "alex", models.DirectionRight)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.True(t, res.NewMatch)
	assert.Equal(t, "alex", res.MatchedWithID)
	require.NotNil(t, res.Match)
	assert.Equal(t, models.PairKey("alex", "jordan"), res.Match.ID)
	assert.Equal(t, 1, listener.count())

	for _, id := range []string{"alex", "jordan"} {
		list, err := s.Matches.ListForUser(ctx, id)
		require.NoError(t, err)
		assert.Len(t, list, 1, id)
	}
}

func TestLeftSwipeNeverMatches(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	e := newEngine(s)
	ctx := context.Background()

	_, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	require.NoError(t, err)
	res, err := e.RecordSwipe(ctx, "jordan", "alex", models.DirectionLeft)
	require.NoError(t, err)
	assert.False(t, res.Matched)

	ok, err := s.Matches.Exists(ctx, "alex", "jordan")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateSwipeIsLastWriteWins(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newEngine(s, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	ctx := context.Background()

	_, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionLeft)
	require.NoError(t, err)
	_, err = e.RecordSwipe(ctx, "jordan", "alex", models.DirectionRight)
	require.NoError(t, err)

	res, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	require.NoError(t, err)
	assert.True(t, res.Matched)

	history, err := e.History(ctx, "alex")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.DirectionRight, history[0].Direction)
}

func TestRepeatRightSwipeAfterMatchDoesNotDuplicate(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	listener := &recordingListener{}
	e := newEngine(s, WithMatchListener(listener))
	ctx := context.Background()

	_, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	require.NoError(t, err)
	_, err = e.RecordSwipe(ctx, "jordan", "alex", models.DirectionRight)
	require.NoError(t, err)

	res, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.NewMatch)
	assert.Equal(t, 1, listener.count())
}

func TestConcurrentReciprocalSwipesMatchExactlyOnce(t *testing.T) {
	s := memstore.New().Store()
	listener := &recordingListener{}
	// two engines over one store stand in for two server processes, so the
	// in-process pair lock does not serialise them
	first := newEngine(s, WithMatchListener(listener))
	second := newEngine(s, WithMatchListener(listener))
	ctx := context.Background()

	const pairs = 50
	for i := 0; i < pairs; i++ {
		a, b := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
		seed(t, s, a, b)

		var wg sync.WaitGroup
		results := make([]*Result, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := first.RecordSwipe(ctx, a, b, models.DirectionRight)
			assert.NoError(t, err)
			results[0] = res
		}()
		go func() {
			defer wg.Done()
			res, err := second.RecordSwipe(ctx, b, a, models.DirectionRight)
			assert.NoError(t, err)
			results[1] = res
		}()
		wg.Wait()

		require.NotNil(t, results[0])
		require.NotNil(t, results[1])
		assert.True(t, results[0].Matched || results[1].Matched, "pair %d lost its match", i)
		assert.False(t, results[0].NewMatch && results[1].NewMatch, "pair %d matched twice", i)

		for _, id := range []string{a, b} {
			list, err := s.Matches.ListForUser(ctx, id)
			require.NoError(t, err)
			assert.Len(t, list, 1, id)
		}
	}
	assert.Equal(t, pairs, listener.count())
}

func TestRecordSwipeValidation(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	e := newEngine(s)
	ctx := context.Background()

	_, err := e.RecordSwipe(ctx, "alex", "alex", models.DirectionRight)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = e.RecordSwipe(ctx, "alex", "jordan", models.Direction("up"))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = e.RecordSwipe(ctx, "alex", "", models.DirectionRight)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = e.RecordSwipe(ctx, "alex", "nobody", models.DirectionRight)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestInactiveActorCannotSwipe(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	require.NoError(t, s.Users.SetStatus(context.Background(), "alex", models.StatusBanned))
	e := newEngine(s)

	_, err := e.RecordSwipe(context.Background(), "alex", "jordan", models.DirectionRight)
	assert.True(t, apperr.Is(err, apperr.CodeNotAuthorized))
}

type failingSwipes struct {
	store.Swipes
	err error
}

func (f failingSwipes) Put(context.Context, models.Swipe) error { return f.err }

func TestStorageFailuresAreClassified(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	ctx := context.Background()

	e := NewEngine(s.Users, failingSwipes{Swipes: s.Swipes, err: errors.New("disk full")}, s.Matches)
	_, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	assert.True(t, apperr.Is(err, apperr.CodeStorage))

	e = NewEngine(s.Users, failingSwipes{Swipes: s.Swipes, err: context.DeadlineExceeded}, s.Matches)
	_, err = e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	assert.True(t, apperr.Is(err, apperr.CodeTimeout))
}

func TestMatchedPairSwipesAreFrozen(t *testing.T) {
	s := memstore.New().Store()
	seed(t, s, "alex", "jordan")
	listener := &recordingListener{}
	e := newEngine(s, WithMatchListener(listener))
	ctx := context.Background()

	_, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionRight)
	require.NoError(t, err)
	_, err = e.RecordSwipe(ctx, "jordan", "alex", models.DirectionRight)
	require.NoError(t, err)

	res, err := e.RecordSwipe(ctx, "alex", "jordan", models.DirectionLeft)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.NewMatch)
	assert.Equal(t, "jordan", res.MatchedWithID)

	stored, err := s.Swipes.Get(ctx, "alex", "jordan")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionRight, stored.Direction)

	res, err = e.RecordSwipe(ctx, "jordan", "alex", models.DirectionRight)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	require.NotNil(t, res.Match)
	assert.Equal(t, models.PairKey("alex", "jordan"), res.Match.ID)

	ok, err := s.Matches.Exists(ctx, "alex", "jordan")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, listener.count())
}
