package swipe

import (
	"context"
	"errors"
	"time"

	"heartline/apperr"
	"heartline/keylock"
	"heartline/logger"
	"heartline/models"
	"heartline/store"
)

// MatchListener is told about matches the engine created. It is called after
// the match is durable and outside the pair lock.
type MatchListener interface {
	MatchCreated(ctx context.Context, m *models.Match)
}

type Result struct {
	Matched       bool          `json:"isMatch"`
	MatchedWithID string        `json:"matchedWithId,omitempty"`
	Match         *models.Match `json:"match,omitempty"`
	// NewMatch is false when the pair had already matched before this swipe.
	NewMatch bool `json:"newMatch"`
}

type Engine struct {
	users    store.Users
	swipes   store.Swipes
	matches  store.Matches
	locks    *keylock.Locker
	timeout  time.Duration
	now      func() time.Time
	listener MatchListener
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithMatchListener(l MatchListener) Option {
	return func(e *Engine) { e.listener = l }
}

func NewEngine(users store.Users, swipes store.Swipes, matches store.Matches, opts ...Option) *Engine {
	e := &Engine{
		users:   users,
		swipes:  swipes,
		matches: matches,
		locks:   keylock.New(),
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordSwipe stores actor's decision about target and, for a right swipe,
// completes the match when target already swiped right on actor. Once a pair
// has matched its swipes are frozen: any later swipe by either side leaves
// the stored right swipes untouched and reports the existing match.
//
// The swipe is written before the reciprocal swipe is read, so of two
// concurrent reciprocal swipes at least one observes the other. The match
// document is keyed by the unordered pair, so both observers converge on the
// same record.
func (e *Engine) RecordSwipe(ctx context.Context, actorID, targetID string, dir models.Direction) (*Result, error) {
	if actorID == "" {
		return nil, apperr.Validation("actorId", "required")
	}
	if targetID == "" {
		return nil, apperr.Validation("targetUserId", "required")
	}
	if actorID == targetID {
		return nil, apperr.Validation("targetUserId", "cannot swipe on yourself")
	}
	if !dir.Valid() {
		return nil, apperr.Validation("direction", "must be left or right")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	actor, err := e.loadUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.CanInteract() {
		return nil, apperr.NotAuthorized("account is not active").WithDetail("status", actor.Status)
	}
	target, err := e.loadUser(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !target.Reachable() {
		return nil, apperr.NotAuthorized("user is unavailable")
	}

	result, err := e.record(ctx, actorID, targetID, dir)
	if err != nil {
		return nil, err
	}

	if result.NewMatch {
		logger.Info().
			Str("match_id", result.Match.ID).
			Str("actor_id", actorID).
			Str("target_id", targetID).
			Msg("Match created")
		if e.listener != nil {
			e.listener.MatchCreated(context.WithoutCancel(ctx), result.Match)
		}
	}
	return result, nil
}

func (e *Engine) record(ctx context.Context, actorID, targetID string, dir models.Direction) (*Result, error) {
	unlock := e.locks.Lock(models.PairKey(actorID, targetID))
	defer unlock()

	now := e.now()
	matched, err := e.matches.Exists(ctx, actorID, targetID)
	if err != nil {
		return nil, apperr.FromStore("check match", err)
	}
	if matched {
		return e.existingMatch(ctx, actorID, targetID, now)
	}

	err = e.swipes.Put(ctx, models.Swipe{
		ActorID:   actorID,
		TargetID:  targetID,
		Direction: dir,
		Timestamp: now,
	})
	if err != nil {
		return nil, apperr.FromStore("put swipe", err)
	}
	if dir != models.DirectionRight {
		return &Result{}, nil
	}

	reciprocal, err := e.swipes.Get(ctx, targetID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, apperr.FromStore("get reciprocal swipe", err)
	}
	if reciprocal.Direction != models.DirectionRight {
		return &Result{}, nil
	}

	match, created, err := e.matches.Ensure(ctx, models.NewMatch(actorID, targetID, now))
	if err != nil {
		return nil, apperr.FromStore("ensure match", err)
	}
	return &Result{
		Matched:       true,
		MatchedWithID: targetID,
		Match:         match,
		NewMatch:      created,
	}, nil
}

func (e *Engine) existingMatch(ctx context.Context, actorID, targetID string, now time.Time) (*Result, error) {
	// Ensure on a matched pair returns the stored record
	match, _, err := e.matches.Ensure(ctx, models.NewMatch(actorID, targetID, now))
	if err != nil {
		return nil, apperr.FromStore("load match", err)
	}
	logger.Debug().Str("match_id", match.ID).Str("actor_id", actorID).Msg("Swipe on matched pair ignored")
	return &Result{Matched: true, MatchedWithID: targetID, Match: match}, nil
}

// History returns the actor's swipes oldest first.
func (e *Engine) History(ctx context.Context, actorID string) ([]models.Swipe, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.swipes.ListByActor(ctx, actorID)
	if err != nil {
		return nil, apperr.FromStore("list swipes", err)
	}
	return out, nil
}

func (e *Engine) loadUser(ctx context.Context, id string) (*models.User, error) {
	u, err := e.users.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user", id)
	}
	if err != nil {
		return nil, apperr.FromStore("get user", err)
	}
	return u, nil
}
