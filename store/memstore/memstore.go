// Package memstore is an in-process implementation of the store contracts.
// It backs STORE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"heartline/models"
	"heartline/store"
)

type swipeKey struct{ actor, target string }

type sendKey struct{ sender, receiver string }

type Memory struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	swipes   map[swipeKey]models.Swipe
	matches  map[string]models.Match
	messages []models.Message
	sent     map[sendKey]int
	subs     map[string]models.PushSubscription
}

func New() *Memory {
	return &Memory{
		users:   make(map[string]*models.User),
		swipes:  make(map[swipeKey]models.Swipe),
		matches: make(map[string]models.Match),
		sent:    make(map[sendKey]int),
		subs:    make(map[string]models.PushSubscription),
	}
}

// Store exposes the memory backend through the store bundle.
func (m *Memory) Store() *store.Store {
	return &store.Store{
		Users:             users{m},
		Swipes:            swipes{m},
		Matches:           matches{m},
		Messages:          messages{m},
		SendCounters:      counters{m},
		PushSubscriptions: pushSubs{m},
	}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Profile.Photos = append([]string(nil), u.Profile.Photos...)
	c.Profile.Interests = append([]string(nil), u.Profile.Interests...)
	c.Profile.LookingFor = append([]string(nil), u.Profile.LookingFor...)
	c.Reports = append([]models.Report(nil), u.Reports...)
	if u.Profile.Location != nil {
		loc := *u.Profile.Location
		c.Profile.Location = &loc
	}
	return &c
}

type users struct{ m *Memory }

func (s users) Get(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s users) Upsert(ctx context.Context, u *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.users[u.ID]
	if !ok {
		s.m.users[u.ID] = cloneUser(u)
		return nil
	}
	existing.Profile = cloneUser(u).Profile
	existing.Settings = u.Settings
	existing.UpdatedAt = u.UpdatedAt
	return nil
}

func (s users) update(ctx context.Context, id string, fn func(*models.User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(u)
	return nil
}

func (s users) SetPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	return s.update(ctx, id, func(u *models.User) {
		u.IsOnline = online
		u.LastSeen = lastSeen
	})
}

func (s users) SetSubscription(ctx context.Context, id string, sub models.Subscription) error {
	return s.update(ctx, id, func(u *models.User) { u.Subscription = sub })
}

func (s users) SetStatus(ctx context.Context, id string, status models.UserStatus) error {
	return s.update(ctx, id, func(u *models.User) { u.Status = status })
}

func (s users) AddReport(ctx context.Context, id string, report models.Report) error {
	return s.update(ctx, id, func(u *models.User) { u.Reports = append(u.Reports, report) })
}

type swipes struct{ m *Memory }

func (s swipes) Put(ctx context.Context, sw models.Swipe) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.swipes[swipeKey{sw.ActorID, sw.TargetID}] = sw
	return nil
}

func (s swipes) Get(ctx context.Context, actorID, targetID string) (*models.Swipe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sw, ok := s.m.swipes[swipeKey{actorID, targetID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sw, nil
}

func (s swipes) ListByActor(ctx context.Context, actorID string) ([]models.Swipe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	out := []models.Swipe{}
	for k, sw := range s.m.swipes {
		if k.actor == actorID {
			out = append(out, sw)
		}
	}
	s.m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type matches struct{ m *Memory }

func (s matches) Ensure(ctx context.Context, match *models.Match) (*models.Match, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if existing, ok := s.m.matches[match.ID]; ok {
		return &existing, false, nil
	}
	s.m.matches[match.ID] = *match
	stored := *match
	return &stored, true, nil
}

func (s matches) Exists(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	_, ok := s.m.matches[models.PairKey(a, b)]
	return ok, nil
}

func (s matches) ListForUser(ctx context.Context, userID string) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	out := []models.Match{}
	for _, match := range s.m.matches {
		if match.Users[0] == userID || match.Users[1] == userID {
			out = append(out, match)
		}
	}
	s.m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	return out, nil
}

type counters struct{ m *Memory }

func (s counters) Reserve(ctx context.Context, senderID, receiverID string, limit int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := sendKey{senderID, receiverID}
	if limit >= 0 && s.m.sent[k] >= limit {
		return false, nil
	}
	s.m.sent[k]++
	return true, nil
}

func (s counters) Release(ctx context.Context, senderID, receiverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := sendKey{senderID, receiverID}
	if s.m.sent[k] > 0 {
		s.m.sent[k]--
	}
	return nil
}

type messages struct{ m *Memory }

func (s messages) Insert(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.messages = append(s.m.messages, *msg)
	return nil
}

func (s messages) CountSent(ctx context.Context, senderID, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var n int64
	for _, msg := range s.m.messages {
		if msg.SenderID == senderID && msg.ReceiverID == receiverID {
			n++
		}
	}
	return n, nil
}

func (s messages) filter(ctx context.Context, keep func(*models.Message) bool) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	out := []models.Message{}
	for i := range s.m.messages {
		if keep(&s.m.messages[i]) {
			out = append(out, s.m.messages[i])
		}
	}
	s.m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s messages) ListForUser(ctx context.Context, userID string) ([]models.Message, error) {
	return s.filter(ctx, func(msg *models.Message) bool {
		return msg.SenderID == userID || msg.ReceiverID == userID
	})
}

func (s messages) ListBetween(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	key := models.PairKey(a, b)
	out, err := s.filter(ctx, func(msg *models.Message) bool { return msg.PairKey == key })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s messages) MarkRead(ctx context.Context, readerID, otherID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for i := range s.m.messages {
		msg := &s.m.messages[i]
		if msg.ReceiverID == readerID && msg.SenderID == otherID && !msg.Read {
			msg.Read = true
			n++
		}
	}
	return n, nil
}

type pushSubs struct{ m *Memory }

func (s pushSubs) Save(ctx context.Context, sub models.PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.subs[sub.Endpoint] = sub
	return nil
}

func (s pushSubs) ForUser(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := []models.PushSubscription{}
	for _, sub := range s.m.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s pushSubs) Delete(ctx context.Context, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.subs, endpoint)
	return nil
}
