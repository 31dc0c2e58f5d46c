// Package store declares the persistence contracts used by the swipe engine,
// the message relay and the conversation view. Implementations live in
// store/mongostore and store/memstore.
package store

import (
	"context"
	"errors"
	"time"

	"heartline/models"
)

// ErrNotFound is returned when a single-record lookup has no result.
var ErrNotFound = errors.New("store: not found")

type Users interface {
	Get(ctx context.Context, id string) (*models.User, error)
	// Upsert creates the user or replaces profile and settings. Subscription,
	// status, presence and reports are preserved on existing records.
	Upsert(ctx context.Context, u *models.User) error
	SetPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error
	SetSubscription(ctx context.Context, id string, sub models.Subscription) error
	SetStatus(ctx context.Context, id string, status models.UserStatus) error
	AddReport(ctx context.Context, id string, report models.Report) error
}

type Swipes interface {
	// Put records the swipe, replacing any earlier swipe by the same actor on
	// the same target.
	Put(ctx context.Context, s models.Swipe) error
	Get(ctx context.Context, actorID, targetID string) (*models.Swipe, error)
	ListByActor(ctx context.Context, actorID string) ([]models.Swipe, error)
}

type Matches interface {
	// Ensure inserts the match if absent. created is false when the pair was
	// already matched, in which case the stored record is returned.
	Ensure(ctx context.Context, m *models.Match) (stored *models.Match, created bool, err error)
	Exists(ctx context.Context, a, b string) (bool, error)
	ListForUser(ctx context.Context, userID string) ([]models.Match, error)
}

type Messages interface {
	Insert(ctx context.Context, m *models.Message) error
	// CountSent counts messages from senderID to receiverID.
	CountSent(ctx context.Context, senderID, receiverID string) (int64, error)
	// ListForUser returns every message the user sent or received, oldest first.
	ListForUser(ctx context.Context, userID string) ([]models.Message, error)
	// ListBetween returns up to limit most recent messages of a pair, oldest
	// first. limit <= 0 means no limit.
	ListBetween(ctx context.Context, a, b string, limit int) ([]models.Message, error)
	// MarkRead flags messages from otherID to readerID as read.
	MarkRead(ctx context.Context, readerID, otherID string) (int64, error)
}

type PushSubscriptions interface {
	Save(ctx context.Context, sub models.PushSubscription) error
	ForUser(ctx context.Context, userID string) ([]models.PushSubscription, error)
	Delete(ctx context.Context, endpoint string) error
}

// SendCounters counts messages per ordered (sender, receiver) pair. The
// check and the increment are one atomic step, so a cap holds across
// processes sharing the backend.
type SendCounters interface {
	// Reserve counts one more message from senderID to receiverID. With
	// limit >= 0 it counts nothing and returns false once limit messages are
	// already counted. A negative limit never refuses.
	Reserve(ctx context.Context, senderID, receiverID string, limit int) (bool, error)
	// Release gives back a reservation whose message was never stored.
	Release(ctx context.Context, senderID, receiverID string) error
}

// Store bundles the collections for wiring.
type Store struct {
	Users             Users
	Swipes            Swipes
	Matches           Matches
	Messages          Messages
	SendCounters      SendCounters
	PushSubscriptions PushSubscriptions
}
