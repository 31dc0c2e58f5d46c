package models

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

func (d Direction) Valid() bool {
	return d == DirectionLeft || d == DirectionRight
}

// Swipe is stored once per ordered (actor, target) pair; a repeated swipe
// overwrites direction and timestamp.
type Swipe struct {
	ActorID   string    `bson:"actorId" json:"actorId"`
	TargetID  string    `bson:"targetUserId" json:"targetUserId"`
	Direction Direction `bson:"direction" json:"direction"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Match is one document per unordered pair, keyed by PairKey.
type Match struct {
	ID        string    `bson:"_id" json:"id"`
	Users     [2]string `bson:"users" json:"users"`
	MatchedAt time.Time `bson:"matchedAt" json:"matchedAt"`
}

// Other returns the participant that is not userID.
func (m *Match) Other(userID string) string {
	if m.Users[0] == userID {
		return m.Users[1]
	}
	return m.Users[0]
}

// MatchEntry is a match as seen from one user.
type MatchEntry struct {
	UserID    string    `json:"userId"`
	MatchedAt time.Time `json:"matchedAt"`
}

const pairSeparator = "|"

// PairKey canonicalises an unordered pair of user ids.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + pairSeparator + b
}

// SplitPairKey reverses PairKey.
func SplitPairKey(key string) (string, string) {
	a, b, _ := strings.Cut(key, pairSeparator)
	return a, b
}

// NewMatch builds the canonical match record for a pair.
func NewMatch(a, b string, at time.Time) *Match {
	key := PairKey(a, b)
	first, second := SplitPairKey(key)
	return &Match{ID: key, Users: [2]string{first, second}, MatchedAt: at}
}
