package models

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

type UserStatus string

const (
	StatusActive        UserStatus = "active"
	StatusSuspended     UserStatus = "suspended"
	StatusPendingReview UserStatus = "pending_review"
	StatusBanned        UserStatus = "banned"
)

func (s UserStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusPendingReview, StatusBanned:
		return true
	}
	return false
}

// User is the persisted account record. Swipes and matches live in their own
// collections so that pair writes stay atomic.
type User struct {
	ID           string       `bson:"_id" json:"id"`
	Profile      Profile      `bson:"profile" json:"profile"`
	Settings     Settings     `bson:"settings" json:"settings"`
	Subscription Subscription `bson:"subscription" json:"subscription"`
	Status       UserStatus   `bson:"status" json:"status"`
	IsOnline     bool         `bson:"isOnline" json:"isOnline"`
	LastSeen     time.Time    `bson:"lastSeen,omitempty" json:"lastSeen,omitempty"`
	Reports      []Report     `bson:"reports,omitempty" json:"-"`
	CreatedAt    time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time    `bson:"updatedAt" json:"updatedAt"`
}

type Profile struct {
	Name        string    `bson:"name" json:"name"`
	Age         int       `bson:"age" json:"age"`
	Bio         string    `bson:"bio" json:"bio"`
	Photos      []string  `bson:"photos" json:"photos"` // URLs owned by the photo service
	Orientation string    `bson:"orientation" json:"orientation"`
	Tribe       string    `bson:"tribe" json:"tribe"`
	Location    *Location `bson:"location,omitempty" json:"location,omitempty"`
	Interests   []string  `bson:"interests" json:"interests"`
	LookingFor  []string  `bson:"lookingFor" json:"lookingFor"`
}

type Location struct {
	Latitude  float64 `bson:"latitude" json:"latitude"`
	Longitude float64 `bson:"longitude" json:"longitude"`
	City      string  `bson:"city,omitempty" json:"city,omitempty"`
}

type Settings struct {
	Visible       bool `bson:"visible" json:"visible"` // thirst mode
	ShowDistance  bool `bson:"showDistance" json:"showDistance"`
	AgeMin        int  `bson:"ageMin" json:"ageMin"`
	AgeMax        int  `bson:"ageMax" json:"ageMax"`
	MaxDistanceKm int  `bson:"maxDistanceKm" json:"maxDistanceKm"`
}

type Subscription struct {
	Tier      Tier      `bson:"tier" json:"tier"`
	ExpiresAt time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

// IsPremium reports whether the subscription grants premium at now. A zero
// expiry means the premium grant does not lapse.
func (s Subscription) IsPremium(now time.Time) bool {
	if s.Tier != TierPremium {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

type Report struct {
	ReportedBy string    `bson:"reportedBy" json:"reportedBy"`
	Reason     string    `bson:"reason" json:"reason"`
	Timestamp  time.Time `bson:"timestamp" json:"timestamp"`
}

// CanInteract reports whether the user may swipe or send messages.
func (u *User) CanInteract() bool {
	return u.Status == StatusActive
}

// Reachable reports whether others may message the user.
func (u *User) Reachable() bool {
	return u.Status != StatusBanned && u.Status != StatusSuspended
}
