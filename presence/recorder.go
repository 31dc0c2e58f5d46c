package presence

import (
	"context"
	"time"

	"heartline/logger"
	"heartline/store"
)

// StatusRecorder persists isOnline and lastSeen on the user record.
type StatusRecorder struct {
	users   store.Users
	timeout time.Duration
}

func NewStatusRecorder(users store.Users, timeout time.Duration) *StatusRecorder {
	return &StatusRecorder{users: users, timeout: timeout}
}

func (r *StatusRecorder) UserOnline(userID string, at time.Time) {
	r.set(userID, true, at)
}

func (r *StatusRecorder) UserOffline(userID string, at time.Time) {
	r.set(userID, false, at)
}

func (r *StatusRecorder) set(userID string, online bool, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.users.SetPresence(ctx, userID, online, at.UTC()); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("Failed to record presence")
	}
}
