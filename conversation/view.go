// Package conversation composes the read side: conversation lists, match
// lists and message history.
package conversation

import (
	"context"
	"sort"
	"time"

	"heartline/apperr"
	"heartline/models"
	"heartline/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type View struct {
	matches  store.Matches
	messages store.Messages
	timeout  time.Duration
}

func NewView(matches store.Matches, messages store.Messages, timeout time.Duration) *View {
	return &View{matches: matches, messages: messages, timeout: timeout}
}

// ListConversations groups the user's messages by counterpart, newest
// conversation first.
func (v *View) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	msgs, err := v.messages.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore("list messages", err)
	}

	byOther := make(map[string]*models.Conversation)
	for i := range msgs {
		m := &msgs[i]
		other := m.Counterpart(userID)
		conv, ok := byOther[other]
		if !ok {
			conv = &models.Conversation{OtherUserID: other}
			byOther[other] = conv
		}
		if conv.LastMessage == nil || !m.CreatedAt.Before(conv.LastMessage.CreatedAt) {
			conv.LastMessage = m
		}
		if m.ReceiverID == userID && !m.Read {
			conv.UnreadCount++
		}
	}

	out := make([]models.Conversation, 0, len(byOther))
	for _, c := range byOther {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return out[i].OtherUserID < out[j].OtherUserID
	})
	return out, nil
}

// ListMatches returns the user's matches, most recent first.
func (v *View) ListMatches(ctx context.Context, userID string) ([]models.MatchEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	matches, err := v.matches.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore("list matches", err)
	}
	out := make([]models.MatchEntry, 0, len(matches))
	for i := range matches {
		out = append(out, models.MatchEntry{
			UserID:    matches[i].Other(userID),
			MatchedAt: matches[i].MatchedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MatchedAt.After(out[j].MatchedAt)
	})
	return out, nil
}

// Messages returns the latest limit messages between userID and otherID in
// chronological order.
func (v *View) Messages(ctx context.Context, userID, otherID string, limit int) ([]models.Message, error) {
	if otherID == "" || otherID == userID {
		return nil, apperr.Validation("userId", "must name another user")
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out, err := v.messages.ListBetween(ctx, userID, otherID, limit)
	if err != nil {
		return nil, apperr.FromStore("list conversation", err)
	}
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

// MarkRead flags otherID's messages to userID as read.
func (v *View) MarkRead(ctx context.Context, userID, otherID string) (int64, error) {
	if otherID == "" || otherID == userID {
		return 0, apperr.Validation("userId", "must name another user")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	n, err := v.messages.MarkRead(ctx, userID, otherID)
	if err != nil {
		return 0, apperr.FromStore("mark read", err)
	}
	return n, nil
}
