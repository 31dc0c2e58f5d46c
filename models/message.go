package models

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage
}

// Message is immutable once stored apart from the read flag.
type Message struct {
	ID         string      `bson:"_id" json:"id"`
	SenderID   string      `bson:"senderId" json:"senderId"`
	ReceiverID string      `bson:"receiverId" json:"receiverId"`
	PairKey    string      `bson:"pairKey" json:"-"`
	Content    string      `bson:"content" json:"content"`
	Type       MessageType `bson:"type" json:"type"`
	CreatedAt  time.Time   `bson:"createdAt" json:"createdAt"`
	Read       bool        `bson:"read" json:"read"`
}

// Counterpart returns the other participant from userID's point of view.
func (m *Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation is derived from messages grouped by unordered pair.
type Conversation struct {
	OtherUserID string   `json:"otherUserId"`
	LastMessage *Message `json:"lastMessage"`
	UnreadCount int      `json:"unreadCount"`
}
