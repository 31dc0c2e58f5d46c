// Package relay authorizes, stores and forwards chat messages.
package relay

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"heartline/apperr"
	"heartline/keylock"
	"heartline/logger"
	"heartline/models"
	"heartline/presence"
	"heartline/store"
)

const (
	MaxContentLength  = 4000
	DefaultFreeQuota  = 3
	EventMessage      = "messageReceived"
	notificationTitle = "New message"

	defaultDeliveryTimeout = 10 * time.Second
)

// Deliverer hands an event to the receiver's local sessions.
type Deliverer interface {
	Deliver(userID string, ev presence.Event) int
}

// Directory answers whether a user is connected to any node.
type Directory interface {
	Online(ctx context.Context, userID string) (bool, error)
}

// Publisher forwards an event to the node holding the receiver.
type Publisher interface {
	Publish(ctx context.Context, userID string, ev presence.Event) error
}

// Notification is the body of an offline notification.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SenderID  string `json:"senderId"`
	MessageID string `json:"messageId"`
}

// Notifier reaches users without a live connection.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// MessageEvent is the payload pushed to the receiver.
type MessageEvent struct {
	ID        string             `json:"id"`
	SenderID  string             `json:"senderId"`
	Content   string             `json:"content"`
	Type      models.MessageType `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
}

type Relay struct {
	users    store.Users
	matches  store.Matches
	messages store.Messages
	counters store.SendCounters

	local     Deliverer
	directory Directory
	bus       Publisher
	notifier  Notifier

	senders         *keylock.Locker
	freeQuota       int
	timeout         time.Duration
	deliveryTimeout time.Duration
	now             func() time.Time
}

type Option func(*Relay)

func WithDeliverer(d Deliverer) Option {
	return func(r *Relay) { r.local = d }
}

// WithRemote enables cross-node delivery through a presence directory and bus.
func WithRemote(dir Directory, bus Publisher) Option {
	return func(r *Relay) {
		r.directory = dir
		r.bus = bus
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Relay) { r.notifier = n }
}

func WithFreeQuota(n int) Option {
	return func(r *Relay) { r.freeQuota = n }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithDeliveryTimeout bounds the background remote delivery of one message.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Relay) { r.deliveryTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func New(users store.Users, matches store.Matches, messages store.Messages, counters store.SendCounters, opts ...Option) *Relay {
	r := &Relay{
		users:     users,
		matches:   matches,
		messages:  messages,
		counters:  counters,
		senders:         keylock.New(),
		freeQuota:       DefaultFreeQuota,
		timeout:         5 * time.Second,
		deliveryTimeout: defaultDeliveryTimeout,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendMessage validates and stores a message from senderID to receiverID,
// then forwards it to the receiver. The message is durable when this returns
// without error. Local sessions receive it before SendMessage returns;
// delivery through another node or a push notification happens in the
// background and failures there are only logged.
func (r *Relay) SendMessage(ctx context.Context, senderID, receiverID, content string, typ models.MessageType) (*models.Message, error) {
	if typ == "" {
		typ = models.MessageText
	}
	if err := validate(senderID, receiverID, content, typ); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sender, err := r.loadPair(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}

	msg, delivered, err := r.commit(ctx, sender, receiverID, content, typ)
	if err != nil {
		return nil, err
	}
	if !delivered {
		go r.forwardRemote(msg, sender)
	}
	return msg, nil
}

// commit runs the quota check, the insert and the local hand-off under the
// sender's lock so one sender's messages cannot interleave. The cap itself is
// enforced by the send counter, which holds across processes.
func (r *Relay) commit(ctx context.Context, sender *models.User, receiverID, content string, typ models.MessageType) (*models.Message, bool, error) {
	senderID := sender.ID
	unlock := r.senders.Lock(senderID)
	defer unlock()

	now := r.now()
	limit := -1
	if !sender.Subscription.IsPremium(now) {
		if err := r.checkMatch(ctx, senderID, receiverID); err != nil {
			return nil, false, err
		}
		limit = r.freeQuota
	}
	ok, err := r.counters.Reserve(ctx, senderID, receiverID, limit)
	if err != nil {
		return nil, false, apperr.FromStore("reserve message", err)
	}
	if !ok {
		return nil, false, apperr.QuotaExceeded(r.freeQuota)
	}

	msg := &models.Message{
		ID:         primitive.NewObjectID().Hex(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		PairKey:    models.PairKey(senderID, receiverID),
		Content:    content,
		Type:       typ,
		CreatedAt:  now.Truncate(time.Millisecond),
	}
	if err := r.messages.Insert(ctx, msg); err != nil {
		if rerr := r.counters.Release(context.WithoutCancel(ctx), senderID, receiverID); rerr != nil {
			logger.Error().Err(rerr).Str("sender_id", senderID).Str("receiver_id", receiverID).Msg("Failed to release message reservation")
		}
		return nil, false, apperr.FromStore("insert message", err)
	}

	logger.Info().
		Str("message_id", msg.ID).
		Str("sender_id", senderID).
		Str("receiver_id", receiverID).
		Str("type", string(typ)).
		Msg("Message stored")

	return msg, r.deliverLocal(msg), nil
}

// CanMessage reports whether senderID may currently reach receiverID: both
// accounts usable and either a premium sender or a match between them. The
// message quota is not consulted.
func (r *Relay) CanMessage(ctx context.Context, senderID, receiverID string) (bool, error) {
	if senderID == "" || receiverID == "" || senderID == receiverID {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sender, err := r.loadPair(ctx, senderID, receiverID)
	if apperr.Is(err, apperr.CodeNotFound) || apperr.Is(err, apperr.CodeNotAuthorized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sender.Subscription.IsPremium(r.now()) {
		return true, nil
	}
	err = r.checkMatch(ctx, senderID, receiverID)
	if apperr.Is(err, apperr.CodeNotAuthorized) {
		return false, nil
	}
	return err == nil, err
}

// loadPair loads the sender and checks both accounts allow messaging.
func (r *Relay) loadPair(ctx context.Context, senderID, receiverID string) (*models.User, error) {
	sender, err := r.loadUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if !sender.CanInteract() {
		return nil, apperr.NotAuthorized("account is not active").WithDetail("status", sender.Status)
	}
	receiver, err := r.loadUser(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if !receiver.Reachable() {
		return nil, apperr.NotAuthorized("user is unavailable")
	}
	return sender, nil
}

func (r *Relay) checkMatch(ctx context.Context, senderID, receiverID string) error {
	matched, err := r.matches.Exists(ctx, senderID, receiverID)
	if err != nil {
		return apperr.FromStore("check match", err)
	}
	if !matched {
		return apperr.NotAuthorized("you can only message your matches on the free plan").
			WithDetail("upgrade", true)
	}
	return nil
}

func messageEvent(msg *models.Message) presence.Event {
	return presence.Event{Type: EventMessage, Payload: MessageEvent{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      msg.Type,
		Timestamp: msg.CreatedAt,
	}}
}

func (r *Relay) deliverLocal(msg *models.Message) bool {
	if r.local == nil {
		return false
	}
	n := r.local.Deliver(msg.ReceiverID, messageEvent(msg))
	if n == 0 {
		return false
	}
	logger.Debug().Str("message_id", msg.ID).Int("sessions", n).Msg("Message delivered")
	return true
}

// forwardRemote hands the message to the node holding the receiver and falls
// back to a notification. Exactly one path is taken.
func (r *Relay) forwardRemote(msg *models.Message, sender *models.User) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("message_id", msg.ID).Msg("Panic in message delivery")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.deliveryTimeout)
	defer cancel()

	if r.directory != nil && r.bus != nil {
		online, err := r.directory.Online(ctx, msg.ReceiverID)
		if err != nil {
			logger.Warn().Err(err).Str("receiver_id", msg.ReceiverID).Msg("Presence lookup failed")
		}
		if online {
			if err := r.bus.Publish(ctx, msg.ReceiverID, messageEvent(msg)); err != nil {
				logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Bus publish failed")
			} else {
				logger.Debug().Str("message_id", msg.ID).Str("receiver_id", msg.ReceiverID).Msg("Message forwarded to remote node")
				return
			}
		}
	}

	if r.notifier == nil {
		return
	}
	body := msg.Content
	if msg.Type == models.MessageImage {
		body = "Sent you a photo"
	}
	if name := sender.Profile.Name; name != "" {
		body = name + ": " + body
	}
	n := Notification{Title: notificationTitle, Body: truncate(body, 120), SenderID: msg.SenderID, MessageID: msg.ID}
	if err := r.notifier.Notify(ctx, msg.ReceiverID, n); err != nil {
		logger.Warn().Err(err).Str("receiver_id", msg.ReceiverID).Msg("Push notification failed")
	}
}

func (r *Relay) loadUser(ctx context.Context, id string) (*models.User, error) {
	u, err := r.users.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user", id)
	}
	if err != nil {
		return nil, apperr.FromStore("get user", err)
	}
	return u, nil
}

func validate(senderID, receiverID, content string, typ models.MessageType) error {
	switch {
	case senderID == "":
		return apperr.Validation("senderId", "required")
	case receiverID == "":
		return apperr.Validation("receiverId", "required")
	case senderID == receiverID:
		return apperr.Validation("receiverId", "cannot message yourself")
	case !typ.Valid():
		return apperr.Validation("type", "must be text or image")
	case utf8.RuneCountInString(content) > MaxContentLength:
		return apperr.Validation("content", "too long").WithDetail("max", MaxContentLength)
	}
	if typ == models.MessageImage {
		u, err := url.Parse(content)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Validation("content", "image content must be an http(s) URL")
		}
		return nil
	}
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content", "required")
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
