// Package push sends web push notifications to users without a live
// connection.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"heartline/logger"
	"heartline/relay"
	"heartline/store"
)

const defaultTTL = 30

// Keys are the VAPID credentials of this server.
type Keys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type WebPush struct {
	subs   store.PushSubscriptions
	keys   Keys
	client *http.Client
	ttl    int
}

type Option func(*WebPush)

// WithHTTPClient replaces the client used to reach push services.
func WithHTTPClient(c *http.Client) Option {
	return func(w *WebPush) { w.client = c }
}

func New(subs store.PushSubscriptions, keys Keys, opts ...Option) *WebPush {
	w := &WebPush{
		subs:   subs,
		keys:   keys,
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type payload struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data"`
}

// Notify sends n to every subscription of userID. Subscriptions the push
// service reports as gone are deleted. The first delivery error is returned
// after all subscriptions were tried.
func (w *WebPush) Notify(ctx context.Context, userID string, n relay.Notification) error {
	subs, err := w.subs.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		logger.Debug().Str("user_id", userID).Msg("No push subscription")
		return nil
	}

	body, err := json.Marshal(payload{
		Title: n.Title,
		Body:  n.Body,
		Data: map[string]interface{}{
			"senderId":  n.SenderID,
			"messageId": n.MessageID,
			"timestamp": time.Now().Unix(),
		},
	})
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range subs {
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, body, target, &webpush.Options{
			HTTPClient:      w.client,
			Subscriber:      w.keys.Subject,
			VAPIDPublicKey:  w.keys.PublicKey,
			VAPIDPrivateKey: w.keys.PrivateKey,
			TTL:             w.ttl,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		status := resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case status == http.StatusGone || status == http.StatusNotFound:
			logger.Info().Str("user_id", userID).Int("status", status).Msg("Push subscription expired, deleting")
			if err := w.subs.Delete(ctx, sub.Endpoint); err != nil {
				logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to delete expired subscription")
			}
		case status >= 300:
			if firstErr == nil {
				firstErr = fmt.Errorf("push service responded %d", status)
			}
		default:
			logger.Debug().Str("user_id", userID).Msg("Push notification sent")
		}
	}
	return firstErr
}
