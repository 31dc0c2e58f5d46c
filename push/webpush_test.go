package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartline/models"
	"heartline/relay"
	"heartline/store/memstore"
)

func browserKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(priv.PublicKey().Bytes()), enc.EncodeToString(secret)
}

func vapidKeys(t *testing.T) Keys {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return Keys{PublicKey: pub, PrivateKey: priv, Subject: "mailto:ops@heartline.test"}
}

func TestNotifySendsToEverySubscription(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := memstore.New().Store()
	ctx := context.Background()
	for _, path := range []string{"/phone", "/laptop"} {
		p256dh, auth := browserKeys(t)
		require.NoError(t, s.PushSubscriptions.Save(ctx, models.PushSubscription{
			UserID: "jordan", Endpoint: srv.URL + path, P256dh: p256dh, Auth: auth, CreatedAt: time.Now(),
		}))
	}

	w := New(s.PushSubscriptions, vapidKeys(t), WithHTTPClient(srv.Client()))
	err := w.Notify(ctx, "jordan", relay.Notification{Title: "New message", Body: "Alex: hey"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestNotifyDeletesGoneSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	s := memstore.New().Store()
	ctx := context.Background()
	p256dh, auth := browserKeys(t)
	require.NoError(t, s.PushSubscriptions.Save(ctx, models.PushSubscription{
		UserID: "jordan", Endpoint: srv.URL + "/gone", P256dh: p256dh, Auth: auth,
	}))

	w := New(s.PushSubscriptions, vapidKeys(t), WithHTTPClient(srv.Client()))
	require.NoError(t, w.Notify(ctx, "jordan", relay.Notification{Title: "New message"}))

	subs, err := s.PushSubscriptions.ForUser(ctx, "jordan")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestNotifyReportsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memstore.New().Store()
	ctx := context.Background()
	p256dh, auth := browserKeys(t)
	require.NoError(t, s.PushSubscriptions.Save(ctx, models.PushSubscription{
		UserID: "jordan", Endpoint: srv.URL, P256dh: p256dh, Auth: auth,
	}))

	w := New(s.PushSubscriptions, vapidKeys(t), WithHTTPClient(srv.Client()))
	assert.Error(t, w.Notify(ctx, "jordan", relay.Notification{Title: "New message"}))
}

func TestNotifyWithoutSubscriptionIsNoop(t *testing.T) {
	s := memstore.New().Store()
	w := New(s.PushSubscriptions, vapidKeys(t))
	assert.NoError(t, w.Notify(context.Background(), "nobody", relay.Notification{}))
}
