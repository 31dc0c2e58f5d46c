package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"heartline/logger"
)

const (
	deliverChannel  = "presence:deliver"
	redisCallBudget = 2 * time.Second
)

func userKey(userID string) string { return fmt.Sprintf("presence:user:%s", userID) }

// withdrawScript deletes the key only while it still names this node, so a
// node going offline cannot erase a newer announcement from another node.
var withdrawScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDirectory mirrors local presence into Redis with a TTL so other
// processes can tell whether a user is online anywhere. Keys expire on their
// own when a node dies without cleaning up.
type RedisDirectory struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewRedisDirectory(client *redis.Client, nodeID string, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, nodeID: nodeID, ttl: ttl}
}

func (d *RedisDirectory) UserOnline(userID string, _ time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallBudget)
	defer cancel()
	if err := d.client.Set(ctx, userKey(userID), d.nodeID, d.ttl).Err(); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Presence announce failed")
	}
}

func (d *RedisDirectory) UserOffline(userID string, _ time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallBudget)
	defer cancel()
	if err := withdrawScript.Run(ctx, d.client, []string{userKey(userID)}, d.nodeID).Err(); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Presence withdraw failed")
	}
}

// Refresh re-announces every locally online user, extending their TTL.
func (d *RedisDirectory) Refresh(ctx context.Context, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	pipe := d.client.Pipeline()
	for _, id := range userIDs {
		pipe.Set(ctx, userKey(id), d.nodeID, d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn().Err(err).Int("users", len(userIDs)).Msg("Presence refresh failed")
	}
}

// Online reports whether any node announced userID.
func (d *RedisDirectory) Online(ctx context.Context, userID string) (bool, error) {
	n, err := d.client.Exists(ctx, userKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type envelope struct {
	Origin string          `json:"origin"`
	UserID string          `json:"userId"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"payload"`
}

// RedisBus forwards push events to whichever node holds the recipient's
// connection.
type RedisBus struct {
	client  *redis.Client
	nodeID  string
	tracker *Tracker
}

func NewRedisBus(client *redis.Client, nodeID string, tracker *Tracker) *RedisBus {
	return &RedisBus{client: client, nodeID: nodeID, tracker: tracker}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Origin: b.nodeID, UserID: userID, Type: ev.Type, Data: data})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, deliverChannel, msg).Err()
}

// Run subscribes to the delivery channel and hands events for local users to
// the tracker. It blocks until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, deliverChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", deliverChannel, err)
	}
	logger.Info().Str("channel", deliverChannel).Msg("Presence bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("presence bus channel closed")
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *RedisBus) handle(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Warn().Err(err).Msg("Presence bus decode failed")
		return
	}
	if env.Origin == b.nodeID {
		return
	}
	if n := b.tracker.Deliver(env.UserID, Event{Type: env.Type, Payload: env.Data}); n > 0 {
		logger.Debug().Str("user_id", env.UserID).Str("type", env.Type).Int("sessions", n).Msg("Delivered bus event")
	}
}
