package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"heartline/logger"
)

const (
	UsersCollection     = "users"
	SwipesCollection    = "swipes"
	MatchesCollection   = "matches"
	MessagesCollection  = "messages"
	CountersCollection  = "message_counters"
	PushSubsCollection  = "push_subscriptions"
	connectAttempts     = 3
	connectRetryBackoff = 2 * time.Second
)

type DB struct {
	Client   *mongo.Client
	Database *mongo.Database

	Users    *mongo.Collection
	Swipes   *mongo.Collection
	Matches  *mongo.Collection
	Messages *mongo.Collection
	Counters *mongo.Collection
	PushSubs *mongo.Collection
}

// Connect dials MongoDB with a few retries and pings the primary.
func Connect(ctx context.Context, uri, dbName string) (*DB, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err := dial(ctx, uri)
		if err == nil {
			db := client.Database(dbName)
			logger.Info().Str("database", dbName).Msg("Connected to MongoDB")
			return &DB{
				Client:   client,
				Database: db,
				Users:    db.Collection(UsersCollection),
				Swipes:   db.Collection(SwipesCollection),
				Matches:  db.Collection(MatchesCollection),
				Messages: db.Collection(MessagesCollection),
				Counters: db.Collection(CountersCollection),
				PushSubs: db.Collection(PushSubsCollection),
			}, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("MongoDB connection attempt failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryBackoff):
		}
	}
	return nil, fmt.Errorf("connect mongodb: %w", lastErr)
}

func dial(ctx context.Context, uri string) (*mongo.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// EnsureIndexes creates the indexes the store relies on. The unique swipe and
// push-endpoint indexes back the upsert semantics.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	specs := map[*mongo.Collection][]mongo.IndexModel{
		d.Swipes: {
			{Keys: bson.D{{"actorId", 1}, {"targetUserId", 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{"actorId", 1}, {"timestamp", 1}}},
		},
		d.Matches: {
			{Keys: bson.D{{"users", 1}, {"matchedAt", -1}}},
		},
		d.Messages: {
			{Keys: bson.D{{"pairKey", 1}, {"createdAt", 1}, {"_id", 1}}},
			{Keys: bson.D{{"senderId", 1}, {"receiverId", 1}}},
			{Keys: bson.D{{"receiverId", 1}, {"read", 1}}},
		},
		d.PushSubs: {
			{Keys: bson.D{{"endpoint", 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{"userId", 1}}},
		},
	}
	for coll, models := range specs {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (d *DB) Disconnect(ctx context.Context) error {
	if d == nil || d.Client == nil {
		return nil
	}
	if err := d.Client.Disconnect(ctx); err != nil {
		return err
	}
	logger.Info().Msg("Disconnected from MongoDB")
	return nil
}
