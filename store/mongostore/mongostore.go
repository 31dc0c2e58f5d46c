// Package mongostore implements the store contracts on MongoDB collections.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"heartline/database"
	"heartline/models"
	"heartline/store"
)

func New(db *database.DB) *store.Store {
	return &store.Store{
		Users:             &Users{coll: db.Users},
		Swipes:            &Swipes{coll: db.Swipes},
		Matches:           &Matches{coll: db.Matches},
		Messages:          &Messages{coll: db.Messages},
		SendCounters:      &SendCounters{coll: db.Counters},
		PushSubscriptions: &PushSubscriptions{coll: db.PushSubs},
	}
}

type Users struct {
	coll *mongo.Collection
}

func (s *Users) Get(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Users) Upsert(ctx context.Context, u *models.User) error {
	update := bson.M{
		"$set": bson.M{
			"profile":   u.Profile,
			"settings":  u.Settings,
			"updatedAt": u.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"subscription": u.Subscription,
			"status":       u.Status,
			"isOnline":     false,
			"createdAt":    u.CreatedAt,
		},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": u.ID}, update, options.Update().SetUpsert(true))
	return err
}

func (s *Users) set(ctx context.Context, id string, fields bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Users) SetPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	return s.set(ctx, id, bson.M{"isOnline": online, "lastSeen": lastSeen})
}

func (s *Users) SetSubscription(ctx context.Context, id string, sub models.Subscription) error {
	return s.set(ctx, id, bson.M{"subscription": sub})
}

func (s *Users) SetStatus(ctx context.Context, id string, status models.UserStatus) error {
	return s.set(ctx, id, bson.M{"status": status})
}

func (s *Users) AddReport(ctx context.Context, id string, report models.Report) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{"reports": report}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

type Swipes struct {
	coll *mongo.Collection
}

func (s *Swipes) Put(ctx context.Context, sw models.Swipe) error {
	filter := bson.M{"actorId": sw.ActorID, "targetUserId": sw.TargetID}
	update := bson.M{"$set": bson.M{"direction": sw.Direction, "timestamp": sw.Timestamp}}
	opts := options.Update().SetUpsert(true)

	_, err := s.coll.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// two upserts raced on the unique index; the second one now matches
		_, err = s.coll.UpdateOne(ctx, filter, update, opts)
	}
	return err
}

func (s *Swipes) Get(ctx context.Context, actorID, targetID string) (*models.Swipe, error) {
	var sw models.Swipe
	err := s.coll.FindOne(ctx, bson.M{"actorId": actorID, "targetUserId": targetID}).Decode(&sw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sw, nil
}

func (s *Swipes) ListByActor(ctx context.Context, actorID string) ([]models.Swipe, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"actorId": actorID}, options.Find().SetSort(bson.D{{"timestamp", 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.Swipe{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Matches struct {
	coll *mongo.Collection
}

func (s *Matches) Ensure(ctx context.Context, m *models.Match) (*models.Match, bool, error) {
	_, err := s.coll.InsertOne(ctx, m)
	if err == nil {
		return m, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, err
	}

	var existing models.Match
	if err := s.coll.FindOne(ctx, bson.M{"_id": m.ID}).Decode(&existing); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *Matches) Exists(ctx context.Context, a, b string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": models.PairKey(a, b)}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Matches) ListForUser(ctx context.Context, userID string) ([]models.Match, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"users": userID}, options.Find().SetSort(bson.D{{"matchedAt", -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.Match{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// reserveAttempts bounds retries when concurrent first reservations race to
// create the same counter document.
const reserveAttempts = 3

// SendCounters keeps one {_id, sent} document per ordered pair.
type SendCounters struct {
	coll *mongo.Collection
}

func counterID(senderID, receiverID string) string {
	return senderID + ">" + receiverID
}

func (s *SendCounters) Reserve(ctx context.Context, senderID, receiverID string, limit int) (bool, error) {
	id := counterID(senderID, receiverID)
	inc := bson.M{"$inc": bson.M{"sent": 1}}
	upsert := options.Update().SetUpsert(true)
	if limit < 0 {
		_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, inc, upsert)
		return err == nil, err
	}
	if limit == 0 {
		return false, nil
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		// at the cap the filter misses, the upsert collides on _id and
		// nothing is written
		_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "sent": bson.M{"$lt": limit}}, inc, upsert)
		if err == nil {
			return true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return false, err
		}
		var doc struct {
			Sent int `bson:"sent"`
		}
		if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return false, err
		}
		if doc.Sent >= limit {
			return false, nil
		}
	}
	return false, errors.New("mongostore: send counter contended")
}

func (s *SendCounters) Release(ctx context.Context, senderID, receiverID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": counterID(senderID, receiverID), "sent": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"sent": -1}})
	return err
}

type Messages struct {
	coll *mongo.Collection
}

func (s *Messages) Insert(ctx context.Context, m *models.Message) error {
	_, err := s.coll.InsertOne(ctx, m)
	return err
}

func (s *Messages) CountSent(ctx context.Context, senderID, receiverID string) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"senderId": senderID, "receiverId": receiverID})
}

func (s *Messages) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Message, error) {
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.Message{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Messages) ListForUser(ctx context.Context, userID string) ([]models.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": userID},
		bson.M{"receiverId": userID},
	}}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{"createdAt", 1}, {"_id", 1}}))
}

func (s *Messages) ListBetween(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{"createdAt", -1}, {"_id", -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	out, err := s.find(ctx, bson.M{"pairKey": models.PairKey(a, b)}, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Messages) MarkRead(ctx context.Context, readerID, otherID string) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"receiverId": readerID, "senderId": otherID, "read": false},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

type PushSubscriptions struct {
	coll *mongo.Collection
}

func (s *PushSubscriptions) Save(ctx context.Context, sub models.PushSubscription) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"endpoint": sub.Endpoint},
		bson.M{"$set": sub},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *PushSubscriptions) ForUser(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.PushSubscription{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PushSubscriptions) Delete(ctx context.Context, endpoint string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"endpoint": endpoint})
	return err
}
