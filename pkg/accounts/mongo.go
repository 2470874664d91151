package accounts

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore reads and writes account documents in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to MongoDB and binds to the accounts collection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

// LoadAll implements Store.
func (s *MongoStore) LoadAll(ctx context.Context) ([]Document, error) {
	cur, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer cur.Close(ctx)

	var docs []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding account: %w", err)
		}
		doc, ok := documentFromBSON(raw)
		if !ok {
			continue // no usable _id
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating accounts: %w", err)
	}
	return docs, nil
}

// SaveUsage implements Store.
func (s *MongoStore) SaveUsage(ctx context.Context, id string, usage map[string]int64) error {
	meter := bson.M{}
	for cap, n := range usage {
		meter[cap] = n
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"cap_usage": meter}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("recording meter for %s: %w", id, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// documentFromBSON maps a raw account document into Document, normalizing
// BSON containers to plain JSON values.
func documentFromBSON(raw bson.M) (Document, bool) {
	id, ok := raw["_id"].(string)
	if !ok || id == "" {
		return Document{}, false
	}
	doc := Document{ID: id}
	doc.JWTSecret, _ = raw["jwtSecret"].(string)
	doc.Free, _ = raw["free"].(bool)
	if sc, ok := normalize(raw["stripeCustomer"]).(map[string]any); ok {
		doc.StripeCustomer = sc
	}
	if cu, ok := normalize(raw["cap_usage"]).(map[string]any); ok {
		doc.CapUsage = make(map[string]int64, len(cu))
		for cap, v := range cu {
			doc.CapUsage[cap] = toInt64(v)
		}
	}
	return doc, true
}

// normalize converts primitive.M / primitive.A trees into plain
// map[string]any / []any so the rest of the system sees one value shape
// regardless of whether a document came from BSON or JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case primitive.A:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = normalize(e)
		}
		return a
	default:
		return v
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
