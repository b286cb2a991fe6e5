package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherify/collab/internal/delta"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollectionName = "documents"

type mongoDocument struct {
	DocumentID string    `bson:"_id"`
	Content    string    `bson:"content"`
	Revision   int64     `bson:"revision"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// MongoStore persists documents in a MongoDB collection keyed by document id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	clock      func() time.Time
}

// NewMongoStore connects to uri and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, uri, databaseName string) (*MongoStore, error) {
	if uri == "" || databaseName == "" {
		return nil, fmt.Errorf("documents: mongo uri and database are required")
	}
	clientOptions := options.Client().ApplyURI(uri).SetAppName("spherify-collab")
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("documents: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("documents: mongo ping: %w", err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(databaseName).Collection(mongoCollectionName),
		clock:      time.Now,
	}, nil
}

func (s *MongoStore) Load(ctx context.Context, documentID string) (delta.Delta, error) {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return delta.Delta{}, err
	}
	var stored mongoDocument
	err = s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return delta.Empty(), nil
	}
	if err != nil {
		return delta.Delta{}, fmt.Errorf("documents: mongo load %s: %w", id, err)
	}
	return decodeContent([]byte(stored.Content))
}

func (s *MongoStore) Save(ctx context.Context, documentID string, content delta.Delta) error {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return err
	}
	payload, err := encodeContent(content)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{"content": string(payload), "updated_at": s.clock().UTC()},
		"$inc": bson.M{"revision": 1},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update, opts); err != nil {
		return fmt.Errorf("documents: mongo save %s: %w", id, err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
