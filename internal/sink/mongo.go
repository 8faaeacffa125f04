package sink

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig configures a MongoDB collection sink
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoSink stores envelopes as documents
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSink connects to MongoDB and ensures the lookup indexes exist
func NewMongoSink(ctx context.Context, cfg MongoConfig) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoSink{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoSink) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "messageId", Value: 1}}},
		{Keys: bson.D{{Key: "dataSource", Value: 1}, {Key: "recordId", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create sink indexes: %w", err)
	}
	return nil
}

// Send inserts the envelope as a document
func (s *MongoSink) Send(ctx context.Context, env *Envelope) error {
	if _, err := s.collection.InsertOne(ctx, env); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", s.collection.Name(), err)
	}
	return nil
}

// Name returns the sink name
func (s *MongoSink) Name() string {
	return "mongo"
}

// Close disconnects from MongoDB
func (s *MongoSink) Close() error {
	return s.client.Disconnect(context.Background())
}
