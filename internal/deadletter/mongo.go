package deadletter

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bucketflow/internal/constants"
)

type MongoSink struct {
	collection *mongo.Collection
}

func NewMongoSink(db *mongo.Database, collection string) *MongoSink {
	if collection == "" {
		collection = constants.DefaultDeadLetterTable
	}
	return &MongoSink{collection: db.Collection(collection)}
}

func (s *MongoSink) Write(ctx context.Context, rec Record) error {
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert dead-letter record: %w", err)
	}
	return nil
}

// ListByEvent returns the dead-letter records of one event, oldest first.
func (s *MongoSink) ListByEvent(ctx context.Context, eventID string) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "dead_lettered_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"event_id": eventID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode dead-letter records: %w", err)
	}
	return records, nil
}

func (s *MongoSink) Close() error {
	return nil
}
