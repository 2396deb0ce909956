package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureDeadLetterCollection creates the lookup indexes of the dead-letter
// collection. The collection itself is created on first insert.
func EnsureDeadLetterCollection(ctx context.Context, db *mongo.Database, name string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetName("idx_dead_letters_event_id"),
		},
		{
			Keys:    bson.D{{Key: "handler_id", Value: 1}, {Key: "dead_lettered_at", Value: -1}},
			Options: options.Index().SetName("idx_dead_letters_handler_time"),
		},
	}
	return createIndexes(ctx, db.Collection(name), indexes)
}

// EnsureMetadataCollection creates the indexes of the object metadata
// collection written by the metadata handler.
func EnsureMetadataCollection(ctx context.Context, db *mongo.Database, name string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "bucket", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetName("idx_object_metadata_bucket_name"),
		},
		{
			Keys:    bson.D{{Key: "content_type", Value: 1}},
			Options: options.Index().SetName("idx_object_metadata_content_type"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_object_metadata_updated_at"),
		},
	}
	return createIndexes(ctx, db.Collection(name), indexes)
}

func createIndexes(ctx context.Context, collection *mongo.Collection, indexes []mongo.IndexModel) error {
	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes on %s: %w", collection.Name(), err)
	}
	return nil
}
