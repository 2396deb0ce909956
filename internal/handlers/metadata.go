package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bucketflow/internal/constants"
	"bucketflow/internal/envelope"
)

// ObjectMetadata is the stored view of one object, keyed by bucket/name.
type ObjectMetadata struct {
	Key            string            `bson:"_id,omitempty" json:"key"`
	Bucket         string            `bson:"bucket" json:"bucket"`
	Name           string            `bson:"name" json:"name"`
	ContentType    string            `bson:"content_type,omitempty" json:"content_type,omitempty"`
	Size           int64             `bson:"size" json:"size"`
	Generation     int64             `bson:"generation" json:"generation"`
	Metageneration int64             `bson:"metageneration" json:"metageneration"`
	Metadata       map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	LastEvent      string            `bson:"last_event" json:"last_event"`
	LastEventID    string            `bson:"last_event_id" json:"last_event_id"`
	Deleted        bool              `bson:"deleted" json:"deleted"`
	CreatedAt      time.Time         `bson:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt      time.Time         `bson:"updated_at" json:"updated_at"`
}

// Metadata upserts object metadata into MongoDB. Events for an older
// generation, or an older metageneration of the same generation, than the
// stored document are ignored.
type Metadata struct {
	collection *mongo.Collection
}

func NewMetadata(db *mongo.Database, collection string) *Metadata {
	if collection == "" {
		collection = constants.DefaultMetadataCollection
	}
	return &Metadata{collection: db.Collection(collection)}
}

func (h *Metadata) Handle(ctx context.Context, env *envelope.Envelope) error {
	doc := metadataDocument(env)
	set := doc
	set.Key = ""

	_, err := h.collection.UpdateOne(ctx,
		versionFilter(doc.Key, doc.Generation, doc.Metageneration),
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// The filter missed an existing document, so the upsert collided
		// with a newer version.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to upsert metadata for %s: %w", doc.Key, err)
	}
	return nil
}

// Get returns the stored metadata of bucket/name.
func (h *Metadata) Get(ctx context.Context, bucket, name string) (*ObjectMetadata, error) {
	var doc ObjectMetadata
	err := h.collection.FindOne(ctx, bson.M{"_id": bucket + "/" + name}).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %s/%s: %w", bucket, name, err)
	}
	return &doc, nil
}

func metadataDocument(env *envelope.Envelope) ObjectMetadata {
	gen, _ := strconv.ParseInt(env.Generation, 10, 64)
	metagen, _ := strconv.ParseInt(env.Metageneration, 10, 64)

	updated := env.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	return ObjectMetadata{
		Key:            env.Key(),
		Bucket:         env.Bucket,
		Name:           env.Object,
		ContentType:    env.ContentTypeOrEmpty(),
		Size:           env.SizeOrZero(),
		Generation:     gen,
		Metageneration: metagen,
		Metadata:       env.Metadata,
		LastEvent:      env.EventType.String(),
		LastEventID:    env.ID,
		Deleted:        env.EventType == envelope.Deleted,
		CreatedAt:      env.CreatedAt,
		UpdatedAt:      updated,
	}
}

// versionFilter matches the document for key only when (generation,
// metageneration) is not older than the stored pair.
func versionFilter(key string, generation, metageneration int64) bson.M {
	return bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"generation": bson.M{"$lt": generation}},
			bson.M{
				"generation":     generation,
				"metageneration": bson.M{"$lte": metageneration},
			},
		},
	}
}
