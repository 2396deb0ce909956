// Package envelope normalizes Cloud Storage object notifications into the
// read-only Envelope consumed by routing and dispatch.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of object change a notification describes.
type EventType int

const (
	Finalized EventType = iota + 1
	Deleted
	Archived
	MetadataUpdated
)

var eventTypeNames = map[EventType]string{
	Finalized:       "finalized",
	Deleted:         "deleted",
	Archived:        "archived",
	MetadataUpdated: "metadataUpdated",
}

var eventTypeAliases = map[string]EventType{
	"finalized":              Finalized,
	"finalize":               Finalized,
	"object_finalize":        Finalized,
	"deleted":                Deleted,
	"delete":                 Deleted,
	"object_delete":          Deleted,
	"archived":               Archived,
	"archive":                Archived,
	"object_archive":         Archived,
	"metadataupdated":        MetadataUpdated,
	"metadata_updated":       MetadataUpdated,
	"object_metadata_update": MetadataUpdated,
}

const cloudEventTypePrefix = "google.cloud.storage.object.v1."

// ParseEventType accepts short names, GCS notification attribute values
// (OBJECT_FINALIZE, ...) and CloudEvents types. Matching is case-insensitive.
func ParseEventType(s string) (EventType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.TrimPrefix(key, cloudEventTypePrefix)
	if t, ok := eventTypeAliases[key]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

func (t EventType) MarshalText() ([]byte, error) {
	if _, ok := eventTypeNames[t]; !ok {
		return nil, fmt.Errorf("invalid event type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Envelope is one inbound storage notification. Two envelopes with the same
// ID are the same physical event. Treat values as immutable once built.
type Envelope struct {
	ID             string            `json:"id"`
	Bucket         string            `json:"bucket"`
	Object         string            `json:"name"`
	EventType      EventType         `json:"eventType"`
	ContentType    *string           `json:"contentType,omitempty"`
	Size           *int64            `json:"size,omitempty"`
	CreatedAt      time.Time         `json:"timeCreated"`
	UpdatedAt      time.Time         `json:"updated"`
	Generation     string            `json:"generation,omitempty"`
	Metageneration string            `json:"metageneration,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Key identifies the object the event is about, independent of version.
func (e *Envelope) Key() string {
	return e.Bucket + "/" + e.Object
}

func (e *Envelope) ContentTypeOrEmpty() string {
	if e.ContentType == nil {
		return ""
	}
	return *e.ContentType
}

func (e *Envelope) SizeOrZero() int64 {
	if e.Size == nil {
		return 0
	}
	return *e.Size
}

// Payload renders the envelope back into the raw notification shape accepted
// by Parse, including the event ID.
func (e *Envelope) Payload() map[string]interface{} {
	p := map[string]interface{}{
		KeyEventID:        e.ID,
		KeyBucket:         e.Bucket,
		KeyName:           e.Object,
		KeyEventType:      e.EventType.String(),
		KeyGeneration:     e.Generation,
		KeyMetageneration: e.Metageneration,
	}
	if e.ContentType != nil {
		p[KeyContentType] = *e.ContentType
	}
	if e.Size != nil {
		p[KeySize] = *e.Size
	}
	if !e.CreatedAt.IsZero() {
		p[KeyTimeCreated] = e.CreatedAt.Format(time.RFC3339Nano)
	}
	if !e.UpdatedAt.IsZero() {
		p[KeyUpdated] = e.UpdatedAt.Format(time.RFC3339Nano)
	}
	if e.Metadata != nil {
		md := make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		p[KeyMetadata] = md
	}
	return p
}

func (e *Envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}
