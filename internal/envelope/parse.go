package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	pkgerrors "bucketflow/pkg/errors"
)

// Raw payload keys, following the GCS JSON_API_V1 object resource.
const (
	KeyEventID        = "eventId"
	KeyBucket         = "bucket"
	KeyName           = "name"
	KeyEventType      = "eventType"
	KeyContentType    = "contentType"
	KeySize           = "size"
	KeyTimeCreated    = "timeCreated"
	KeyUpdated        = "updated"
	KeyGeneration     = "generation"
	KeyMetageneration = "metageneration"
	KeyMetadata       = "metadata"
)

// Parse builds an Envelope from a raw notification payload. Every failure is
// a MALFORMED_EVENT error naming the offending field.
func Parse(payload map[string]interface{}) (*Envelope, error) {
	if payload == nil {
		return nil, malformed("payload", "payload is empty")
	}

	bucket, err := requiredString(payload, KeyBucket)
	if err != nil {
		return nil, err
	}
	name, err := requiredString(payload, KeyName)
	if err != nil {
		return nil, err
	}
	rawType, err := requiredString(payload, KeyEventType)
	if err != nil {
		return nil, err
	}
	eventType, err := ParseEventType(rawType)
	if err != nil {
		return nil, malformed(KeyEventType, err.Error())
	}

	env := &Envelope{
		Bucket:    bucket,
		Object:    name,
		EventType: eventType,
	}

	if env.ContentType, err = optionalString(payload, KeyContentType); err != nil {
		return nil, err
	}
	if env.Size, err = optionalSize(payload); err != nil {
		return nil, err
	}
	if env.CreatedAt, err = optionalTime(payload, KeyTimeCreated); err != nil {
		return nil, err
	}
	if env.UpdatedAt, err = optionalTime(payload, KeyUpdated); err != nil {
		return nil, err
	}
	if env.Generation, err = versionToken(payload, KeyGeneration); err != nil {
		return nil, err
	}
	if env.Metageneration, err = versionToken(payload, KeyMetageneration); err != nil {
		return nil, err
	}
	if env.Metadata, err = optionalMetadata(payload); err != nil {
		return nil, err
	}

	id, err := optionalString(payload, KeyEventID)
	if err != nil {
		return nil, err
	}
	if id != nil && *id != "" {
		env.ID = *id
	} else {
		env.ID = CompositeID(env)
	}

	return env, nil
}

// Decode parses a JSON object into an Envelope. Numbers are kept exact so
// large generations survive.
func Decode(data []byte) (*Envelope, error) {
	payload, err := DecodePayload(data)
	if err != nil {
		return nil, err
	}
	return Parse(payload)
}

// DecodePayload unmarshals a JSON object without parsing it into an Envelope,
// letting callers merge transport attributes first.
func DecodePayload(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, pkgerrors.ErrMalformedEvent.WithCause(err).WithMessage("payload is not a JSON object")
	}
	if payload == nil {
		return nil, malformed("payload", "payload is null")
	}
	return payload, nil
}

// CompositeID derives an event ID from object identity, version tokens and
// event type. Used when the transport supplies no event ID.
func CompositeID(env *Envelope) string {
	return fmt.Sprintf("%s/%s#%s.%s:%s",
		env.Bucket, env.Object, env.Generation, env.Metageneration, env.EventType)
}

func malformed(field, message string) error {
	return pkgerrors.ErrMalformedEvent.
		WithDetail("field", field).
		WithMessage("%s: %s", field, message)
}

func requiredString(payload map[string]interface{}, key string) (string, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return "", malformed(key, "required field is missing")
	}
	s, ok := raw.(string)
	if !ok {
		return "", malformed(key, fmt.Sprintf("expected string, got %T", raw))
	}
	if s == "" {
		return "", malformed(key, "required field is empty")
	}
	return s, nil
}

func optionalString(payload map[string]interface{}, key string) (*string, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, malformed(key, fmt.Sprintf("expected string, got %T", raw))
	}
	return &s, nil
}

func optionalSize(payload map[string]interface{}) (*int64, error) {
	raw, ok := payload[KeySize]
	if !ok || raw == nil {
		return nil, nil
	}

	n, err := toInt64(raw)
	if err != nil {
		return nil, malformed(KeySize, err.Error())
	}
	if n < 0 {
		return nil, malformed(KeySize, "size must be non-negative")
	}
	return &n, nil
}

func toInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return strconv.ParseInt(v.String(), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func optionalTime(payload map[string]interface{}, key string) (time.Time, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return time.Time{}, nil
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, malformed(key, fmt.Sprintf("expected RFC3339 string, got %T", raw))
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, malformed(key, fmt.Sprintf("invalid RFC3339 timestamp %q", s))
	}
	return t, nil
}

// versionToken accepts generation/metageneration as a string or an integer
// and returns it as an opaque string.
func versionToken(payload map[string]interface{}, key string) (string, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return "", nil
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	n, err := toInt64(raw)
	if err != nil {
		return "", malformed(key, err.Error())
	}
	return strconv.FormatInt(n, 10), nil
}

func optionalMetadata(payload map[string]interface{}) (map[string]string, error) {
	raw, ok := payload[KeyMetadata]
	if !ok || raw == nil {
		return nil, nil
	}

	switch md := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(md))
		for k, v := range md {
			out[k] = v
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]string, len(md))
		for k, v := range md {
			s, ok := v.(string)
			if !ok {
				return nil, malformed(KeyMetadata+"."+k, fmt.Sprintf("expected string, got %T", v))
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, malformed(KeyMetadata, fmt.Sprintf("expected object, got %T", raw))
	}
}
