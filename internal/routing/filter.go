// Package routing matches envelopes against an ordered, immutable table of
// routes and holds the table currently in effect.
package routing

import (
	"bucketflow/internal/envelope"
)

type Attribute string

const (
	AttributeBucket      Attribute = "bucket"
	AttributeName        Attribute = "name"
	AttributeContentType Attribute = "contentType"
	AttributeEventType   Attribute = "eventType"
)

var knownAttributes = map[Attribute]struct{}{
	AttributeBucket:      {},
	AttributeName:        {},
	AttributeContentType: {},
	AttributeEventType:   {},
}

func (a Attribute) Valid() bool {
	_, ok := knownAttributes[a]
	return ok
}

// Filter is one (attribute, pattern) predicate of a route.
type Filter struct {
	Attribute Attribute `json:"attribute"`
	Pattern   string    `json:"pattern"`
}

func (f Filter) Match(env *envelope.Envelope) bool {
	return Glob(f.Pattern, attributeValue(f.Attribute, env))
}

// Matches reports whether every filter matches env. An empty set matches all
// envelopes.
func Matches(filters []Filter, env *envelope.Envelope) bool {
	for _, f := range filters {
		if !f.Match(env) {
			return false
		}
	}
	return true
}

func attributeValue(attr Attribute, env *envelope.Envelope) string {
	switch attr {
	case AttributeBucket:
		return env.Bucket
	case AttributeName:
		return env.Object
	case AttributeContentType:
		return env.ContentTypeOrEmpty()
	case AttributeEventType:
		return env.EventType.String()
	default:
		return ""
	}
}
