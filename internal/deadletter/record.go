// Package deadletter records deliveries that exhausted their retry policy so
// operators can inspect and replay them.
package deadletter

import (
	"time"

	"github.com/google/uuid"

	"bucketflow/internal/envelope"
)

type Reason string

const (
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonNoRetry          Reason = "no_retry"
	ReasonFatal            Reason = "fatal_error"
	ReasonUnknownHandler   Reason = "unknown_handler"
)

type Record struct {
	ID             string             `json:"id" bson:"_id"`
	EventID        string             `json:"event_id" bson:"event_id"`
	Route          string             `json:"route" bson:"route"`
	HandlerID      string             `json:"handler_id" bson:"handler_id"`
	Attempts       int                `json:"attempts" bson:"attempts"`
	LastError      string             `json:"last_error" bson:"last_error"`
	Reason         Reason             `json:"reason" bson:"reason"`
	Envelope       *envelope.Envelope `json:"envelope" bson:"envelope"`
	DeadLetteredAt time.Time          `json:"dead_lettered_at" bson:"dead_lettered_at"`
}

func NewRecord(env *envelope.Envelope, route, handlerID string, attempts int, lastErr error, reason Reason) Record {
	rec := Record{
		ID:             uuid.NewString(),
		EventID:        env.ID,
		Route:          route,
		HandlerID:      handlerID,
		Attempts:       attempts,
		Reason:         reason,
		Envelope:       env,
		DeadLetteredAt: time.Now().UTC(),
	}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}
	return rec
}
