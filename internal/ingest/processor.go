// Package ingest turns transport messages (Kafka records, Pub/Sub messages,
// HTTP pushes) into envelopes and hands them to the dispatcher.
package ingest

import (
	"context"

	"bucketflow/internal/dispatch"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/logging"
	"bucketflow/pkg/metrics"
)

const (
	SourceKafka  = "kafka"
	SourcePubSub = "pubsub"
	SourceHTTP   = "http"
)

// Dispatcher is the part of dispatch.Dispatcher the sources need.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) (*dispatch.Result, error)
}

type Processor struct {
	dispatcher Dispatcher
	logger     logger.Logger
}

func NewProcessor(d Dispatcher, log logger.Logger) *Processor {
	return &Processor{
		dispatcher: d,
		logger:     log.Named("ingest"),
	}
}

// Process decodes a raw JSON notification, fills fields the body lacks from
// transport attributes and dispatches it.
func (p *Processor) Process(ctx context.Context, source string, data []byte, attrs map[string]string) (*dispatch.Result, error) {
	metrics.EventsReceivedTotal.WithLabelValues(source).Inc()

	payload, err := envelope.DecodePayload(data)
	if err != nil {
		return nil, p.reject(ctx, source, err)
	}
	return p.dispatch(ctx, source, payload, attrs)
}

// ProcessPayload is Process for callers that already hold the decoded object.
func (p *Processor) ProcessPayload(ctx context.Context, source string, payload map[string]interface{}, attrs map[string]string) (*dispatch.Result, error) {
	metrics.EventsReceivedTotal.WithLabelValues(source).Inc()
	return p.dispatch(ctx, source, payload, attrs)
}

func (p *Processor) dispatch(ctx context.Context, source string, payload map[string]interface{}, attrs map[string]string) (*dispatch.Result, error) {
	if payload != nil {
		for key, value := range attrs {
			if _, ok := payload[key]; !ok && value != "" {
				payload[key] = value
			}
		}
	}

	env, err := envelope.Parse(payload)
	if err != nil {
		return nil, p.reject(ctx, source, err)
	}

	ctx = logging.WithEventID(ctx, env.ID)
	res, err := p.dispatcher.Dispatch(ctx, env)
	if err != nil {
		p.logger.ErrorwCtx(ctx, "Dispatch failed", "source", source, "error", err)
		return nil, err
	}

	p.logger.InfowCtx(ctx, "Event dispatched",
		"source", source,
		"outcome", res.Outcome.String(),
		"routes", len(res.Routes),
		"succeeded", res.Count(dispatch.Succeeded),
		"dead_lettered", res.Count(dispatch.DeadLettered),
		"cancelled", res.Count(dispatch.Cancelled),
	)
	return res, nil
}

func (p *Processor) reject(ctx context.Context, source string, err error) error {
	metrics.EventsRejectedTotal.WithLabelValues(source).Inc()
	p.logger.WarnwCtx(ctx, "Rejected malformed notification", "source", source, "error", err)
	return err
}

// Ack reports whether a source may drop the message after Process returned.
// Malformed notifications will never parse, so they are acknowledged too.
func Ack(res *dispatch.Result, err error) bool {
	if err != nil {
		return pkgerrors.IsMalformedEvent(err)
	}
	return res.Ack()
}
