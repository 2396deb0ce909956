//go:build integration

package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/broker"
	"bucketflow/internal/config"
	"bucketflow/internal/dedupe"
	"bucketflow/internal/dispatch"
	"bucketflow/internal/handler"
	"bucketflow/internal/handlers"
	"bucketflow/internal/logger"
	"bucketflow/internal/routing"
	"bucketflow/internal/testutil"
)

const (
	inputTopic  = "gcs-notifications"
	outputTopic = "gcs-forwarded"
)

func TestPipeline_KafkaToForward(t *testing.T) {
	brokers := testutil.StartKafka(t)
	log := logger.NopLogger()
	kafkaCfg := config.KafkaConfig{Brokers: brokers, GroupID: "bucketflow-it"}

	producer := broker.NewKafkaProducer(kafkaCfg, log)
	t.Cleanup(func() { _ = producer.Close() })

	registry := handler.NewRegistry()
	registry.MustRegister(handlers.ForwardID, handlers.NewForward(producer, outputTopic))

	routes := routing.NewHolder(routing.NewTable([]routing.Route{{
		Name:        "forward-images",
		HandlerID:   handlers.ForwardID,
		Filters:     []routing.Filter{{Attribute: routing.AttributeName, Pattern: "images/*"}},
		RetryPolicy: routing.Retry(3, 100*time.Millisecond),
	}}), log)

	guard := dedupe.NewGuard(dedupe.NewMemoryStore(1000), config.DedupeConfig{}, log)
	t.Cleanup(func() { _ = guard.Close() })

	d := dispatch.New(guard, routes, registry, nil, dispatch.Options{Logger: log})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	notification, err := json.Marshal(map[string]interface{}{
		"eventId":   "evt-it-1",
		"eventType": "OBJECT_FINALIZE",
		"bucket":    "uploads",
		"name":      "images/cat.jpg",
	})
	require.NoError(t, err)

	// The first writes race topic auto-creation.
	require.Eventually(t, func() bool {
		return producer.Publish(ctx, inputTopic, "evt-it-1", notification) == nil
	}, 30*time.Second, 500*time.Millisecond)
	require.NoError(t, producer.Publish(ctx, inputTopic, "evt-it-1", notification), "redelivered duplicate")

	reader := broker.NewKafkaReader(kafkaCfg, inputTopic, log)
	src := NewKafkaSource(reader, inputTopic, NewProcessor(d, log), 4, log)

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	out := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       outputTopic,
		GroupID:     "bucketflow-it-out",
		StartOffset: kafka.FirstOffset,
	})
	t.Cleanup(func() { _ = out.Close() })

	msg, err := out.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evt-it-1", string(msg.Key))

	var forwarded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &forwarded))
	assert.Equal(t, "images/cat.jpg", forwarded["name"])
	assert.Equal(t, "finalized", forwarded["eventType"])

	// Both copies are committed, but the duplicate is never forwarded.
	assert.Eventually(t, func() bool { return src.tracker.Pending() == 0 }, 30*time.Second, 100*time.Millisecond)

	readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
	defer readCancel()
	_, err = out.ReadMessage(readCtx)
	assert.Error(t, err, "duplicate must not be forwarded")

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, src.Close())
}
