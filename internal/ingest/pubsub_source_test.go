package ingest

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"bucketflow/internal/config"
	"bucketflow/internal/dispatch"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
)

func newPubSubFixture(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "gcs-notifications")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "bucketflow", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)
	return srv, client
}

func TestPubSubSource_AcksDelivered(t *testing.T) {
	srv, client := newPubSubFixture(t)
	d := &fakeDispatcher{}
	src := NewPubSubSource(client, config.PubSubIngestConfig{SubscriptionID: "bucketflow", MaxOutstandingMessages: 4},
		NewProcessor(d, logger.NopLogger()), logger.NopLogger())

	id := srv.Publish("projects/test-project/topics/gcs-notifications", []byte(objectJSON), map[string]string{
		"eventType": "OBJECT_FINALIZE",
		"bucketId":  "uploads",
		"objectId":  "images/cat.jpg",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	assert.Eventually(t, func() bool { return srv.Message(id).Acks > 0 }, 5*time.Second, 10*time.Millisecond)

	envs := d.Envelopes()
	require.NotEmpty(t, envs)
	assert.Equal(t, id, envs[0].ID)
	assert.Equal(t, envelope.Finalized, envs[0].EventType)

	cancel()
	require.NoError(t, <-done)
}

func TestPubSubSource_NacksUnacknowledged(t *testing.T) {
	srv, client := newPubSubFixture(t)
	d := &fakeDispatcher{result: func(_ context.Context, env *envelope.Envelope) (*dispatch.Result, error) {
		return cancelled(env), nil
	}}
	src := NewPubSubSource(client, config.PubSubIngestConfig{SubscriptionID: "bucketflow"},
		NewProcessor(d, logger.NopLogger()), logger.NopLogger())

	id := srv.Publish("projects/test-project/topics/gcs-notifications", []byte(objectJSON), map[string]string{
		"eventType": "OBJECT_FINALIZE",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	// A nack is a zero-deadline modack.
	assert.Eventually(t, func() bool { return len(srv.Message(id).Modacks) > 0 },
		5*time.Second, 10*time.Millisecond)
	assert.Zero(t, srv.Message(id).Acks)

	cancel()
	require.NoError(t, <-done)
}

func TestNotificationAttributes(t *testing.T) {
	got := notificationAttributes("1234", map[string]string{
		"eventType":        "OBJECT_DELETE",
		"bucketId":         "uploads",
		"objectId":         "a.txt",
		"objectGeneration": "17",
		"payloadFormat":    "JSON_API_V1",
	})
	assert.Equal(t, map[string]string{
		envelope.KeyEventID:    "1234",
		envelope.KeyEventType:  "OBJECT_DELETE",
		envelope.KeyBucket:     "uploads",
		envelope.KeyName:       "a.txt",
		envelope.KeyGeneration: "17",
	}, got)

	assert.Empty(t, notificationAttributes("", nil))
}
