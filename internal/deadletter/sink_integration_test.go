//go:build integration

package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/constants"
	"bucketflow/internal/testutil"
	"bucketflow/pkg/migrations"
)

func TestPostgresSink_Integration(t *testing.T) {
	db := testutil.StartPostgres(t)
	require.NoError(t, migrations.MigratePostgres(db))
	require.NoError(t, migrations.MigratePostgres(db), "migrations are idempotent")

	sink := NewPostgresSink(db, constants.DefaultDeadLetterTable)
	ctx := context.Background()

	first := NewRecord(testEnvelope(), "images", "ocr", 3, errors.New("timeout"), ReasonRetriesExhausted)
	second := NewRecord(testEnvelope(), "validate-all", "validate", 1, errors.New("bad magic"), ReasonFatal)
	require.NoError(t, sink.Write(ctx, first))
	require.NoError(t, sink.Write(ctx, second))

	records, err := sink.ListByEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, "ocr", records[0].HandlerID)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, ReasonRetriesExhausted, records[0].Reason)
	assert.Equal(t, "images/a.jpg", records[0].Envelope.Object)
	assert.Equal(t, ReasonFatal, records[1].Reason)
}

func TestMongoSink_Integration(t *testing.T) {
	db := testutil.StartMongo(t)
	ctx := context.Background()
	require.NoError(t, migrations.EnsureDeadLetterCollection(ctx, db, constants.DefaultDeadLetterTable))

	sink := NewMongoSink(db, constants.DefaultDeadLetterTable)
	rec := NewRecord(testEnvelope(), "images", "ocr", 2, errors.New("timeout"), ReasonRetriesExhausted)
	require.NoError(t, sink.Write(ctx, rec))

	records, err := sink.ListByEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, "b", records[0].Envelope.Bucket)
	assert.Equal(t, rec.Envelope.EventType, records[0].Envelope.EventType)
}
