package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/envelope"
)

func testEnvelope() *envelope.Envelope {
	contentType := "image/png"
	size := int64(4096)
	return &envelope.Envelope{
		ID:             "evt-1",
		Bucket:         "uploads",
		Object:         "images/cat.png",
		EventType:      envelope.Finalized,
		ContentType:    &contentType,
		Size:           &size,
		CreatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC),
		Generation:     "17",
		Metageneration: "1",
		Metadata:       map[string]string{"tier": "hot"},
	}
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid string comparison",
			expr:      `contentType == "image/png"`,
			wantError: false,
		},
		{
			name:      "valid numeric comparison",
			expr:      `size > 1024`,
			wantError: false,
		},
		{
			name:      "valid metadata lookup",
			expr:      `"tier" in metadata && metadata.tier == "hot"`,
			wantError: false,
		},
		{
			name:      "non-bool expression",
			expr:      `size + 1`,
			wantError: true,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `payload.status == "active"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConditionEvaluate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"size threshold passes", `size >= 4096`, true},
		{"size threshold fails", `size > 4096`, false},
		{"name prefix", `name.startsWith("images/")`, true},
		{"event type", `eventType == "finalized"`, true},
		{"bucket and type", `bucket == "uploads" && contentType.startsWith("image/")`, true},
		{"metadata", `metadata.tier == "cold"`, false},
		{"timestamps", `updatedAt > createdAt`, true},
		{"generation", `generation == "17" && metageneration == "1"`, true},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := eval.Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, cond.Expression())

			got, err := cond.Evaluate(ctx, testEnvelope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluate_UnsetOptionals(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	cond, err := eval.Compile(`contentType == "" && size == 0`)
	require.NoError(t, err)

	env := &envelope.Envelope{Bucket: "b", Object: "o", EventType: envelope.Deleted}
	got, err := cond.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionEvaluate_RuntimeError(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	cond, err := eval.Compile(`metadata.missing == "x"`)
	require.NoError(t, err)

	_, err = cond.Evaluate(context.Background(), testEnvelope())
	assert.Error(t, err)
}
