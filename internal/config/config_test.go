package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, constants.DedupeBackendMemory, cfg.Dedupe.Backend)
	assert.Equal(t, constants.DefaultDedupeTTL, cfg.Dedupe.TTL)
	assert.Equal(t, constants.DefaultDedupeCapacity, cfg.Dedupe.Capacity)
	assert.Equal(t, constants.FallbackDeny, cfg.Dedupe.OnStoreError)
	assert.Equal(t, constants.DefaultRetryMaxAttempts, cfg.Dispatch.DefaultRetry.MaxAttempts)
	assert.Equal(t, constants.DefaultRetryBackoffBase, cfg.Dispatch.DefaultRetry.BackoffBase)
	assert.Equal(t, constants.DefaultHandlerTimeout, cfg.Dispatch.HandlerTimeout)
	assert.Equal(t, constants.SinkTypeLog, cfg.DeadLetter.Type)
	assert.True(t, cfg.Handlers.Log.Enabled)
}

func TestLoad_Routes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
routes:
  definitions:
    - name: images
      handler: log
      filters:
        - attribute: name
          pattern: "images/*"
      retry:
        max_attempts: 5
        backoff_base: 250ms
`))
	require.NoError(t, err)

	require.Len(t, cfg.Routes.Definitions, 1)
	def := cfg.Routes.Definitions[0]
	assert.Equal(t, "images", def.Name)
	assert.Equal(t, "log", def.Handler)
	assert.Equal(t, []FilterDefinition{{Attribute: "name", Pattern: "images/*"}}, def.Filters)
	require.NotNil(t, def.Retry)
	assert.Equal(t, 5, def.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, def.Retry.BackoffBase)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "kafka ingest without brokers",
			body:  "ingestion:\n  kafka:\n    enabled: true\n    topic: gcs\n",
			field: "broker.kafka.brokers",
		},
		{
			name:  "redis dedupe without redis",
			body:  "dedupe:\n  backend: redis\n",
			field: "database.redis.host",
		},
		{
			name:  "unknown sink",
			body:  "deadletter:\n  type: s3\n",
			field: "deadletter.type",
		},
		{
			name:  "bad default retry",
			body:  "dispatch:\n  default_retry:\n    policy: forever\n",
			field: "dispatch.default_retry.policy",
		},
		{
			name:  "unknown log format",
			body:  "logging:\n  format: xml\n",
			field: "logging.format",
		},
		{
			name:  "metadata without mongo",
			body:  "handlers:\n  metadata:\n    enabled: true\n",
			field: "handlers.metadata.enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRetry(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RetryConfig
		wantErr bool
	}{
		{"none ignores other fields", RetryConfig{Policy: "none"}, false},
		{"valid", RetryConfig{Policy: "retry", MaxAttempts: 3, BackoffBase: time.Second}, false},
		{"zero attempts", RetryConfig{MaxAttempts: 0, BackoffBase: time.Second}, true},
		{"zero backoff", RetryConfig{MaxAttempts: 3}, true},
		{"cap below base", RetryConfig{MaxAttempts: 3, BackoffBase: time.Second, MaxBackoff: time.Millisecond}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRetry("retry", tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
