package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketflow/internal/config"
)

const routesV1 = `
routes:
  - name: images
    handler: ocr
    filters:
      - attribute: name
        pattern: "images/*"
    retry:
      policy: retry
      max_attempts: 4
      backoff_base: 250ms
`

const routesV2 = `
routes:
  - name: images
    handler: ocr
  - name: validate
    handler: validate
    retry:
      policy: none
`

const routesBroken = `
routes:
  - name: bad
    handler: thumbnail
`

func writeRoutes(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testBuild(defs []config.RouteDefinition) (*Table, error) {
	return Load(defs, testHandlers, Options{})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeRoutes(t, path, routesV1)

	defs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	assert.Equal(t, "images", defs[0].Name)
	assert.Equal(t, "ocr", defs[0].Handler)
	require.Len(t, defs[0].Filters, 1)
	assert.Equal(t, "name", defs[0].Filters[0].Attribute)
	assert.Equal(t, "images/*", defs[0].Filters[0].Pattern)
	require.NotNil(t, defs[0].Retry)
	assert.Equal(t, 4, defs[0].Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, defs[0].Retry.BackoffBase)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefinitions_InlineWhenNoFile(t *testing.T) {
	inline := []config.RouteDefinition{{Name: "a", Handler: "ocr"}}
	defs, err := Definitions(config.RoutesConfig{Definitions: inline})
	require.NoError(t, err)
	assert.Equal(t, inline, defs)
}

func TestHolder_ReloadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeRoutes(t, path, routesV1)

	holder := NewHolder(nil, nil)
	assert.Equal(t, 0, holder.Table().Len())

	require.NoError(t, holder.ReloadFile(path, testBuild))
	first := holder.Table()
	assert.Equal(t, 1, first.Len())

	writeRoutes(t, path, routesV2)
	require.NoError(t, holder.ReloadFile(path, testBuild))
	assert.Equal(t, 2, holder.Table().Len())

	// The previous table is untouched by the swap.
	assert.Equal(t, 1, first.Len())
}

func TestHolder_FailedReloadKeepsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeRoutes(t, path, routesV1)

	holder := NewHolder(nil, nil)
	require.NoError(t, holder.ReloadFile(path, testBuild))
	before := holder.Table()

	writeRoutes(t, path, routesBroken)
	assert.Error(t, holder.ReloadFile(path, testBuild))
	assert.Same(t, before, holder.Table())
}

func TestHolder_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeRoutes(t, path, routesV1)

	holder := NewHolder(nil, nil)
	require.NoError(t, holder.ReloadFile(path, testBuild))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- holder.Watch(ctx, path, testBuild) }()

	// Give the watcher time to register before changing the file.
	time.Sleep(100 * time.Millisecond)
	writeRoutes(t, path, routesV2)

	assert.Eventually(t, func() bool {
		return holder.Table().Len() == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
