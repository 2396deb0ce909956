package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"bucketflow/internal/config"
	"bucketflow/internal/logger"
	"bucketflow/pkg/metrics"
)

const reloadDebounce = 200 * time.Millisecond

// BuildFunc turns route definitions into a validated table.
type BuildFunc func(defs []config.RouteDefinition) (*Table, error)

// Holder owns the table currently in effect. Readers always see a complete
// table; a reload swaps the pointer and never edits the old table.
type Holder struct {
	current atomic.Pointer[Table]
	logger  logger.Logger
}

func NewHolder(initial *Table, log logger.Logger) *Holder {
	if initial == nil {
		initial = NewTable(nil)
	}
	if log == nil {
		log = logger.NopLogger()
	}
	h := &Holder{logger: log}
	h.Replace(initial)
	return h
}

func (h *Holder) Table() *Table {
	return h.current.Load()
}

func (h *Holder) Replace(t *Table) {
	h.current.Store(t)
	metrics.SetActiveRoutes(t.Len())
}

// ReloadFile rebuilds the table from path. On failure the current table stays.
func (h *Holder) ReloadFile(path string, build BuildFunc) error {
	defs, err := LoadFile(path)
	if err == nil {
		var t *Table
		if t, err = build(defs); err == nil {
			h.Replace(t)
			metrics.RouteReloadsTotal.WithLabelValues("success").Inc()
			h.logger.Infow("Route table reloaded",
				"path", path,
				"routes_count", t.Len(),
			)
			return nil
		}
	}

	metrics.RouteReloadsTotal.WithLabelValues("failed").Inc()
	h.logger.Errorw("Route table reload failed, keeping previous table",
		"path", path,
		"error", err,
	)
	return err
}

// Watch reloads the table whenever path changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// picked up.
func (h *Holder) Watch(ctx context.Context, path string, build BuildFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create routes watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve routes path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	h.logger.Infow("Watching routes file", "path", abs)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warnw("Routes watcher error", "error", err)
		case <-debounce:
			debounce = nil
			_ = h.ReloadFile(abs, build)
		}
	}
}
