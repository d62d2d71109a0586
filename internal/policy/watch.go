package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rollcall.io/internal/obs"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a policy file into an Engine whenever it changes on disk.
// A file that fails to parse is logged and the last good table stays active.
type Watcher struct {
	path     string
	engine   *Engine
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending bool
	digest  [sha256.Size]byte
}

// WatchOption customises a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger overrides the logger used for reload messages.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher prepares a watcher for path. The file's directory is watched
// rather than the file so that editors replacing it atomically are seen.
func NewWatcher(path string, engine *Engine, opts ...WatchOption) (*Watcher, error) {
	if engine == nil {
		return nil, fmt.Errorf("policy: watcher needs an engine")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		engine:   engine,
		debounce: defaultDebounce,
		logger:   obs.Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if raw, err := os.ReadFile(abs); err == nil {
		w.digest = sha256.Sum256(raw)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", filepath.Dir(abs), err)
	}
	w.fsw = fsw
	return w, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	w.logger.Info("policy watcher started", "path", w.path, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()
	w.reload()
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("policy reload skipped", "path", w.path, "error", err)
		return
	}
	sum := sha256.Sum256(raw)
	if bytes.Equal(sum[:], w.digest[:]) {
		return
	}
	t, err := Parse(raw)
	if err != nil {
		w.logger.Error("policy reload rejected, keeping active table",
			"path", w.path,
			"active_version", w.engine.Table().Version,
			"error", err)
		return
	}
	w.digest = sum
	prev := w.engine.Replace(t)
	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	w.logger.Info("policy reloaded", "path", w.path, "version", t.Version, "previous_version", prevVersion)
}
