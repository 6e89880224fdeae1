// Package watch refreshes pattern facts when their source files change.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spetr/mcp-recall/internal/config"
	"github.com/spetr/mcp-recall/internal/engine"
	"github.com/spetr/mcp-recall/pkg/types"
)

// Watcher watches the source files behind recorded patterns and
// re-records a pattern when its file changes, so the stored content
// and its embedding stay current.
type Watcher struct {
	config *config.Config
	engine *engine.Engine

	watcher *fsnotify.Watcher

	// tracked maps an absolute source path to the pattern ids
	// recorded from it.
	trackedMu sync.Mutex
	tracked   map[string][]string

	// Debouncing
	pendingMu    sync.Mutex
	pendingFiles map[string]time.Time
	debounceTime time.Duration
}

// Config contains watcher configuration.
type Config struct {
	Config       *config.Config
	Engine       *engine.Engine
	DebounceTime time.Duration // Default: from config
}

// New creates a new pattern file watcher.
func New(cfg Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounceTime := cfg.DebounceTime
	if debounceTime == 0 {
		debounceTime = time.Duration(cfg.Config.Watch.DebounceMS) * time.Millisecond
	}

	return &Watcher{
		config:       cfg.Config,
		engine:       cfg.Engine,
		watcher:      watcher,
		tracked:      make(map[string][]string),
		pendingFiles: make(map[string]time.Time),
		debounceTime: debounceTime,
	}, nil
}

// Watch starts watching source files of recorded patterns.
// It blocks until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.refreshTracked(ctx); err != nil {
		return err
	}

	slog.Info("watching pattern source files", "files", len(w.tracked))

	// Start debounce processor
	go w.processDebounced(ctx)

	// Event loop
	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping watcher")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

// refreshTracked rebuilds the path-to-pattern map from the store and
// watches each file's parent directory. Editors replace files on save,
// so watching the directory survives the rename.
func (w *Watcher) refreshTracked(ctx context.Context) error {
	facts, err := w.engine.Store().ListFacts(ctx, types.TablePatterns, w.config.Project, 0)
	if err != nil {
		return err
	}

	w.trackedMu.Lock()
	defer w.trackedMu.Unlock()

	w.tracked = make(map[string][]string)
	dirs := make(map[string]bool)
	for _, fact := range facts {
		pattern, ok := fact.(*types.Pattern)
		if !ok || pattern.SourcePath == "" {
			continue
		}
		abs, err := filepath.Abs(pattern.SourcePath)
		if err != nil {
			slog.Warn("skipping unresolvable source path", "path", pattern.SourcePath, "error", err)
			continue
		}
		w.tracked[abs] = append(w.tracked[abs], pattern.ID)
		dirs[filepath.Dir(abs)] = true
	}

	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			slog.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}
	return nil
}

// handleEvent queues a tracked file for re-recording.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.trackedMu.Lock()
	_, tracked := w.tracked[abs]
	w.trackedMu.Unlock()
	if !tracked {
		return
	}

	w.pendingMu.Lock()
	w.pendingFiles[abs] = time.Now()
	w.pendingMu.Unlock()

	slog.Debug("pattern source changed", "path", abs, "op", event.Op.String())
}

// processDebounced processes pending files after the debounce period.
func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPendingFiles(ctx)
		}
	}
}

// processPendingFiles re-records patterns whose files have been stable
// for the debounce period.
func (w *Watcher) processPendingFiles(ctx context.Context) {
	w.pendingMu.Lock()
	now := time.Now()
	var toProcess []string
	for path, changedAt := range w.pendingFiles {
		if now.Sub(changedAt) >= w.debounceTime {
			toProcess = append(toProcess, path)
			delete(w.pendingFiles, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range toProcess {
		if ctx.Err() != nil {
			return
		}
		w.refreshPatterns(ctx, path)
	}
}

// refreshPatterns re-reads one source file and re-records every
// pattern that came from it.
func (w *Watcher) refreshPatterns(ctx context.Context, path string) {
	w.trackedMu.Lock()
	ids := append([]string(nil), w.tracked[path]...)
	w.trackedMu.Unlock()

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// The fact outlives its file, the stored content just goes stale.
		slog.Warn("pattern source file removed, keeping last recorded content", "path", path)
		return
	}
	if err != nil {
		slog.Warn("failed to read pattern source", "path", path, "error", err)
		return
	}

	for _, id := range ids {
		fact, err := w.engine.Get(ctx, types.TablePatterns, id)
		if err != nil {
			slog.Warn("tracked pattern no longer in store", "id", id, "error", err)
			continue
		}
		pattern := fact.(*types.Pattern)
		if pattern.Content == string(content) {
			continue
		}
		pattern.Content = string(content)

		if _, err := w.engine.Record(ctx, pattern); err != nil {
			slog.Warn("failed to re-record pattern", "id", id, "error", err)
			continue
		}
		slog.Info("pattern refreshed from source", "id", id, "path", path)
	}
}
