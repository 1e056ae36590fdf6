// Package watcher re-triggers indexing when a checkout changes on disk.
//
// The index is anchored to commits, so the interesting events are the ones
// git emits on commit and branch switch: writes under .git to HEAD and
// logs/HEAD. Working-tree events are watched too so a settle lands shortly
// after an editor save burst, but a trigger with an unchanged commit is a
// cheap no-op for the lifecycle manager.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// DefaultDebounce is used when no debounce window is configured.
const DefaultDebounce = 2 * time.Second

// Watcher watches one repository checkout and invokes a callback after
// events settle.
type Watcher struct {
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	logger   *logging.Logger
}

// New creates a watcher over the checkout rooted at root.
func New(root string, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	if root == "" {
		return nil, fmt.Errorf("watch root required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		fsw:      fsw,
		logger:   logger,
	}
	if err := w.addTree(); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run blocks, invoking onSettle once per debounced burst of events, until
// the context is cancelled. Callback errors are logged and watching
// continues.
func (w *Watcher) Run(ctx context.Context, onSettle func(context.Context) error) error {
	settle := time.NewTimer(w.debounce)
	if !settle.Stop() {
		<-settle.C
	}
	resetSettle := func() {
		if !settle.Stop() {
			select {
			case <-settle.C:
			default:
			}
		}
		settle.Reset(w.debounce)
	}

	w.logger.Info(ctx, "watching for changes",
		zap.String("root", w.root),
		zap.Duration("debounce", w.debounce),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.skip(ev) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				w.maybeWatchDir(ev.Name)
			}
			resetSettle()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "filesystem watch error", zap.Error(err))

		case <-settle.C:
			if err := onSettle(ctx); err != nil {
				w.logger.Error(ctx, "watch-triggered index failed", zap.Error(err))
			}
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// addTree registers the working tree recursively. The .git subtree is not
// walked; only the directories whose contents change on commit or branch
// switch are added.
func (w *Watcher) addTree() error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return fmt.Errorf("walking watch root: %w", err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			_ = w.fsw.Add(path)
			_ = w.fsw.Add(filepath.Join(path, "logs"))
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil && path == w.root {
			return fmt.Errorf("watching %s: %w", path, addErr)
		}
		return nil
	})
}

// skip filters out events that can never change the index: chmod noise and
// git internals other than HEAD updates.
func (w *Watcher) skip(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return true
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return true
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		if part != ".git" {
			continue
		}
		// Inside .git only HEAD and logs/HEAD signal commits or branch
		// switches. git replaces them via rename, so Create counts too.
		rest := strings.Join(parts[i+1:], "/")
		return rest != "HEAD" && rest != "logs/HEAD"
	}
	return false
}

// maybeWatchDir adds newly created directories so events inside them are
// seen without a restart.
func (w *Watcher) maybeWatchDir(path string) {
	if filepath.Base(path) == ".git" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	_ = w.fsw.Add(path)
}
