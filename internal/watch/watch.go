// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch reports flow files that changed under a directory.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/testflow/internal/loader"
	"github.com/tombee/testflow/internal/log"
)

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 500 * time.Millisecond

// Handler receives the path of a created or modified flow file.
type Handler func(path string)

// Option configures a Watcher.
type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.window = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Watcher watches a directory tree for flow files matching a pattern.
type Watcher struct {
	dir     string
	pattern string
	window  time.Duration
	handler Handler
	logger  *slog.Logger

	fsw      *fsnotify.Watcher
	debounce *debouncer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a watcher on dir. An empty pattern matches every flow file.
func New(dir, pattern string, handler Handler, opts ...Option) (*Watcher, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", pattern)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     abs,
		pattern: pattern,
		window:  DefaultDebounce,
		handler: handler,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = log.OrDefault(w.logger).With(slog.String("component", "watch"), slog.String("dir", abs))

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	if err := w.addTree(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	w.debounce = newDebouncer(w.window, w.deliver)
	return w, nil
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Matches reports whether path is a flow file selected by the pattern.
func (w *Watcher) Matches(path string) bool {
	if !loader.IsFlowFile(path) {
		return false
	}
	if w.pattern == "" {
		return true
	}
	if rel, err := filepath.Rel(w.dir, path); err == nil && loader.Match(w.pattern, rel) {
		return true
	}
	return loader.Match(w.pattern, path)
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
	w.logger.Info("watching for flow changes", slog.String("pattern", w.pattern))
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", log.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("cannot watch new directory", log.Error(err))
			}
		}
		return
	}
	if !w.Matches(ev.Name) {
		return
	}
	w.logger.Debug("flow file changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
	w.debounce.add(ev.Name)
}

func (w *Watcher) deliver(path string) {
	if w.handler != nil {
		w.handler(path)
	}
}

// Pending is the number of changes waiting out the debounce window.
func (w *Watcher) Pending() int {
	return w.debounce.pending()
}

// Close stops the watcher. Pending changes are dropped.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.debounce.stop()
		err = w.fsw.Close()
	})
	return err
}

// Wait blocks until the event loop has exited.
func (w *Watcher) Wait() {
	<-w.doneCh
}
