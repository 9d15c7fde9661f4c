// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

// DefaultDebounce is the quiet period after the last event for a module
// before the event is delivered.
const DefaultDebounce = 250 * time.Millisecond

// EventKind classifies a module file change.
type EventKind int

// Module file events.
const (
	Created EventKind = iota + 1
	Changed
	Deleted
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a debounced change to one module file.
type Event struct {
	Kind EventKind
	Path string
	// OldPath is the previous path of a Renamed file.
	OldPath string
}

// Handler processes events. Calls for different files may run concurrently.
type Handler func(ctx context.Context, ev Event)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Roots    []string
	Filter   Filter
	Debounce time.Duration
	Logger   *slog.Logger
	// Errors receives watcher failures. The watcher keeps running.
	Errors func(error)
}

// Watcher turns file system notifications under the search roots into
// debounced module events.
type Watcher struct {
	opts    WatcherOptions
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	started atomic.Bool

	mu      sync.Mutex
	pending map[string]*pendingEvent
	// renamed holds paths that were renamed away and not yet paired with
	// a Create.
	renamed map[string]time.Time
	wg      sync.WaitGroup
}

type pendingEvent struct {
	ev    Event
	timer *time.Timer
}

// NewWatcher registers every directory under the roots. Missing roots are
// skipped with a warning.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Errors == nil {
		opts.Errors = func(error) {}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("watcher").Wrapf(err, "create fsnotify watcher")
	}
	w := &Watcher{
		opts:    opts,
		fsw:     fsw,
		logger:  opts.Logger,
		pending: make(map[string]*pendingEvent),
		renamed: make(map[string]time.Time),
	}
	for _, root := range opts.Roots {
		w.addTree(root)
	}
	return w, nil
}

// Watched returns the directories currently registered.
func (w *Watcher) Watched() []string {
	return w.fsw.WatchList()
}

// Run delivers events to h until ctx is cancelled. It waits for running
// handlers before returning. Run must be called once.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	if !w.started.CompareAndSwap(false, true) {
		return oops.In("watcher").Errorf("Run called more than once")
	}
	defer func() {
		w.mu.Lock()
		for key, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, key)
		}
		w.mu.Unlock()
		w.wg.Wait()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify watcher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fe, ok := <-w.fsw.Events:
			if !ok {
				return oops.In("watcher").Errorf("fsnotify event channel closed unexpectedly")
			}
			w.handle(ctx, fe, h)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return oops.In("watcher").Errorf("fsnotify error channel closed unexpectedly")
			}
			w.opts.Errors(oops.In("watcher").Wrapf(err, "fsnotify"))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fe fsnotify.Event, h Handler) {
	path := fe.Name
	if fe.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !SkipDir(filepath.Base(path)) {
				w.addTree(path)
				w.scanNewDir(ctx, path, h)
			}
			return
		}
	}
	if !w.opts.Filter.Match(path) {
		return
	}

	switch {
	case fe.Has(fsnotify.Create):
		if old, ok := w.takeRename(path); ok {
			w.schedule(ctx, Event{Kind: Renamed, Path: path, OldPath: old}, h)
			return
		}
		w.schedule(ctx, Event{Kind: Created, Path: path}, h)
	case fe.Has(fsnotify.Write):
		w.schedule(ctx, Event{Kind: Changed, Path: path}, h)
	case fe.Has(fsnotify.Remove):
		w.schedule(ctx, Event{Kind: Deleted, Path: path}, h)
	case fe.Has(fsnotify.Rename):
		w.noteRename(path)
		w.schedule(ctx, Event{Kind: Deleted, Path: path}, h)
	}
}

// scanNewDir schedules Created for module files already present in a
// directory that appeared after startup.
func (w *Watcher) scanNewDir(ctx context.Context, dir string, h Handler) {
	for path := range Discover(Options{Roots: []string{dir}, Filter: w.opts.Filter, Logger: w.logger}) {
		w.schedule(ctx, Event{Kind: Created, Path: path}, h)
	}
}

func (w *Watcher) noteRename(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.renamed[path] = time.Now()
}

// takeRename pairs a Create with the most recent unpaired Rename in the
// debounce window.
func (w *Watcher) takeRename(newPath string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		best   string
		bestAt time.Time
	)
	cutoff := time.Now().Add(-w.opts.Debounce)
	for old, at := range w.renamed {
		if at.Before(cutoff) {
			delete(w.renamed, old)
			continue
		}
		if old != newPath && at.After(bestAt) {
			best, bestAt = old, at
		}
	}
	if best == "" {
		return "", false
	}
	delete(w.renamed, best)

	// The rename superseded the Deleted queued for the old path.
	if p, ok := w.pending[best]; ok && p.ev.Kind == Deleted {
		p.timer.Stop()
		delete(w.pending, best)
	}
	return best, true
}

// schedule queues ev for its path, merging it with an event already waiting
// for the same path, and restarts that path's debounce timer.
func (w *Watcher) schedule(ctx context.Context, ev Event, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := ev.Path
	if p, ok := w.pending[key]; ok {
		p.ev = merge(p.ev, ev)
		p.timer.Reset(w.opts.Debounce)
		return
	}
	p := &pendingEvent{ev: ev}
	p.timer = time.AfterFunc(w.opts.Debounce, func() { w.fire(ctx, key, p, h) })
	w.pending[key] = p
}

func (w *Watcher) fire(ctx context.Context, key string, p *pendingEvent, h Handler) {
	w.mu.Lock()
	if w.pending[key] != p || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	ev := p.ev
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.logger.Debug("module file event", "event", ev.Kind.String(), "path", ev.Path, "old_path", ev.OldPath)
	h(ctx, ev)
}

// merge folds a newer event for the same path into an older one.
func merge(prev, next Event) Event {
	switch {
	case prev.Kind == Created && next.Kind == Changed:
		return prev
	case prev.Kind == Renamed && next.Kind == Changed:
		return prev
	case prev.Kind == Deleted && next.Kind == Created:
		return Event{Kind: Changed, Path: next.Path}
	default:
		return next
	}
}

// addTree registers root and its searchable subdirectories.
func (w *Watcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				w.logger.Warn("not watching missing search root", "root", root)
				return filepath.SkipAll
			}
			w.logger.Warn("skipping inaccessible path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.opts.Errors(oops.In("watcher").With("dir", path).Wrapf(addErr, "watch directory"))
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("walk search root", "root", root, "error", err)
	}
}
