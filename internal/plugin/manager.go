// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin is the host-facing plugin runtime. The Manager discovers
// module files, loads each into its own isolation context, drives its
// lifecycle, composes its services with the host's, and reloads modules
// when their files change.
package plugin

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/plughost/internal/plugin/discovery"
	"github.com/holomush/plughost/internal/plugin/forest"
	"github.com/holomush/plughost/internal/plugin/lifecycle"
	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/internal/plugin/services"
	"github.com/holomush/plughost/internal/plugin/table"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// CodeDependencyMissing is reported when a module starts before one of its
// dependencies is active.
const CodeDependencyMissing = "DEPENDENCY_MISSING"

// ErrManagerClosed is returned by operations after Close.
var ErrManagerClosed = errors.New("plugin manager is closed")

// Loader loads module files into isolation contexts.
type Loader interface {
	Load(ctx context.Context, path string) (pluginpkg.Descriptor, *loader.Handle, error)
	Unload(ctx context.Context, h *loader.Handle) error
	Match(path string) bool
}

// ErrorSink receives every load, start, migration, stop and dispose failure
// exactly once.
type ErrorSink func(error)

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithComposer sets the service composer. It must be the one Lua modules
// resolve services through. Defaults to a composer with an empty host
// registry.
func WithComposer(c *services.Composer) ManagerOption {
	return func(m *Manager) { m.composer = c }
}

// WithErrorSink sets the error channel.
func WithErrorSink(sink ErrorSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithObserver receives every lifecycle transition.
func WithObserver(o lifecycle.Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithTimeouts bounds module start and stop calls. Zero means no limit.
func WithTimeouts(start, stop time.Duration) ManagerOption {
	return func(m *Manager) {
		m.startTimeout = start
		m.stopTimeout = stop
	}
}

// WithDiscovery sets the search roots and filter used by LoadAll and Watch.
func WithDiscovery(opts discovery.Options) ManagerOption {
	return func(m *Manager) { m.discovery = opts }
}

// WithDebounce sets the watcher's quiet period.
func WithDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) { m.debounce = d }
}

// WithReloadRetry retries watcher-triggered loads that fail to read or
// parse the module, with exponential backoff starting at base.
func WithReloadRetry(maxRetries uint64, base time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retries = maxRetries
		m.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager owns every active module.
type Manager struct {
	loader    Loader
	composer  *services.Composer
	table     *table.Table
	forest    *forest.Forest
	locks     *keyLock
	sink      ErrorSink
	observer  lifecycle.Observer
	recorder  Recorder
	logger    *slog.Logger
	discovery discovery.Options
	debounce  time.Duration

	startTimeout time.Duration
	stopTimeout  time.Duration
	retries      uint64
	retryBase    time.Duration

	// mu makes table and forest updates atomic together and guards reserved.
	mu       sync.Mutex
	reserved map[string]string

	ready  atomic.Bool
	closed atomic.Bool
}

// NewManager creates a plugin manager that loads modules through l.
func NewManager(ctx context.Context, l Loader, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		loader:    l,
		table:     table.New(),
		forest:    forest.New(),
		locks:     newKeyLock(),
		recorder:  nopRecorder{},
		logger:    slog.Default(),
		reserved:  make(map[string]string),
		retries:   3,
		retryBase: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.discovery.Filter.IsZero() {
		m.discovery.Filter = discovery.MustFilter(discovery.DefaultFilter)
	}
	if m.discovery.Logger == nil {
		m.discovery.Logger = m.logger
	}
	if m.retryBase <= 0 {
		m.retryBase = 100 * time.Millisecond
	}
	if m.composer == nil {
		c, err := services.NewComposer(ctx, nil)
		if err != nil {
			return nil, oops.In("plugin").Wrapf(err, "create service composer")
		}
		m.composer = c
	}
	return m, nil
}

// held tracks the identity locks owned by one operation, so a cascade
// never locks the same identity twice.
type held map[string]func()

func (m *Manager) lockIdentity(h held, identity string) {
	if _, ok := h[identity]; ok {
		return
	}
	h[identity] = m.locks.Lock(identity)
}

func (h held) release() {
	for _, unlock := range h {
		unlock()
	}
}

// LoadAll discovers every module file and loads them so each module starts
// after the modules it depends on. Failures are reported to the error sink
// and do not stop the remaining modules.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	defer m.ready.Store(true)

	type staged struct {
		path     string
		identity string
		desc     pluginpkg.Descriptor
		handle   *loader.Handle
	}
	var (
		batch      []pluginpkg.Descriptor
		byName     = make(map[string]*staged)
		identities = make(map[string]string)
	)
	for path := range discovery.Discover(m.discovery) {
		if ctx.Err() != nil {
			break
		}
		if !m.loader.Match(path) {
			continue
		}
		identity := loader.Identity(path)
		if prev, dup := identities[identity]; dup {
			m.fail(oops.In("plugin").Code(table.CodeDuplicateName).
				With("path", path).With("identity", identity).With("active_path", prev).
				Errorf("identity %q is already provided by %s", identity, prev))
			continue
		}
		d, h, err := m.loader.Load(ctx, path)
		m.recorder.LoadFinished(err)
		if err != nil {
			m.fail(err)
			continue
		}
		if prev, dup := byName[d.Name()]; dup {
			m.controller(d, h).Abort(ctx)
			m.fail(oops.In("plugin").Code(table.CodeDuplicateName).
				With("plugin", d.Name()).With("path", path).With("active_path", prev.path).
				Errorf("module %q is already provided by %s", d.Name(), prev.path))
			continue
		}
		identities[identity] = path
		byName[d.Name()] = &staged{path: path, identity: identity, desc: d, handle: h}
		batch = append(batch, d)
	}

	ordered, blocked := forest.LoadOrder(batch, m.forest.Has)
	for name, cause := range blocked {
		s := byName[name]
		m.controller(s.desc, s.handle).Abort(ctx)
		m.fail(oops.In("plugin").Code(CodeDependencyMissing).
			With("plugin", name).With("path", s.path).Wrap(cause))
	}

	for i, d := range ordered {
		s := byName[d.Name()]
		if ctx.Err() != nil {
			for _, rest := range ordered[i:] {
				r := byName[rest.Name()]
				m.controller(r.desc, r.handle).Abort(context.WithoutCancel(ctx))
			}
			break
		}
		h := held{}
		m.lockIdentity(h, s.identity)
		replaced := m.replaceExisting(ctx, s.identity, h)
		_, err := m.activate(ctx, s.path, s.identity, s.desc, s.handle)
		if err != nil {
			m.fail(err)
		}
		m.reloadDependents(ctx, s.path, replaced, err, h)
		h.release()
	}

	m.logger.Info("plugins loaded", "active", m.table.Len(), "failed", len(blocked))
	return ctx.Err()
}

// LoadOne loads the module at path. If a module from the same file is
// active it is replaced: it and its dependents are unloaded, the new
// module is loaded, and the dependents are loaded again. A migration
// failure is reported but the module stays active and is returned.
func (m *Manager) LoadOne(ctx context.Context, path string) (*table.Record, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	h := held{}
	defer h.release()
	rec, err := m.loadPath(ctx, path, h)
	if err != nil {
		m.fail(err)
		return nil, err
	}
	return rec, nil
}

// UnloadOne unloads the named module. Its dependents are unloaded first,
// deepest first. Unloading a module that is not active does nothing.
// Teardown failures are reported and returned, but never stop the unload.
func (m *Manager) UnloadOne(ctx context.Context, name string) error {
	rec, ok := m.table.Get(name)
	if !ok {
		return nil
	}
	h := held{}
	defer h.release()
	m.lockIdentity(h, rec.Identity)
	if cur, ok := m.table.Get(name); !ok || cur != rec {
		return nil
	}
	_, errs := m.unloadTree(ctx, rec, h, false, map[*forest.Node]bool{})
	return errors.Join(errs...)
}

// Get returns the active module named name.
func (m *Manager) Get(name string) (*table.Record, bool) {
	return m.table.Get(name)
}

// List returns the active modules sorted by name.
func (m *Manager) List() []*table.Record {
	return m.table.List()
}

// Forest returns the dependency forest of active modules.
func (m *Manager) Forest() *forest.Forest {
	return m.forest
}

// Dependents returns the names of every active module that depends on name,
// directly or transitively.
func (m *Manager) Dependents(name string) []string {
	var out []string
	for n := range m.forest.AllDependents(name) {
		out = append(out, n.Name())
	}
	return out
}

// Lookup resolves a service: host registry first, then modules in load order.
func (m *Manager) Lookup(ctx context.Context, key string) (any, bool) {
	return m.composer.Lookup(ctx, key)
}

// Composer returns the service composer.
func (m *Manager) Composer() *services.Composer {
	return m.composer
}

// Ready reports whether the first LoadAll has finished.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Watch reloads modules as their files change until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	w, err := discovery.NewWatcher(discovery.WatcherOptions{
		Roots:    m.discovery.Roots,
		Filter:   m.discovery.Filter,
		Debounce: m.debounce,
		Logger:   m.logger,
		Errors:   m.fail,
	})
	if err != nil {
		return err
	}
	m.logger.Info("watching plugin directories", "roots", m.discovery.Roots)
	return w.Run(ctx, m.HandleEvent)
}

// HandleEvent applies one file event. Events for the same module identity
// are serialized with each other and with LoadOne and UnloadOne.
func (m *Manager) HandleEvent(ctx context.Context, ev discovery.Event) {
	if m.closed.Load() {
		return
	}
	m.recorder.Reloaded(ev.Kind.String())
	m.logger.Info("plugin file event", "event", ev.Kind.String(), "path", ev.Path)

	switch ev.Kind {
	case discovery.Created, discovery.Changed:
		m.reload(ctx, ev.Path)
	case discovery.Deleted:
		m.unloadIdentity(ctx, loader.Identity(ev.Path))
	case discovery.Renamed:
		m.reload(ctx, ev.Path, loader.Identity(ev.OldPath))
	}
}

// Close unloads every module, dependents before their dependencies, and
// disposes the host registry.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	done := map[*forest.Node]bool{}
	for _, n := range m.forest.ShutdownOrder() {
		if done[n] {
			continue
		}
		rec, ok := m.table.Get(n.Name())
		if !ok {
			continue
		}
		h := held{}
		m.lockIdentity(h, rec.Identity)
		if cur, ok := m.table.Get(n.Name()); ok && cur == rec {
			_, tearErrs := m.unloadTree(ctx, rec, h, true, done)
			errs = append(errs, tearErrs...)
		}
		h.release()
	}
	if err := m.composer.Close(ctx); err != nil {
		err = oops.In("plugin").With("operation", "close").Wrap(err)
		m.fail(err)
		errs = append(errs, err)
	}
	m.logger.Info("plugin manager closed")
	return errors.Join(errs...)
}

// reload loads path for a file event, replacing the module active under
// path's identity and under each identity in also. Loads that fail to read
// or parse the file are retried. The replaced modules' dependents are
// loaded again once, after the last attempt.
func (m *Manager) reload(ctx context.Context, path string, also ...string) {
	h := held{}
	defer h.release()
	abs, identity, err := m.lockPath(path, h)
	if err != nil {
		m.fail(err)
		return
	}

	var dependents []*table.Record
	for _, id := range slices.Concat(also, []string{identity}) {
		m.lockIdentity(h, id)
		dependents = append(dependents, m.replaceExisting(ctx, id, h)...)
	}
	// A dependent living in the file being loaded comes back with it.
	dependents = slices.DeleteFunc(dependents, func(r *table.Record) bool { return r.Identity == identity })

	backoff := retry.WithMaxRetries(m.retries, retry.NewExponential(m.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := m.loadFile(ctx, abs, identity)
		if loader.HasCode(err, loader.CodeLoadFailed) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		m.fail(err)
	}
	m.reloadDependents(ctx, path, dependents, err, h)
}

func (m *Manager) unloadIdentity(ctx context.Context, identity string) {
	h := held{}
	defer h.release()
	m.lockIdentity(h, identity)
	rec, ok := m.table.ByIdentity(identity)
	if !ok {
		return
	}
	m.unloadTree(ctx, rec, h, false, map[*forest.Node]bool{})
}

// loadPath loads and activates one module file under its identity lock. It
// returns the primary failure unreported; secondary failures (migration,
// teardown of the replaced module, reloading dependents) are reported here.
func (m *Manager) loadPath(ctx context.Context, path string, h held) (*table.Record, error) {
	abs, identity, err := m.lockPath(path, h)
	if err != nil {
		return nil, err
	}
	replaced := m.replaceExisting(ctx, identity, h)
	rec, err := m.loadFile(ctx, abs, identity)
	m.reloadDependents(ctx, path, replaced, err, h)
	return rec, err
}

// lockPath resolves path and takes its identity lock.
func (m *Manager) lockPath(path string, h held) (abs, identity string, err error) {
	abs, err = filepath.Abs(path)
	if err != nil {
		return "", "", oops.In("plugin").Code(loader.CodeLoadFailed).With("path", path).Wrap(err)
	}
	identity = loader.Identity(abs)
	m.lockIdentity(h, identity)
	return abs, identity, nil
}

// loadFile loads abs into a fresh isolation context and activates it.
func (m *Manager) loadFile(ctx context.Context, abs, identity string) (*table.Record, error) {
	d, handle, err := m.loader.Load(ctx, abs)
	m.recorder.LoadFinished(err)
	if err != nil {
		return nil, err
	}
	return m.activate(ctx, abs, identity, d, handle)
}

// replaceExisting unloads the module active under identity, if any, and
// returns its cascaded dependents in the order they should load again.
func (m *Manager) replaceExisting(ctx context.Context, identity string, h held) []*table.Record {
	existing, ok := m.table.ByIdentity(identity)
	if !ok {
		return nil
	}
	m.logger.Info("replacing plugin", "plugin", existing.Name, "path", existing.Path)
	torn, _ := m.unloadTree(ctx, existing, h, false, map[*forest.Node]bool{})
	deps := torn[:len(torn)-1]
	slices.Reverse(deps)
	return deps
}

// reloadDependents loads the dependents torn down by replacing the module
// at path. If that module failed to come back, each dependent is reported
// as missing its dependency instead of being loaded.
func (m *Manager) reloadDependents(ctx context.Context, path string, recs []*table.Record, cause error, h held) {
	if ctx.Err() != nil {
		return
	}
	for _, rec := range recs {
		if cause != nil {
			m.fail(oops.In("plugin").Code(CodeDependencyMissing).
				With("plugin", rec.Name).With("path", rec.Path).With("dependency_path", path).
				Errorf("module %q was unloaded and not restored: %s failed to load", rec.Name, filepath.Base(path)))
			continue
		}
		if _, err := m.loadPath(ctx, rec.Path, h); err != nil {
			m.fail(err)
		}
	}
}

// activate configures and starts a loaded module and records it as active.
// Any failure rolls the attempt back completely.
func (m *Manager) activate(ctx context.Context, path, identity string, d pluginpkg.Descriptor, h *loader.Handle) (*table.Record, error) {
	ctrl := m.controller(d, h)
	name := d.Name()

	if err := m.reserve(name, identity, path); err != nil {
		ctrl.Abort(ctx)
		return nil, err
	}
	defer m.unreserve(name)

	for _, dep := range d.Dependencies() {
		if !m.forest.Has(dep) {
			ctrl.Abort(ctx)
			return nil, oops.In("plugin").Code(CodeDependencyMissing).
				With("plugin", name).With("path", path).With("dependency", dep).
				Errorf("module %q requires %q, which is not active", name, dep)
		}
	}

	if err := ctrl.Configure(ctx); err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}

	rec := &table.Record{
		Name:         name,
		Identity:     identity,
		Path:         path,
		Descriptor:   d,
		RegistryName: name,
		Handle:       h,
		Generation:   ctrl.Generation(),
		LoadedAt:     time.Now(),
		Controller:   ctrl,
	}
	if err := m.insert(rec); err != nil {
		for _, tearErr := range ctrl.Teardown(context.WithoutCancel(ctx), false) {
			m.logger.Warn("rollback step failed", "plugin", name, "error", tearErr)
		}
		return nil, err
	}
	m.recorder.ActiveModules(m.table.Len())

	if err := ctrl.Migrate(ctx); err != nil {
		m.fail(err)
	}
	m.logger.Info("plugin loaded",
		"plugin", name,
		"version", d.Version().String(),
		"path", path,
		"runtime", h.Runtime())
	return rec, nil
}

func (m *Manager) controller(d pluginpkg.Descriptor, h *loader.Handle) *lifecycle.Controller {
	return lifecycle.New(d, h, lifecycle.Options{
		Registries:   m.composer,
		Releaser:     m.loader,
		Observer:     m.observer,
		StartTimeout: m.startTimeout,
		StopTimeout:  m.stopTimeout,
		Logger:       m.logger,
	})
}

// reserve claims name for an activation in flight, so two files declaring
// the same name cannot both start.
func (m *Manager) reserve(name, identity, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.table.Get(name); ok {
		return oops.In("plugin").Code(table.CodeDuplicateName).
			With("plugin", name).With("path", path).With("active_path", active.Path).
			Errorf("module %q is already active from %s", name, active.Path)
	}
	if other, ok := m.reserved[name]; ok && other != identity {
		return oops.In("plugin").Code(table.CodeDuplicateName).
			With("plugin", name).With("path", path).With("identity", other).
			Errorf("module %q is already being loaded as %q", name, other)
	}
	m.reserved[name] = identity
	return nil
}

func (m *Manager) unreserve(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, name)
}

func (m *Manager) insert(rec *table.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.table.Insert(rec); err != nil {
		return err
	}
	if _, err := m.forest.Insert(rec.Descriptor); err != nil {
		m.table.Remove(rec.Name)
		return oops.In("plugin").Code(CodeDependencyMissing).
			With("plugin", rec.Name).With("path", rec.Path).Wrap(errutil.Detach(err))
	}
	return nil
}

// unloadTree tears down rec after all of its dependents, deepest first.
// Dependents that appear while the cascade runs are included. It returns
// every module torn down, rec last, and the teardown failures, which have
// already been reported.
func (m *Manager) unloadTree(ctx context.Context, rec *table.Record, h held, shutdown bool, done map[*forest.Node]bool) ([]*table.Record, []error) {
	var (
		torn []*table.Record
		errs []error
	)
	if node, ok := m.forest.Node(rec.Name); ok {
		for {
			pending := m.detach(node, done)
			if len(pending) == 0 {
				break
			}
			for _, dn := range pending {
				dr, ok := m.table.Get(dn.Name())
				if !ok {
					done[dn] = true
					continue
				}
				m.lockIdentity(h, dr.Identity)
				if cur, ok := m.table.Get(dn.Name()); !ok || cur != dr {
					// Replaced while we waited; look again.
					continue
				}
				t, e := m.unloadTree(ctx, dr, h, shutdown, done)
				torn = append(torn, t...)
				errs = append(errs, e...)
				done[dn] = true
			}
		}
		done[node] = true
	}
	errs = append(errs, m.teardown(ctx, rec, shutdown)...)
	return append(torn, rec), errs
}

// detach removes node from the forest once every dependent has been torn
// down, and otherwise returns the dependents still linked. Checking and
// removing under mu keeps a module that finishes starting meanwhile from
// linking under a node that is going away.
func (m *Manager) detach(node *forest.Node, done map[*forest.Node]bool) []*forest.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := slices.DeleteFunc(node.Dependents(), func(n *forest.Node) bool { return done[n] })
	if len(pending) == 0 {
		if cur, ok := m.forest.Node(node.Name()); ok && cur == node {
			m.forest.Remove(node.Name())
		}
	}
	return pending
}

func (m *Manager) teardown(ctx context.Context, rec *table.Record, shutdown bool) []error {
	errs := rec.Controller.Teardown(ctx, shutdown)
	for _, err := range errs {
		m.fail(err)
	}

	m.mu.Lock()
	if cur, ok := m.table.Get(rec.Name); ok && cur == rec {
		m.table.Remove(rec.Name)
	}
	m.mu.Unlock()

	m.recorder.Unloaded(rec.Name)
	m.recorder.ActiveModules(m.table.Len())
	m.logger.Info("plugin unloaded", "plugin", rec.Name, "path", rec.Path, "shutdown", shutdown)
	return errs
}

// fail reports err to the error sink.
func (m *Manager) fail(err error) {
	if err == nil {
		return
	}
	m.recorder.Failed(err)
	errutil.LogError(m.logger, "plugin error", err)
	if m.sink != nil {
		m.sink(err)
	}
}
