// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	. "github.com/onsi/gomega" //nolint:revive // gomega convention

	plugins "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/discovery"
	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/internal/plugin/services"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/plugin/plugintest"
)

// catalogRuntime handles *.mod files. The file content names a factory in
// the catalog; every load builds a fresh descriptor from it.
type catalogRuntime struct {
	mu        sync.Mutex
	factories map[string]func() *plugintest.Descriptor
	instances map[string][]*plugintest.Descriptor
	log       *plugintest.CallLog
}

func newCatalog() *catalogRuntime {
	return &catalogRuntime{
		factories: make(map[string]func() *plugintest.Descriptor),
		instances: make(map[string][]*plugintest.Descriptor),
		log:       &plugintest.CallLog{},
	}
}

func (r *catalogRuntime) define(key string, factory func() *plugintest.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// module defines a module with the given name and dependencies.
func (r *catalogRuntime) module(name string, deps ...string) {
	r.define(name, func() *plugintest.Descriptor { return plugintest.New(name, deps...) })
}

func (r *catalogRuntime) loads(key string) []*plugintest.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*plugintest.Descriptor(nil), r.instances[key]...)
}

func (r *catalogRuntime) latest(key string) *plugintest.Descriptor {
	all := r.loads(key)
	Expect(all).NotTo(BeEmpty(), "no instance of %s was loaded", key)
	return all[len(all)-1]
}

func (r *catalogRuntime) Name() string { return "catalog" }

func (r *catalogRuntime) Match(path string) bool { return strings.HasSuffix(path, ".mod") }

func (r *catalogRuntime) Open(_ context.Context, src loader.Source) (loader.Module, error) {
	key := strings.TrimSpace(string(src.Code))
	r.mu.Lock()
	factory, ok := r.factories[key]
	r.mu.Unlock()
	if !ok {
		return nil, loader.NotAPlugin(src.Path, "unknown catalog entry %q", key)
	}
	d := factory().WithLog(r.log)
	r.mu.Lock()
	r.instances[key] = append(r.instances[key], d)
	r.mu.Unlock()
	return catalogModule{d}, nil
}

type catalogModule struct{ d *plugintest.Descriptor }

func (m catalogModule) Descriptor() pluginpkg.Descriptor { return m.d }

func (m catalogModule) Close(context.Context) error { return nil }

// sink collects reported errors.
type sink struct {
	mu   sync.Mutex
	errs []error
}

func (s *sink) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *sink) codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.errs))
	for _, err := range s.errs {
		out = append(out, errutil.Code(err))
	}
	return out
}

type env struct {
	dir     string
	catalog *catalogRuntime
	sink    *sink
	manager *plugins.Manager
}

func newEnv(ctx context.Context, dir string, host *pluginpkg.ServiceSpec, opts ...plugins.ManagerOption) *env {
	e := &env{dir: dir, catalog: newCatalog(), sink: &sink{}}
	composer, err := services.NewComposer(ctx, host)
	Expect(err).NotTo(HaveOccurred())

	l := loader.New(loader.WithRuntime(e.catalog))
	opts = append([]plugins.ManagerOption{
		plugins.WithComposer(composer),
		plugins.WithErrorSink(e.sink.report),
		plugins.WithDiscovery(discovery.Options{
			Roots:  []string{dir},
			Filter: discovery.MustFilter("*.mod"),
		}),
		plugins.WithReloadRetry(0, 0),
	}, opts...)
	e.manager, err = plugins.NewManager(ctx, l, opts...)
	Expect(err).NotTo(HaveOccurred())
	return e
}

// write creates file under the env directory naming the catalog entry key.
func (e *env) write(file, key string) string {
	path := filepath.Join(e.dir, file)
	Expect(os.MkdirAll(filepath.Dir(path), 0o750)).To(Succeed())
	Expect(os.WriteFile(path, []byte(key), 0o600)).To(Succeed())
	return path
}
