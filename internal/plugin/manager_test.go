// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	plugins "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/discovery"
	"github.com/holomush/plughost/internal/plugin/lifecycle"
	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/internal/plugin/table"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/plugin/plugintest"
)

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		e   *env
	)

	BeforeEach(func() {
		ctx = context.Background()
		e = newEnv(ctx, GinkgoT().TempDir(), nil)
		DeferCleanup(func() { Expect(e.manager.Close(context.Background())).To(Succeed()) })
	})

	Describe("LoadOne", func() {
		It("activates a module and records it", func() {
			e.catalog.module("Alpha")
			path := e.write("alpha.mod", "Alpha")

			rec, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Name).To(Equal("Alpha"))
			Expect(rec.Identity).To(Equal("alpha"))
			Expect(rec.Path).To(Equal(path))
			Expect(rec.State()).To(Equal(lifecycle.StateRunning))
			Expect(rec.Generation).To(Equal(rec.Handle.ID()))

			got, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(rec))
			Expect(e.sink.codes()).To(BeEmpty())
		})

		It("rolls back completely when start fails", func() {
			e.catalog.define("Alpha", func() *plugintest.Descriptor {
				d := plugintest.New("Alpha")
				d.ServicesFunc = func(spec *pluginpkg.ServiceSpec) error {
					spec.AddInstance("alpha.greeting", "hi")
					return nil
				}
				d.StartFunc = func(context.Context) pluginpkg.StartResult {
					return pluginpkg.StartFailed(errors.New("no database"))
				}
				return d
			})

			rec, err := e.manager.LoadOne(ctx, e.write("alpha.mod", "Alpha"))
			Expect(err).To(HaveOccurred())
			Expect(rec).To(BeNil())

			_, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeFalse())
			_, ok = e.manager.Lookup(ctx, "alpha.greeting")
			Expect(ok).To(BeFalse(), "registry is disposed")
			Expect(e.manager.Composer().Has("Alpha")).To(BeFalse())

			d := e.catalog.latest("Alpha")
			Expect(d.Count("stop")).To(Equal(1))
			Expect(d.Count("dispose")).To(Equal(1))
			Expect(e.sink.codes()).To(Equal([]string{lifecycle.CodeStartFailed}))
		})

		It("keeps the module when migration fails", func() {
			e.catalog.define("Alpha", func() *plugintest.Descriptor {
				d := plugintest.New("Alpha")
				d.StartFunc = func(context.Context) pluginpkg.StartResult {
					return pluginpkg.StartedWithMigration(func(context.Context) error {
						return errors.New("schema drift")
					})
				}
				return d
			})

			rec, err := e.manager.LoadOne(ctx, e.write("alpha.mod", "Alpha"))
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.State()).To(Equal(lifecycle.StateRunning))
			Expect(e.sink.codes()).To(Equal([]string{lifecycle.CodeMigrationFailed}))
		})

		It("reports load errors once and registers nothing", func() {
			_, err := e.manager.LoadOne(ctx, filepath.Join(e.dir, "missing.mod"))
			Expect(loader.HasCode(err, loader.CodeLoadFailed)).To(BeTrue())

			_, err = e.manager.LoadOne(ctx, e.write("unknown.mod", "Nobody"))
			Expect(loader.IsNotAPlugin(err)).To(BeTrue())

			Expect(e.sink.codes()).To(Equal([]string{loader.CodeLoadFailed, loader.CodeNotAPlugin}))
			Expect(e.manager.List()).To(BeEmpty())
		})

		It("rejects a different file declaring an active name", func() {
			e.catalog.module("Alpha")
			first, err := e.manager.LoadOne(ctx, e.write("alpha.mod", "Alpha"))
			Expect(err).NotTo(HaveOccurred())

			_, err = e.manager.LoadOne(ctx, e.write("alpha-copy.mod", "Alpha"))
			Expect(err).To(HaveOccurred())
			Expect(e.sink.codes()).To(Equal([]string{table.CodeDuplicateName}))

			got, _ := e.manager.Get("Alpha")
			Expect(got).To(BeIdenticalTo(first), "active module is untouched")
			Expect(first.State()).To(Equal(lifecycle.StateRunning))

			loads := e.catalog.loads("Alpha")
			Expect(loads).To(HaveLen(2))
			Expect(loads[0].Count("stop")).To(Equal(0))
			Expect(loads[1].Count("start")).To(Equal(0), "rejected module never starts")
			Expect(loads[1].Count("dispose")).To(Equal(1))
		})

		It("replaces the module when the same file is loaded again", func() {
			e.catalog.module("Alpha")
			path := e.write("alpha.mod", "Alpha")
			first, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			second, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Generation).NotTo(Equal(first.Generation))
			Expect(first.Handle.Released()).To(BeTrue())
			Expect(first.State()).To(Equal(lifecycle.StateDisposed))

			loads := e.catalog.loads("Alpha")
			Expect(loads).To(HaveLen(2))
			Expect(loads[0].Count("dispose")).To(Equal(1))
			Expect(loads[0].StopFlags()).To(Equal([]bool{false}))

			got, _ := e.manager.Get("Alpha")
			Expect(got).To(BeIdenticalTo(second))
			Expect(e.manager.List()).To(HaveLen(1))
		})

		It("fails when a dependency is not active", func() {
			e.catalog.module("Beta", "Alpha")
			_, err := e.manager.LoadOne(ctx, e.write("beta.mod", "Beta"))
			Expect(err).To(HaveOccurred())
			Expect(e.sink.codes()).To(Equal([]string{plugins.CodeDependencyMissing}))
			Expect(e.catalog.latest("Beta").Count("start")).To(Equal(0))
			Expect(e.catalog.latest("Beta").Count("dispose")).To(Equal(1))
		})

		It("serializes concurrent loads of the same file", func() {
			e.catalog.module("Alpha")
			path := e.write("alpha.mod", "Alpha")

			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := e.manager.LoadOne(ctx, path)
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(e.manager.List()).To(HaveLen(1))
			loads := e.catalog.loads("Alpha")
			Expect(loads).To(HaveLen(8))
			for _, d := range loads[:7] {
				Expect(d.Count("dispose")).To(Equal(1))
			}
			Expect(loads[7].Count("dispose")).To(Equal(0))
			Expect(e.sink.codes()).To(BeEmpty())
		})
	})

	Describe("UnloadOne", func() {
		BeforeEach(func() {
			e.catalog.module("Alpha")
			e.catalog.module("Beta", "Alpha")
			e.catalog.module("Gamma", "Beta")
			for _, f := range []string{"alpha", "beta", "gamma"} {
				_, err := e.manager.LoadOne(ctx, e.write(f+".mod", map[string]string{
					"alpha": "Alpha", "beta": "Beta", "gamma": "Gamma",
				}[f]))
				Expect(err).NotTo(HaveOccurred())
			}
			e.catalog.log.Reset()
		})

		It("cascades to dependents, deepest first", func() {
			Expect(e.manager.Dependents("Alpha")).To(Equal([]string{"Beta", "Gamma"}))

			Expect(e.manager.UnloadOne(ctx, "Alpha")).To(Succeed())

			Expect(e.catalog.log.Calls()).To(Equal([]string{
				"Gamma.stop", "Gamma.dispose",
				"Beta.stop", "Beta.dispose",
				"Alpha.stop", "Alpha.dispose",
			}))
			Expect(e.manager.List()).To(BeEmpty())
			Expect(e.manager.Forest().Nodes()).To(BeEmpty())
		})

		It("leaves dependencies of the unloaded module alone", func() {
			Expect(e.manager.UnloadOne(ctx, "Beta")).To(Succeed())
			_, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
			_, ok = e.manager.Get("Gamma")
			Expect(ok).To(BeFalse())
			Expect(e.manager.Dependents("Alpha")).To(BeEmpty())
		})

		It("is idempotent", func() {
			Expect(e.manager.UnloadOne(ctx, "Gamma")).To(Succeed())
			Expect(e.manager.UnloadOne(ctx, "Gamma")).To(Succeed())
			Expect(e.catalog.latest("Gamma").Count("stop")).To(Equal(1))
			Expect(e.catalog.latest("Gamma").Count("dispose")).To(Equal(1))
			Expect(e.manager.UnloadOne(ctx, "Nobody")).To(Succeed())
		})

		It("reports stop failures without blocking the unload", func() {
			e.catalog.latest("Gamma").StopFunc = func(context.Context, bool) error {
				return errors.New("stuck")
			}
			err := e.manager.UnloadOne(ctx, "Gamma")
			Expect(err).To(HaveOccurred())
			Expect(e.sink.codes()).To(Equal([]string{lifecycle.CodeStopFailed}))
			Expect(e.catalog.latest("Gamma").Count("dispose")).To(Equal(1))
			_, ok := e.manager.Get("Gamma")
			Expect(ok).To(BeFalse())
		})

		It("reloads cascaded dependents after a replace", func() {
			_, err := e.manager.LoadOne(ctx, filepath.Join(e.dir, "alpha.mod"))
			Expect(err).NotTo(HaveOccurred())

			Expect(e.catalog.log.Calls()).To(Equal([]string{
				"Gamma.stop", "Gamma.dispose",
				"Beta.stop", "Beta.dispose",
				"Alpha.stop", "Alpha.dispose",
				"Alpha.configure", "Alpha.start",
				"Beta.configure", "Beta.start",
				"Gamma.configure", "Gamma.start",
			}))
			Expect(e.catalog.loads("Gamma")).To(HaveLen(2))
			Expect(e.manager.Dependents("Alpha")).To(Equal([]string{"Beta", "Gamma"}))
		})
	})

	Describe("UnloadOne while a dependent is starting", func() {
		It("rolls the dependent back instead of linking it under the unloaded module", func() {
			e.catalog.module("Alpha")
			started := make(chan struct{})
			release := make(chan struct{})
			e.catalog.define("Beta", func() *plugintest.Descriptor {
				d := plugintest.New("Beta", "Alpha")
				d.StartFunc = func(context.Context) pluginpkg.StartResult {
					close(started)
					<-release
					return pluginpkg.Started()
				}
				return d
			})
			_, err := e.manager.LoadOne(ctx, e.write("alpha.mod", "Alpha"))
			Expect(err).NotTo(HaveOccurred())
			betaPath := e.write("beta.mod", "Beta")

			loaded := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := e.manager.LoadOne(ctx, betaPath)
				loaded <- err
			}()
			Eventually(started).Should(BeClosed())

			var betaErr error
			e.catalog.latest("Alpha").StopFunc = func(context.Context, bool) error {
				close(release)
				betaErr = <-loaded
				return nil
			}
			Expect(e.manager.UnloadOne(ctx, "Alpha")).To(Succeed())

			Expect(errutil.Code(betaErr)).To(Equal(plugins.CodeDependencyMissing))
			_, ok := e.manager.Get("Beta")
			Expect(ok).To(BeFalse())
			Expect(e.manager.List()).To(BeEmpty())
			Expect(e.manager.Forest().Nodes()).To(BeEmpty())
			Expect(e.catalog.latest("Beta").Count("dispose")).To(Equal(1))
		})
	})

	Describe("LoadAll", func() {
		It("starts modules after their dependencies regardless of file order", func() {
			e.catalog.module("Alpha")
			e.catalog.module("Beta", "Alpha")
			e.catalog.module("Gamma", "Beta", "Alpha")
			e.write("a.mod", "Gamma")
			e.write("b.mod", "Beta")
			e.write("nested/z.mod", "Alpha")

			Expect(e.manager.Ready()).To(BeFalse())
			Expect(e.manager.LoadAll(ctx)).To(Succeed())
			Expect(e.manager.Ready()).To(BeTrue())

			Expect(e.catalog.log.Calls()).To(Equal([]string{
				"Alpha.configure", "Alpha.start",
				"Beta.configure", "Beta.start",
				"Gamma.configure", "Gamma.start",
			}))
			Expect(e.manager.List()).To(HaveLen(3))
		})

		It("reports modules that cannot load and keeps the rest", func() {
			e.catalog.module("Alpha")
			e.catalog.module("Orphan", "Missing")
			e.catalog.module("Child", "Orphan")
			e.catalog.module("Ping", "Pong")
			e.catalog.module("Pong", "Ping")
			e.write("alpha.mod", "Alpha")
			e.write("alpha-dup.mod", "Alpha")
			e.write("orphan.mod", "Orphan")
			e.write("child.mod", "Child")
			e.write("ping.mod", "Ping")
			e.write("pong.mod", "Pong")
			e.write("broken.mod", "Unknown")

			Expect(e.manager.LoadAll(ctx)).To(Succeed())

			names := []string{}
			for _, rec := range e.manager.List() {
				names = append(names, rec.Name)
			}
			Expect(names).To(Equal([]string{"Alpha"}))
			Expect(e.sink.codes()).To(ConsistOf(
				table.CodeDuplicateName,
				loader.CodeNotAPlugin,
				plugins.CodeDependencyMissing,
				plugins.CodeDependencyMissing,
				plugins.CodeDependencyMissing,
				plugins.CodeDependencyMissing,
			))
			for _, key := range []string{"Orphan", "Child", "Ping", "Pong"} {
				Expect(e.catalog.latest(key).Count("start")).To(Equal(0))
				Expect(e.catalog.latest(key).Count("dispose")).To(Equal(1))
			}
		})

		It("skips library directories", func() {
			e.catalog.module("Alpha")
			e.write("lib/helper.mod", "Alpha")
			Expect(e.manager.LoadAll(ctx)).To(Succeed())
			Expect(e.manager.List()).To(BeEmpty())
		})
	})

	Describe("HandleEvent", func() {
		var path string

		BeforeEach(func() {
			e.catalog.module("Alpha")
			path = e.write("alpha.mod", "Alpha")
		})

		It("loads created files", func() {
			e.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Created, Path: path})
			_, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
		})

		It("replaces changed modules with exactly one unload and one load", func() {
			first, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			e.catalog.log.Reset()

			e.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Changed, Path: path})

			Expect(e.catalog.log.Calls()).To(Equal([]string{
				"Alpha.stop", "Alpha.dispose", "Alpha.configure", "Alpha.start",
			}))
			second, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
			Expect(second.Generation).NotTo(Equal(first.Generation))
		})

		It("unloads deleted modules", func() {
			_, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Remove(path)).To(Succeed())

			e.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Deleted, Path: path})
			Expect(e.manager.List()).To(BeEmpty())
		})

		It("moves renamed modules to their new identity", func() {
			_, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			newPath := filepath.Join(e.dir, "alpha2.mod")
			Expect(os.Rename(path, newPath)).To(Succeed())

			e.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Renamed, Path: newPath, OldPath: path})

			rec, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
			Expect(rec.Identity).To(Equal("alpha2"))
			Expect(rec.Path).To(Equal(newPath))
		})

		It("restores the dependents of a renamed module", func() {
			e.catalog.module("Beta", "Alpha")
			_, err := e.manager.LoadOne(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			_, err = e.manager.LoadOne(ctx, e.write("beta.mod", "Beta"))
			Expect(err).NotTo(HaveOccurred())
			newPath := filepath.Join(e.dir, "alpha2.mod")
			Expect(os.Rename(path, newPath)).To(Succeed())

			e.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Renamed, Path: newPath, OldPath: path})

			rec, ok := e.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
			Expect(rec.Identity).To(Equal("alpha2"))
			_, ok = e.manager.Get("Beta")
			Expect(ok).To(BeTrue())
			Expect(e.catalog.loads("Beta")).To(HaveLen(2))
			Expect(e.manager.Dependents("Alpha")).To(Equal([]string{"Beta"}))
			Expect(e.sink.codes()).To(BeEmpty())
		})

		It("reports a file that vanished before it could load", func() {
			Expect(os.Remove(path)).To(Succeed())
			e.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Created, Path: path})
			Expect(e.sink.codes()).To(Equal([]string{loader.CodeLoadFailed}))
		})
	})

	Describe("reload retries", func() {
		var (
			r     *env
			built atomic.Int32
			alpha string
		)

		// Alpha's constructor panics on builds 2 through failUntil, as if
		// its file were read half-written.
		load := func(failUntil int32) {
			built.Store(0)
			r = newEnv(ctx, GinkgoT().TempDir(), nil, plugins.WithReloadRetry(3, time.Millisecond))
			DeferCleanup(func() { Expect(r.manager.Close(context.Background())).To(Succeed()) })
			r.catalog.define("Alpha", func() *plugintest.Descriptor {
				if n := built.Add(1); n >= 2 && n <= failUntil {
					panic("half-written module")
				}
				return plugintest.New("Alpha")
			})
			r.catalog.module("Beta", "Alpha")
			alpha = r.write("alpha.mod", "Alpha")
			_, err := r.manager.LoadOne(ctx, alpha)
			Expect(err).NotTo(HaveOccurred())
			_, err = r.manager.LoadOne(ctx, r.write("beta.mod", "Beta"))
			Expect(err).NotTo(HaveOccurred())
		}

		It("restores dependents once the reload succeeds on a later attempt", func() {
			load(2)
			r.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Changed, Path: alpha})

			Expect(r.sink.codes()).To(BeEmpty())
			Expect(built.Load()).To(Equal(int32(3)))
			_, ok := r.manager.Get("Alpha")
			Expect(ok).To(BeTrue())
			_, ok = r.manager.Get("Beta")
			Expect(ok).To(BeTrue())
			Expect(r.catalog.loads("Beta")).To(HaveLen(2))
			Expect(r.manager.Dependents("Alpha")).To(Equal([]string{"Beta"}))
		})

		It("reports each dependent once when every attempt fails", func() {
			load(100)
			r.manager.HandleEvent(ctx, discovery.Event{Kind: discovery.Changed, Path: alpha})

			Expect(r.sink.codes()).To(Equal([]string{loader.CodeLoadFailed, plugins.CodeDependencyMissing}))
			Expect(built.Load()).To(Equal(int32(5)))
			Expect(r.manager.List()).To(BeEmpty())
			Expect(r.catalog.loads("Beta")).To(HaveLen(1), "a dependent is not loaded without its dependency")
		})
	})

	Describe("Close", func() {
		It("stops dependents first with the shutdown flag", func() {
			e.catalog.module("Alpha")
			e.catalog.module("Beta", "Alpha")
			e.write("alpha.mod", "Alpha")
			e.write("beta.mod", "Beta")
			Expect(e.manager.LoadAll(ctx)).To(Succeed())
			e.catalog.log.Reset()

			Expect(e.manager.Close(ctx)).To(Succeed())
			Expect(e.catalog.log.Calls()).To(Equal([]string{
				"Beta.stop", "Beta.dispose", "Alpha.stop", "Alpha.dispose",
			}))
			Expect(e.catalog.latest("Alpha").StopFlags()).To(Equal([]bool{true}))

			_, err := e.manager.LoadOne(ctx, filepath.Join(e.dir, "alpha.mod"))
			Expect(err).To(MatchError(plugins.ErrManagerClosed))
			Expect(e.manager.Close(ctx)).To(Succeed())
		})
	})
})

var _ = Describe("Service lookup", func() {
	It("prefers the host registry and falls back in load order", func() {
		ctx := context.Background()
		host := pluginpkg.NewServiceSpec().AddInstance("greeting", "host")
		e := newEnv(ctx, GinkgoT().TempDir(), host)
		DeferCleanup(func() { Expect(e.manager.Close(context.Background())).To(Succeed()) })

		for _, name := range []string{"Alpha", "Beta"} {
			e.catalog.define(name, func() *plugintest.Descriptor {
				d := plugintest.New(name)
				d.ServicesFunc = func(spec *pluginpkg.ServiceSpec) error {
					spec.AddInstance("greeting", name)
					spec.AddInstance("shared", name)
					spec.AddInstance(name+".only", true)
					return nil
				}
				return d
			})
		}
		_, err := e.manager.LoadOne(ctx, e.write("alpha.mod", "Alpha"))
		Expect(err).NotTo(HaveOccurred())
		_, err = e.manager.LoadOne(ctx, e.write("beta.mod", "Beta"))
		Expect(err).NotTo(HaveOccurred())

		for range 3 {
			v, ok := e.manager.Lookup(ctx, "greeting")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("host"))
		}
		v, _ := e.manager.Lookup(ctx, "shared")
		Expect(v).To(Equal("Alpha"))

		Expect(e.manager.UnloadOne(ctx, "Alpha")).To(Succeed())
		v, _ = e.manager.Lookup(ctx, "shared")
		Expect(v).To(Equal("Beta"))
		v, _ = e.manager.Lookup(ctx, "greeting")
		Expect(v).To(Equal("host"))

		_, ok := e.manager.Lookup(ctx, "Alpha.only")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Observer", func() {
	It("sees every transition of a load and unload", func() {
		ctx := context.Background()
		var (
			mu    sync.Mutex
			moves []string
		)
		e := newEnv(ctx, GinkgoT().TempDir(), nil, plugins.WithObserver(func(t lifecycle.Transition) {
			mu.Lock()
			defer mu.Unlock()
			moves = append(moves, t.Plugin+":"+t.To.String())
		}))
		DeferCleanup(func() { Expect(e.manager.Close(context.Background())).To(Succeed()) })
		e.catalog.module("Alpha")

		_, err := e.manager.LoadOne(ctx, e.write("alpha.mod", "Alpha"))
		Expect(err).NotTo(HaveOccurred())
		Expect(e.manager.UnloadOne(ctx, "Alpha")).To(Succeed())

		mu.Lock()
		defer mu.Unlock()
		Expect(moves).To(Equal([]string{
			"Alpha:loaded", "Alpha:configured", "Alpha:starting", "Alpha:started",
			"Alpha:migrating", "Alpha:running", "Alpha:stopping", "Alpha:stopped", "Alpha:disposed",
		}))
	})
})
