// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/journal"
	pluginhost "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/discovery"
	"github.com/holomush/plughost/internal/plugin/goplugin"
	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/internal/plugin/lua"
	"github.com/holomush/plughost/internal/plugin/services"
	"github.com/holomush/plughost/internal/xdg"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// HostVersionKey is the host service holding the plughost version.
const HostVersionKey = "host.version"

// hostServices declares the host registry: the version plus the static
// values from the config file, in key order.
func hostServices(cfg config.Config) *pluginpkg.ServiceSpec {
	spec := pluginpkg.NewServiceSpec()
	spec.AddInstance(HostVersionKey, version)
	for _, key := range slices.Sorted(maps.Keys(cfg.Plugins.HostServices)) {
		spec.AddInstance(key, cfg.Plugins.HostServices[key])
	}
	return spec
}

// searchRoots returns the configured search paths, or the plugins
// directory under the XDG data directory when none are set.
func searchRoots(cfg config.Config) ([]string, error) {
	if len(cfg.Plugins.SearchPaths) > 0 || cfg.Plugins.IncludeHostDir {
		return cfg.Plugins.SearchPaths, nil
	}
	dir, err := xdg.DataDir()
	if err != nil {
		return nil, oops.In("plughost").Hint("set plugins.search_paths").Wrap(err)
	}
	return []string{filepath.Join(dir, "plugins")}, nil
}

// newLoader builds a loader with the Lua and binary runtimes.
func newLoader(cfg config.Config, lookup pluginpkg.Lookup, logger *slog.Logger) (*loader.Loader, error) {
	luaOpts := []lua.Option{lua.WithLookup(lookup), lua.WithLogger(logger)}
	installDir := cfg.Plugins.InstallDir
	if installDir == "" {
		if dir, err := xdg.DataDir(); err == nil {
			installDir = dir
		}
	}
	if installDir != "" {
		luaOpts = append(luaOpts, lua.WithInstallDir(installDir))
	}

	goOpts := []goplugin.Option{goplugin.WithLogger(logger), goplugin.WithHCLogLevel(cfg.Log.Level)}
	if cfg.Plugins.StagingDir != "" {
		if err := xdg.EnsureDir(cfg.Plugins.StagingDir); err != nil {
			return nil, err
		}
		goOpts = append(goOpts, goplugin.WithStagingDir(cfg.Plugins.StagingDir))
	}

	return loader.New(
		loader.WithRuntime(lua.NewRuntime(luaOpts...)),
		loader.WithRuntime(goplugin.NewRuntime(goOpts...)),
		loader.WithLogger(logger),
	), nil
}

// newManager builds the composer, the loader and the manager. Extra
// options are applied after the ones derived from cfg.
func newManager(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...pluginhost.ManagerOption) (*pluginhost.Manager, error) {
	composer, err := services.NewComposer(ctx, hostServices(cfg))
	if err != nil {
		return nil, oops.In("plughost").Wrapf(err, "build host services")
	}
	l, err := newLoader(cfg, composer, logger)
	if err != nil {
		return nil, err
	}
	roots, err := searchRoots(cfg)
	if err != nil {
		return nil, err
	}
	filter, err := discovery.CompileFilter(cfg.Plugins.Filter)
	if err != nil {
		return nil, err
	}

	opts := []pluginhost.ManagerOption{
		pluginhost.WithComposer(composer),
		pluginhost.WithTimeouts(cfg.Plugins.StartTimeout, cfg.Plugins.StopTimeout),
		pluginhost.WithDiscovery(discovery.Options{
			Roots:          roots,
			Filter:         filter,
			IncludeHostDir: cfg.Plugins.IncludeHostDir,
			Logger:         logger,
		}),
		pluginhost.WithDebounce(cfg.Plugins.Debounce),
		pluginhost.WithLogger(logger),
	}
	return pluginhost.NewManager(ctx, l, append(opts, extra...)...)
}

// openJournal opens the configured journal. The returned close function is
// never nil.
func openJournal(ctx context.Context, cfg config.Config, deps *Deps, logger *slog.Logger) (journal.Journal, func(), error) {
	switch cfg.Journal.Driver {
	case config.JournalPostgres:
		pg, err := deps.PostgresJournalOpener(ctx, cfg.Journal.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pruned, err := pg.Prune(ctx, cfg.Journal.Retain)
		if err != nil {
			pg.Close()
			return nil, nil, err
		}
		if pruned > 0 {
			logger.Info("pruned lifecycle journal", "removed", pruned, "retain", cfg.Journal.Retain)
		}
		return pg, pg.Close, nil
	default:
		return journal.NewMemory(cfg.Journal.Retain), func() {}, nil
	}
}
