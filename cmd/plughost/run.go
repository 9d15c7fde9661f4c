// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/journal"
	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/internal/observability"
	pluginhost "github.com/holomush/plughost/internal/plugin"
)

const shutdownTimeout = 30 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load every module and keep them running",
		Long: `Discover and start every module under the search paths, then watch
the search paths and reload modules as their files change. SIGINT or
SIGTERM unloads every module, dependents first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, cmd, deps)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runWithDeps runs the host until ctx is cancelled or a signal arrives.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *Deps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logging.SetDefault(logging.Options{
		Service: "plughost",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	j, closeJournal, err := openJournal(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	opts := []pluginhost.ManagerOption{pluginhost.WithObserver(journal.Observer(j, logger))}

	// The server starts before the manager exists so its metrics can be
	// passed to the manager as the recorder.
	var current atomic.Pointer[pluginhost.Manager]
	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, func() bool {
			m := current.Load()
			return m != nil && m.Ready()
		}, logger)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.In("plughost").Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
		opts = append(opts, pluginhost.WithRecorder(obsServer.Metrics()))
	}

	manager, err := newManager(ctx, cfg, logger, opts...)
	if err != nil {
		stopObservability(obsServer, logger)
		return err
	}
	current.Store(manager)
	if obsServer != nil {
		obsServer.SetModuleLister(func() []observability.ModuleStatus { return moduleStatuses(manager) })
	}

	logger.Info("starting plugin host", "journal", cfg.Journal.Driver, "watch", cfg.Plugins.Watch)
	if err := manager.LoadAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("initial load interrupted", "error", err)
	}
	cmd.Printf("plughost running with %d modules\n", len(manager.List()))
	deps.OnReady(manager)

	watchDone := make(chan struct{})
	if cfg.Plugins.Watch {
		go func() {
			defer close(watchDone)
			if err := manager.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("plugin watcher stopped, triggering shutdown", "error", err)
				cancel()
			}
		}()
	} else {
		close(watchDone)
	}

	<-ctx.Done()
	logger.Info("shutting down plugin host")
	<-watchDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	closeErr := manager.Close(shutdownCtx)
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return closeErr
}

// moduleStatuses reports the active modules sorted by name.
func moduleStatuses(m *pluginhost.Manager) []observability.ModuleStatus {
	recs := m.List()
	out := make([]observability.ModuleStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, observability.ModuleStatus{
			Name:       rec.Name,
			Version:    rec.Descriptor.Version().String(),
			State:      rec.State().String(),
			Runtime:    rec.Handle.Runtime(),
			Path:       rec.Path,
			Dependents: m.Dependents(rec.Name),
			LoadedAt:   rec.LoadedAt,
		})
	}
	return out
}

func stopObservability(s ObservabilityServer, logger *slog.Logger) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels the host when a server fails. It exits when
// the channel closes or ctx is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
