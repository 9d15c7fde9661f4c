// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/holomush/plughost/internal/journal"
	"github.com/holomush/plughost/internal/observability"
	pluginhost "github.com/holomush/plughost/internal/plugin"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// PostgresJournalOpener connects to the journal database.
	// Default: journal.OpenPostgres
	PostgresJournalOpener func(ctx context.Context, url string) (PostgresJournal, error)

	// MigratorFactory creates a journal schema migrator.
	// Default: journal.NewMigrator
	MigratorFactory func(url string) (Migrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// OnReady is called once the initial load has finished.
	OnReady func(m *pluginhost.Manager)
}

// PostgresJournal wraps the methods used from journal.Postgres.
type PostgresJournal interface {
	journal.Journal
	Prune(ctx context.Context, keep int) (int64, error)
	Close()
}

// Migrator wraps the methods used from journal.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Pending() ([]uint, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.PluginMetrics
	SetModuleLister(l observability.ModuleLister)
}

// withDefaults returns a copy of d with every nil field set.
func (d *Deps) withDefaults() *Deps {
	out := &Deps{}
	if d != nil {
		*out = *d
	}
	if out.PostgresJournalOpener == nil {
		out.PostgresJournalOpener = func(ctx context.Context, url string) (PostgresJournal, error) {
			return journal.OpenPostgres(ctx, url)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(url string) (Migrator, error) {
			return journal.NewMigrator(url)
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if out.OnReady == nil {
		out.OnReady = func(*pluginhost.Manager) {}
	}
	return out
}
