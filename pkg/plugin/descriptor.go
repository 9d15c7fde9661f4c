// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the contract between the plughost runtime and the
// modules it loads.
//
// A module exposes exactly one Descriptor. The host drives it through
// ConfigureServices, Start, an optional migration step, Stop, and Dispose,
// in that order.
package plugin

import (
	"context"

	"github.com/Masterminds/semver/v3"
)

// Descriptor is the single entry point a module exposes to the host.
type Descriptor interface {
	// Name is the unique, stable module name.
	Name() string
	// Description is human readable and may be empty.
	Description() string
	// Version is the module's semantic version.
	Version() *semver.Version
	// Dependencies lists the names of modules this module requires at start.
	Dependencies() []string

	// ConfigureServices declares the services this module contributes.
	// Called once, before Start.
	ConfigureServices(spec *ServiceSpec) error
	// Start brings the module up. A successful result may carry a migration
	// step the host runs afterwards.
	Start(ctx context.Context) StartResult
	// Stop brings the module down. shutdown is true when the whole host is
	// shutting down rather than this module alone being unloaded.
	Stop(ctx context.Context, shutdown bool) error
	// Dispose releases remaining resources. Must be safe to call more than once.
	Dispose(ctx context.Context) error
}

// Migration is a data or schema step that runs after a successful Start.
type Migration func(ctx context.Context) error

// StartResult is the outcome of Descriptor.Start.
type StartResult struct {
	// Err is non-nil when the start failed.
	Err error
	// Migration is optional; nil means there is nothing to migrate.
	Migration Migration
}

// Started reports a successful start with no migration.
func Started() StartResult {
	return StartResult{}
}

// StartedWithMigration reports a successful start whose migration step the
// host should run next.
func StartedWithMigration(m Migration) StartResult {
	return StartResult{Migration: m}
}

// StartFailed reports a failed start.
func StartFailed(err error) StartResult {
	return StartResult{Err: err}
}

// OK reports whether the start succeeded.
func (r StartResult) OK() bool {
	return r.Err == nil
}

// Migrate runs the migration step, treating a missing step as success.
func (r StartResult) Migrate(ctx context.Context) error {
	if r.Migration == nil {
		return nil
	}
	return r.Migration(ctx)
}
