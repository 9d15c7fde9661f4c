// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Metadata is the identifying part of a descriptor.
type Metadata struct {
	Name         string
	Description  string
	Version      *semver.Version
	Dependencies []string
}

// Base gives a Descriptor no-op lifecycle defaults. Embed it and override
// what the module needs.
//
//	type Greeter struct{ plugin.Base }
//
//	func New() *Greeter {
//		return &Greeter{Base: plugin.Base{Meta: plugin.Metadata{
//			Name:    "greeter",
//			Version: semver.MustParse("1.0.0"),
//		}}}
//	}
type Base struct {
	Meta Metadata
	// OnDispose, when set, runs on the first Dispose call only.
	OnDispose func(ctx context.Context) error

	disposeOnce sync.Once
	disposeErr  error
}

// Name implements Descriptor.
func (b *Base) Name() string { return b.Meta.Name }

// Description implements Descriptor.
func (b *Base) Description() string { return b.Meta.Description }

// Version implements Descriptor.
func (b *Base) Version() *semver.Version { return b.Meta.Version }

// Dependencies implements Descriptor.
func (b *Base) Dependencies() []string { return slices.Clone(b.Meta.Dependencies) }

// ConfigureServices implements Descriptor.
func (b *Base) ConfigureServices(*ServiceSpec) error { return nil }

// Start implements Descriptor.
func (b *Base) Start(context.Context) StartResult { return Started() }

// Stop implements Descriptor.
func (b *Base) Stop(context.Context, bool) error { return nil }

// Dispose implements Descriptor. Later calls return the first call's result.
func (b *Base) Dispose(ctx context.Context) error {
	b.disposeOnce.Do(func() {
		if b.OnDispose != nil {
			b.disposeErr = b.OnDispose(ctx)
		}
	})
	return b.disposeErr
}
