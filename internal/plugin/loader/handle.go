// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/plughost/pkg/plugin"
)

// ErrHandleReleased is returned when a released handle is dereferenced.
var ErrHandleReleased = errors.New("module handle released")

// Module is a loaded module inside its own isolation context.
type Module interface {
	// Descriptor returns the module's single entry point.
	Descriptor() plugin.Descriptor
	// Close reclaims the isolation context. Nothing loaded from it may be
	// used afterwards.
	Close(ctx context.Context) error
}

// Handle is the host's only reference to a loaded module. Once Release is
// called the handle reports released and every dereference fails, even
// while the isolation context is still being torn down.
type Handle struct {
	id       ulid.ULID
	path     string
	identity string
	runtime  string
	mod      Module

	released    atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

func newHandle(path, identity, runtime string, mod Module) *Handle {
	return &Handle{
		id:       ulid.Make(),
		path:     path,
		identity: identity,
		runtime:  runtime,
		mod:      mod,
	}
}

// ID is unique per load; a reload of the same file gets a new ID.
func (h *Handle) ID() ulid.ULID { return h.id }

// Path is the file the module was loaded from.
func (h *Handle) Path() string { return h.path }

// Identity is the file name without its extension.
func (h *Handle) Identity() string { return h.identity }

// Runtime names the runtime that opened the module.
func (h *Handle) Runtime() string { return h.runtime }

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// Module returns the loaded module, or ErrHandleReleased.
func (h *Handle) Module() (Module, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.mod, nil
}

// Release expires the handle and reclaims the isolation context. Only the
// first call does work; later calls return its result.
func (h *Handle) Release(ctx context.Context) error {
	h.released.Store(true)
	h.releaseOnce.Do(func() {
		h.releaseErr = h.mod.Close(ctx)
	})
	return h.releaseErr
}
