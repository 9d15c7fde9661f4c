// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package services

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/plugin"
)

// HostRegistry is the name of the registry holding the host's own services.
const HostRegistry = "host"

// Composer answers lookups across the host registry and every module
// registry. The host registry is consulted first, then module registries in
// the order they were added; the first match wins.
type Composer struct {
	mu     sync.RWMutex
	order  []*Registry
	byName map[string]*Registry
}

var _ plugin.Lookup = (*Composer)(nil)

// NewComposer builds the host registry from host and returns a composer
// containing only it. host may be nil.
func NewComposer(ctx context.Context, host *plugin.ServiceSpec) (*Composer, error) {
	reg, err := Build(ctx, HostRegistry, host, nil)
	if err != nil {
		return nil, err
	}
	return &Composer{
		order:  []*Registry{reg},
		byName: map[string]*Registry{HostRegistry: reg},
	}, nil
}

// Lookup implements plugin.Lookup. It never fails; absence is (nil, false).
func (c *Composer) Lookup(_ context.Context, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.order {
		if v, ok := r.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// AddRegistry builds a registry for name from spec and appends it to the
// lookup chain. Constructors resolve against their own earlier services,
// then the composer as it stands. Fails if name is already registered.
func (c *Composer) AddRegistry(ctx context.Context, name string, spec *plugin.ServiceSpec) (*Registry, error) {
	if c.has(name) {
		return nil, duplicateRegistry(name)
	}

	// Build outside the lock; constructors may call Lookup.
	reg, err := Build(ctx, name, spec, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.byName[name]; exists {
		c.mu.Unlock()
		_ = reg.Dispose(ctx) //nolint:errcheck // duplicate error takes precedence
		return nil, duplicateRegistry(name)
	}
	c.order = append(c.order, reg)
	c.byName[name] = reg
	c.mu.Unlock()

	return reg, nil
}

// RemoveRegistry detaches and disposes the registry for name. Removing an
// unknown name is a no-op. The host registry cannot be removed this way.
func (c *Composer) RemoveRegistry(ctx context.Context, name string) error {
	if name == HostRegistry {
		return oops.In("services").With("registry", name).Errorf("host registry cannot be removed")
	}

	c.mu.Lock()
	reg, ok := c.byName[name]
	if ok {
		delete(c.byName, name)
		c.order = slices.DeleteFunc(c.order, func(r *Registry) bool { return r == reg })
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return reg.Dispose(ctx)
}

// Has reports whether a registry named name is present.
func (c *Composer) Has(name string) bool { return c.has(name) }

func (c *Composer) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byName[name]
	return ok
}

// Registries returns registry names in lookup order, host first.
func (c *Composer) Registries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.order))
	for i, r := range c.order {
		names[i] = r.Name()
	}
	return names
}

// Close disposes every registry, newest first, host last.
func (c *Composer) Close(ctx context.Context) error {
	c.mu.Lock()
	regs := c.order
	c.order = nil
	clear(c.byName)
	c.mu.Unlock()

	var errs []error
	for _, r := range slices.Backward(regs) {
		if err := r.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func duplicateRegistry(name string) error {
	return oops.In("services").Code(CodeDuplicateRegistry).With("registry", name).
		Errorf("registry %q already exists", name)
}
