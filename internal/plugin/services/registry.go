// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package services composes per-module service registries behind a single
// lookup with a fixed fallback order.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/plugin"
)

// Error codes returned by this package.
const (
	CodeDuplicateService   = "DUPLICATE_SERVICE"
	CodeConstructionFailed = "SERVICE_CONSTRUCTION_FAILED"
	CodeDuplicateRegistry  = "DUPLICATE_REGISTRY"
	CodeDisposeFailed      = "SERVICE_DISPOSE_FAILED"
)

// Registry is an immutable set of constructed services owned by one module
// or by the host.
type Registry struct {
	name   string
	keys   []string
	values map[string]any

	disposeOnce sync.Once
	disposeErr  error
}

// Build constructs every service in spec, in declaration order. Each
// constructor resolves against the services built before it, then parent.
// On failure, services already built are disposed before returning.
func Build(ctx context.Context, name string, spec *plugin.ServiceSpec, parent plugin.Lookup) (*Registry, error) {
	r := &Registry{
		name:   name,
		values: make(map[string]any, spec.Len()),
	}

	scoped := plugin.LookupFunc(func(ctx context.Context, key string) (any, bool) {
		if v, ok := r.values[key]; ok {
			return v, true
		}
		if parent == nil {
			return nil, false
		}
		return parent.Lookup(ctx, key)
	})

	for _, decl := range spec.Declarations() {
		errb := oops.In("services").Code(CodeConstructionFailed).With("registry", name).With("service", decl.Key)
		if _, dup := r.values[decl.Key]; dup {
			r.abort(ctx)
			return nil, oops.In("services").Code(CodeDuplicateService).With("registry", name).With("service", decl.Key).
				Errorf("service %q declared more than once", decl.Key)
		}
		if decl.Construct == nil {
			r.abort(ctx)
			return nil, errb.Errorf("service %q has no constructor", decl.Key)
		}
		v, err := construct(ctx, decl.Construct, scoped)
		if err != nil {
			r.abort(ctx)
			return nil, errb.Wrap(err)
		}
		r.keys = append(r.keys, decl.Key)
		r.values[decl.Key] = v
	}
	return r, nil
}

// construct runs c, turning a panic into an error.
func construct(ctx context.Context, c plugin.Constructor, l plugin.Lookup) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("constructor panicked: %v", rec)
		}
	}()
	return c(ctx, l)
}

func (r *Registry) abort(ctx context.Context) {
	// Best effort: the construction error is the one reported.
	_ = r.Dispose(ctx) //nolint:errcheck // construction error takes precedence
}

// Name returns the registry name.
func (r *Registry) Name() string { return r.name }

// Get returns the service registered under key.
func (r *Registry) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns service keys in construction order.
func (r *Registry) Keys() []string { return slices.Clone(r.keys) }

// Disposer is implemented by services that need a context to release
// their resources. It takes precedence over io.Closer.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// Dispose releases every service implementing Disposer or io.Closer,
// newest first. Safe to call more than once.
func (r *Registry) Dispose(ctx context.Context) error {
	r.disposeOnce.Do(func() {
		var errs []error
		for _, key := range slices.Backward(r.keys) {
			switch v := r.values[key].(type) {
			case Disposer:
				if err := v.Dispose(ctx); err != nil {
					errs = append(errs, fmt.Errorf("dispose %q: %w", key, err))
				}
			case io.Closer:
				if err := v.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close %q: %w", key, err))
				}
			}
		}
		if err := errors.Join(errs...); err != nil {
			r.disposeErr = oops.In("services").Code(CodeDisposeFailed).With("registry", r.name).Wrap(err)
		}
	})
	return r.disposeErr
}
