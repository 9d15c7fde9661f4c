// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"slices"
)

// Lookup resolves a service by key. Absence is reported with ok == false,
// never with an error.
type Lookup interface {
	Lookup(ctx context.Context, key string) (svc any, ok bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, key string) (any, bool)

// Lookup implements Lookup.
func (f LookupFunc) Lookup(ctx context.Context, key string) (any, bool) {
	return f(ctx, key)
}

// Resolve looks up key and asserts the result to T.
// A present service of the wrong type is reported as absent.
func Resolve[T any](ctx context.Context, l Lookup, key string) (T, bool) {
	var zero T
	if l == nil {
		return zero, false
	}
	raw, ok := l.Lookup(ctx, key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Constructor builds a service. lookup sees the services declared earlier in
// the same spec first, then everything the host already exposes.
type Constructor func(ctx context.Context, lookup Lookup) (any, error)

// ServiceDecl is one declared service.
type ServiceDecl struct {
	Key       string
	Construct Constructor
}

// ServiceSpec collects the services a module declares during
// ConfigureServices. Declaration order is construction order.
type ServiceSpec struct {
	decls []ServiceDecl
}

// NewServiceSpec returns an empty spec.
func NewServiceSpec() *ServiceSpec {
	return &ServiceSpec{}
}

// Add declares a service built by c.
func (s *ServiceSpec) Add(key string, c Constructor) *ServiceSpec {
	s.decls = append(s.decls, ServiceDecl{Key: key, Construct: c})
	return s
}

// AddInstance declares an already built service.
func (s *ServiceSpec) AddInstance(key string, v any) *ServiceSpec {
	return s.Add(key, func(context.Context, Lookup) (any, error) {
		return v, nil
	})
}

// Declarations returns the declared services in declaration order.
func (s *ServiceSpec) Declarations() []ServiceDecl {
	if s == nil {
		return nil
	}
	return slices.Clone(s.decls)
}

// Len returns the number of declarations.
func (s *ServiceSpec) Len() int {
	if s == nil {
		return 0
	}
	return len(s.decls)
}
