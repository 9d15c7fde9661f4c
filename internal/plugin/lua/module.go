// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/pkg/plugin"
)

// errModuleClosed is returned by calls into a module whose state is gone.
var errModuleClosed = errors.New("lua module is unloaded")

// module is one Lua state holding one registered descriptor. Every call
// into the state holds mu; gopher-lua states are not goroutine safe.
type module struct {
	mu     sync.Mutex
	state  *lua.LState
	closed bool

	path          string
	logger        *slog.Logger
	desc          *descriptor
	registrations int
}

// Descriptor implements loader.Module.
func (m *module) Descriptor() plugin.Descriptor {
	if m.desc == nil {
		return nil
	}
	return m.desc
}

// Close implements loader.Module.
func (m *module) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.state.Close()
	return nil
}

// call runs fn with the arguments built by args and returns its results
// converted by conv. ctx is bound to the state for the duration.
func (m *module) call(
	ctx context.Context,
	fn *lua.LFunction,
	args func(L *lua.LState) []lua.LValue,
	conv func(results []lua.LValue) error,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errModuleClosed
	}

	L := m.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	var argv []lua.LValue
	if args != nil {
		argv = args(L)
	}

	base := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, argv...); err != nil {
		L.SetTop(base)
		return err
	}
	top := L.GetTop()
	results := make([]lua.LValue, 0, top-base)
	for i := base + 1; i <= top; i++ {
		results = append(results, L.Get(i))
	}
	L.SetTop(base)

	if conv == nil {
		return nil
	}
	return conv(results)
}

// with runs fn while holding the state.
func (m *module) with(fn func(L *lua.LState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errModuleClosed
	}
	return fn(m.state)
}

// callExported backs Function.Call.
func (m *module) callExported(ctx context.Context, fn *lua.LFunction, args []any) ([]any, error) {
	var out []any
	err := m.call(ctx, fn,
		func(L *lua.LState) []lua.LValue {
			argv := make([]lua.LValue, len(args))
			for i, a := range args {
				argv[i] = toLua(L, a)
			}
			return argv
		},
		func(results []lua.LValue) error {
			out = make([]any, 0, len(results))
			for _, r := range results {
				v, err := m.toGo(r, 0)
				if err != nil {
					return err
				}
				out = append(out, v)
			}
			return nil
		})
	return out, err
}

// failure interprets the "false, message" convention used by start and stop.
func failure(results []lua.LValue, what string) error {
	if len(results) == 0 || results[0] != lua.LFalse {
		return nil
	}
	if len(results) > 1 && results[1] != lua.LNil {
		return errors.New(lua.LVAsString(results[1]))
	}
	return fmt.Errorf("%s returned false", what)
}

// descriptor is the plugin.Descriptor a Lua module registers.
type descriptor struct {
	m *module

	name        string
	description string
	version     *semver.Version
	deps        []string

	services *lua.LFunction
	start    *lua.LFunction
	stop     *lua.LFunction
	dispose  *lua.LFunction

	disposeOnce sync.Once
	disposeErr  error
}

var _ plugin.Descriptor = (*descriptor)(nil)

func (d *descriptor) Name() string             { return d.name }
func (d *descriptor) Description() string      { return d.description }
func (d *descriptor) Version() *semver.Version { return d.version }
func (d *descriptor) Dependencies() []string   { return slices.Clone(d.deps) }

// ConfigureServices calls services(declare). Each declare(key, value) call
// adds a service; a function value is a constructor receiving lookup(key).
func (d *descriptor) ConfigureServices(spec *plugin.ServiceSpec) error {
	if d.services == nil {
		return nil
	}

	type decl struct {
		key   string
		value lua.LValue
	}
	var decls []decl

	err := d.m.call(context.Background(), d.services, func(L *lua.LState) []lua.LValue {
		declare := L.NewFunction(func(L *lua.LState) int {
			key := L.CheckString(1)
			decls = append(decls, decl{key: key, value: L.CheckAny(2)})
			return 0
		})
		return []lua.LValue{declare}
	}, nil)
	if err != nil {
		return err
	}

	for _, dc := range decls {
		if ctor, ok := dc.value.(*lua.LFunction); ok {
			spec.Add(dc.key, d.constructor(ctor))
			continue
		}
		var v any
		err := d.m.with(func(*lua.LState) error {
			var convErr error
			v, convErr = d.m.toGo(dc.value, 0)
			return convErr
		})
		if err != nil {
			return fmt.Errorf("service %q: %w", dc.key, err)
		}
		spec.AddInstance(dc.key, v)
	}
	return nil
}

func (d *descriptor) constructor(fn *lua.LFunction) plugin.Constructor {
	return func(ctx context.Context, l plugin.Lookup) (any, error) {
		var v any
		err := d.m.call(ctx, fn,
			func(L *lua.LState) []lua.LValue {
				return []lua.LValue{L.NewFunction(lookupFn(ctx, l))}
			},
			func(results []lua.LValue) error {
				if len(results) == 0 {
					return nil
				}
				var convErr error
				v, convErr = d.m.toGo(results[0], 0)
				return convErr
			})
		return v, err
	}
}

// lookupFn exposes l to Lua as lookup(key) -> value or nil.
func lookupFn(ctx context.Context, l plugin.Lookup) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if l == nil {
			L.Push(lua.LNil)
			return 1
		}
		v, ok := l.Lookup(ctx, key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(toLua(L, v))
		return 1
	}
}

// Start calls start(). It may return nothing or true to report success,
// false and a message to report failure, or a function that becomes the
// migration step.
func (d *descriptor) Start(ctx context.Context) plugin.StartResult {
	if d.start == nil {
		return plugin.Started()
	}
	var result plugin.StartResult
	err := d.m.call(ctx, d.start, nil, func(results []lua.LValue) error {
		if err := failure(results, "start"); err != nil {
			return err
		}
		if len(results) > 0 {
			if fn, ok := results[0].(*lua.LFunction); ok {
				result = plugin.StartedWithMigration(d.migration(fn))
			}
		}
		return nil
	})
	if err != nil {
		return plugin.StartFailed(err)
	}
	return result
}

func (d *descriptor) migration(fn *lua.LFunction) plugin.Migration {
	return func(ctx context.Context) error {
		return d.m.call(ctx, fn, nil, func(results []lua.LValue) error {
			return failure(results, "migration")
		})
	}
}

// Stop calls stop(shutdown).
func (d *descriptor) Stop(ctx context.Context, shutdown bool) error {
	if d.stop == nil {
		return nil
	}
	return d.m.call(ctx, d.stop,
		func(*lua.LState) []lua.LValue { return []lua.LValue{lua.LBool(shutdown)} },
		func(results []lua.LValue) error { return failure(results, "stop") })
}

// Dispose calls dispose() at most once.
func (d *descriptor) Dispose(ctx context.Context) error {
	d.disposeOnce.Do(func() {
		if d.dispose == nil {
			return
		}
		d.disposeErr = d.m.call(ctx, d.dispose, nil, func(results []lua.LValue) error {
			return failure(results, "dispose")
		})
	})
	return d.disposeErr
}
