// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/pkg/plugin"
)

// Extension is the file extension of Lua modules.
const Extension = ".lua"

// apiGlobal is the global table modules use to talk to the host.
const apiGlobal = "plughost"

// libDir is the directory, next to a module or under the install
// directory, holding Lua libraries for require.
const libDir = "lib"

// requireName matches dotted Lua module names such as "util" or "acme.text".
var requireName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

var _ loader.Runtime = (*Runtime)(nil)

// Runtime opens Lua modules. Each module gets its own sandboxed state.
type Runtime struct {
	factory    *StateFactory
	lookup     plugin.Lookup
	shared     map[string]lua.LGFunction
	installDir string
	logger     *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLookup exposes host services to modules through plughost.service.
func WithLookup(l plugin.Lookup) Option {
	return func(r *Runtime) { r.lookup = l }
}

// WithSharedModule registers a host-provided Lua module. A require of name
// from any module returns this module instead of a file.
func WithSharedModule(name string, open lua.LGFunction) Option {
	return func(r *Runtime) { r.shared[name] = open }
}

// WithInstallDir sets the installation directory whose lib/ subdirectory is
// the last place require looks.
func WithInstallDir(dir string) Option {
	return func(r *Runtime) { r.installDir = dir }
}

// WithLogger sets the logger used for plughost.log.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime creates a Lua runtime. The semver module is always shared.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		factory: NewStateFactory(),
		shared:  map[string]lua.LGFunction{"semver": openSemver},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements loader.Runtime.
func (r *Runtime) Name() string { return "lua" }

// Match implements loader.Runtime.
func (r *Runtime) Match(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Open runs the module chunk in a fresh state. The chunk must call
// plughost.register exactly once.
func (r *Runtime) Open(ctx context.Context, src loader.Source) (loader.Module, error) {
	L, err := r.factory.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").With("path", src.Path).Hint("failed to create state").Wrap(err)
	}

	m := &module{
		state:  L,
		path:   src.Path,
		logger: r.logger.With("path", src.Path),
	}
	r.installAPI(m)
	L.SetGlobal("require", L.NewFunction(r.require(src.Dir)))

	fail := func(err error) (loader.Module, error) {
		L.Close()
		return nil, err
	}

	chunk, err := L.Load(bytes.NewReader(src.Code), "@"+filepath.Base(src.Path))
	if err != nil {
		return fail(oops.In("lua").With("path", src.Path).Hint("syntax error").Wrap(err))
	}
	L.Push(chunk)
	if err := L.PCall(0, 0, nil); err != nil {
		return fail(oops.In("lua").With("path", src.Path).Hint("module chunk failed").Wrap(err))
	}
	L.RemoveContext()

	switch {
	case m.registrations == 0:
		return fail(loader.NotAPlugin(src.Path, "%s never calls %s.register", filepath.Base(src.Path), apiGlobal))
	case m.registrations > 1:
		return fail(loader.NotAPlugin(src.Path, "%s calls %s.register %d times", filepath.Base(src.Path), apiGlobal, m.registrations))
	}
	return m, nil
}

// installAPI sets the plughost global for m.
func (r *Runtime) installAPI(m *module) {
	L := m.state
	api := L.NewTable()
	L.SetFuncs(api, map[string]lua.LGFunction{
		"register": m.register,
		"service":  r.serviceFn(),
		"log":      m.logFn,
	})
	L.SetGlobal(apiGlobal, api)
}

// serviceFn backs plughost.service(key). It uses the state's bound context.
func (r *Runtime) serviceFn() lua.LGFunction {
	return func(L *lua.LState) int {
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return lookupFn(ctx, r.lookup)(L)
	}
}

// register backs plughost.register{...}.
func (m *module) register(L *lua.LState) int {
	t := L.CheckTable(1)
	m.registrations++
	if m.registrations > 1 {
		return 0
	}

	d := &descriptor{m: m}
	d.name = lua.LVAsString(t.RawGetString("name"))
	d.description = lua.LVAsString(t.RawGetString("description"))

	rawVersion := lua.LVAsString(t.RawGetString("version"))
	if rawVersion == "" {
		L.ArgError(1, "version is required")
		return 0
	}
	v, err := semver.NewVersion(rawVersion)
	if err != nil {
		L.ArgError(1, fmt.Sprintf("invalid version %q: %v", rawVersion, err))
		return 0
	}
	d.version = v

	switch deps := t.RawGetString("dependencies").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		for i := 1; i <= deps.Len(); i++ {
			s, ok := deps.RawGetInt(i).(lua.LString)
			if !ok {
				L.ArgError(1, fmt.Sprintf("dependencies[%d] must be a string", i))
				return 0
			}
			d.deps = append(d.deps, string(s))
		}
	default:
		L.ArgError(1, "dependencies must be a list of names")
		return 0
	}

	for field, dst := range map[string]**lua.LFunction{
		"services": &d.services,
		"start":    &d.start,
		"stop":     &d.stop,
		"dispose":  &d.dispose,
	} {
		switch fn := t.RawGetString(field).(type) {
		case *lua.LNilType:
		case *lua.LFunction:
			*dst = fn
		default:
			L.ArgError(1, field+" must be a function")
			return 0
		}
	}

	m.desc = d
	return 0
}

// logFn backs plughost.log(level, message).
func (m *module) logFn(L *lua.LState) int {
	level := L.CheckString(1)
	message := L.CheckString(2)

	logger := m.logger
	if m.desc != nil {
		logger = logger.With("plugin", m.desc.name)
	}
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	switch level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		logger.InfoContext(ctx, message)
	}
	return 0
}

// require resolves a library in order: a host shared module, a file in the
// module's own directory, then the installation's lib directory. Each state
// loads a library at most once.
func (r *Runtime) require(moduleDir string) lua.LGFunction {
	loaded := make(map[string]lua.LValue)
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := loaded[name]; ok {
			L.Push(v)
			return 1
		}
		if !requireName.MatchString(name) {
			L.ArgError(1, fmt.Sprintf("invalid module name %q", name))
			return 0
		}

		var value lua.LValue
		if open, ok := r.shared[name]; ok {
			L.Push(L.NewFunction(open))
			L.Push(lua.LString(name))
			L.Call(1, 1)
			value = L.Get(-1)
			L.Pop(1)
		} else {
			path, ok := r.resolve(moduleDir, name)
			if !ok {
				L.RaiseError("module %q not found", name)
				return 0
			}
			code, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				L.RaiseError("module %q: %v", name, err)
				return 0
			}
			chunk, err := L.Load(bytes.NewReader(code), "@"+path)
			if err != nil {
				L.RaiseError("module %q: %v", name, err)
				return 0
			}
			L.Push(chunk)
			L.Push(lua.LString(name))
			L.Call(1, 1)
			value = L.Get(-1)
			L.Pop(1)
		}

		if value == lua.LNil {
			value = lua.LTrue
		}
		loaded[name] = value
		L.Push(value)
		return 1
	}
}

// resolve finds the file for a dotted library name.
func (r *Runtime) resolve(moduleDir, name string) (string, bool) {
	rel := strings.ReplaceAll(name, ".", string(filepath.Separator)) + Extension
	candidates := []string{
		filepath.Join(moduleDir, rel),
		filepath.Join(moduleDir, libDir, rel),
	}
	if r.installDir != "" {
		candidates = append(candidates, filepath.Join(r.installDir, libDir, rel))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

// openSemver is the shared "semver" module.
//
//	local semver = require("semver")
//	semver.compare("1.2.0", "1.10.0")    -- -1
//	semver.satisfies("1.4.2", ">= 1.2")  -- true
func openSemver(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"valid": func(L *lua.LState) int {
			_, err := semver.NewVersion(L.CheckString(1))
			L.Push(lua.LBool(err == nil))
			return 1
		},
		"compare": func(L *lua.LState) int {
			a, err := semver.NewVersion(L.CheckString(1))
			if err != nil {
				L.ArgError(1, err.Error())
				return 0
			}
			b, err := semver.NewVersion(L.CheckString(2))
			if err != nil {
				L.ArgError(2, err.Error())
				return 0
			}
			L.Push(lua.LNumber(a.Compare(b)))
			return 1
		},
		"satisfies": func(L *lua.LState) int {
			v, err := semver.NewVersion(L.CheckString(1))
			if err != nil {
				L.ArgError(1, err.Error())
				return 0
			}
			c, err := semver.NewConstraint(L.CheckString(2))
			if err != nil {
				L.ArgError(2, err.Error())
				return 0
			}
			L.Push(lua.LBool(c.Check(v)))
			return 1
		},
	})
	L.Push(mod)
	return 1
}
