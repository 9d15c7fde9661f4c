// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua runs modules written in Lua, one sandboxed state per module.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions reach the filesystem or compile arbitrary chunks.
// The runtime installs its own require.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// Stack limits for module states. The registry grows in steps up to
// registryMaxSize slots; past that a module fails with a stack overflow.
const (
	callStackSize   = 256
	registrySize    = 1024 * 4
	registryMaxSize = 1024 * 256
)

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	libraries       []safeLibrary
	callStackSize   int
	registryMaxSize int
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries:       defaultSafeLibraries(),
		callStackSize:   callStackSize,
		registryMaxSize: registryMaxSize,
	}
}

// NewState creates a fresh Lua state with only safe libraries loaded.
// The state is bound to ctx until the caller replaces or removes it, so a
// cancelled ctx aborts a runaway top-level chunk.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       f.callStackSize,
		RegistrySize:        registrySize,
		RegistryMaxSize:     f.registryMaxSize,
		RegistryGrowStep:    registrySize,
		MinimizeStackMemory: true,
	})

	for _, lib := range f.libraries {
		open := lua.P{Fn: L.NewFunction(lib.fn), Protect: true}
		if err := L.CallByParam(open, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open %s library: %w", lib.name, err)
		}
	}
	for _, name := range unsafeBaseFunctions {
		L.SetGlobal(name, lua.LNil)
	}

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
