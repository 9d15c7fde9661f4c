// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	luavm "github.com/yuin/gopher-lua"
)

func TestNewState_LibraryLoadError(t *testing.T) {
	failingLoader := func(L *luavm.LState) int {
		L.RaiseError("simulated library load failure")
		return 0
	}

	factory := &StateFactory{
		libraries: []safeLibrary{{"failing-lib", failingLoader}},
	}

	_, err := factory.NewState(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open failing-lib library")
}

func TestDefaultSafeLibraries(t *testing.T) {
	var names []string
	for _, lib := range defaultSafeLibraries() {
		names = append(names, lib.name)
	}
	assert.ElementsMatch(t, []string{
		luavm.BaseLibName, luavm.TabLibName, luavm.StringLibName, luavm.MathLibName,
	}, names)
}

func TestFailureConvention(t *testing.T) {
	assert.NoError(t, failure(nil, "start"))
	assert.NoError(t, failure([]luavm.LValue{luavm.LTrue}, "start"))
	assert.NoError(t, failure([]luavm.LValue{luavm.LNil}, "start"))
	assert.EqualError(t, failure([]luavm.LValue{luavm.LFalse}, "stop"), "stop returned false")
	assert.EqualError(t, failure([]luavm.LValue{luavm.LFalse, luavm.LString("db down")}, "start"), "db down")
}

func TestRequireNamePattern(t *testing.T) {
	for _, ok := range []string{"util", "acme.text", "_private"} {
		assert.True(t, requireName.MatchString(ok), ok)
	}
	for _, bad := range []string{"../etc", "a..b", "/abs", "a/b", "", "1x"} {
		assert.False(t, requireName.MatchString(bad), bad)
	}
}
