// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds recursion when converting nested tables.
const maxConvertDepth = 32

// Function is a Lua function exported by a module as a service. Calls run
// inside the owning module's state and fail once that module is unloaded.
type Function struct {
	owner *module
	fn    *lua.LFunction
}

// Call invokes the function with Go arguments and returns its results.
func (f *Function) Call(ctx context.Context, args ...any) ([]any, error) {
	return f.owner.callExported(ctx, f.fn, args)
}

// toGo converts a Lua value into plain Go data. Tables with only positive
// integer keys 1..n become []any; other tables become map[string]any.
func (m *module) toGo(v lua.LValue, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LFunction:
		return &Function{owner: m, fn: val}, nil
	case *lua.LUserData:
		return val.Value, nil
	case *lua.LTable:
		return m.tableToGo(val, depth)
	default:
		return nil, fmt.Errorf("unsupported Lua value of type %s", v.Type())
	}
}

func (m *module) tableToGo(t *lua.LTable, depth int) (any, error) {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := m.toGo(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i-1] = v
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		if k.Type() != lua.LTString && k.Type() != lua.LTNumber {
			convErr = fmt.Errorf("table key of type %s cannot be converted", k.Type())
			return
		}
		gv, err := m.toGo(v, depth+1)
		if err != nil {
			convErr = err
			return
		}
		out[lua.LVAsString(k)] = gv
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

// toLua converts Go data into a value usable in L. Functions exported by the
// module that owns L are passed through unchanged; functions from other
// modules become proxies that call across.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		t := L.CreateTable(len(val), 0)
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, x := range val {
			t.Append(toLua(L, x))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	case *Function:
		if val.owner.state == L {
			return val.fn
		}
		return L.NewFunction(proxy(val))
	default:
		ud := L.NewUserData()
		ud.Value = v
		return ud
	}
}

// proxy wraps a foreign module's function so it can be called from another
// state.
func proxy(f *Function) lua.LGFunction {
	return func(L *lua.LState) int {
		args := make([]any, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			if L.Get(i).Type() == lua.LTFunction {
				L.ArgError(i, "functions cannot be passed to another module")
				return 0
			}
			v, err := f.owner.toGo(L.Get(i), 0)
			if err != nil {
				L.ArgError(i, err.Error())
				return 0
			}
			args = append(args, v)
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		results, err := f.Call(ctx, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		for _, r := range results {
			L.Push(toLua(L, r))
		}
		return len(results)
	}
}
