// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package discovery_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin/discovery"
)

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string) string {
	t.Helper()
	mkdirAll(t, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	return path
}

func TestCompileFilter(t *testing.T) {
	f, err := discovery.CompileFilter("")
	require.NoError(t, err)
	assert.Equal(t, discovery.DefaultFilter, f.String())
	assert.True(t, f.Match("/a/b/echo.lua"))
	assert.True(t, f.Match("echo.plugin"))
	assert.False(t, f.Match("echo.txt"))
	assert.False(t, f.Match("/a/lua/readme"))

	_, err = discovery.CompileFilter("[")
	assert.Error(t, err)

	assert.False(t, discovery.Filter{}.Match("x.lua"), "zero filter matches nothing")
}

func TestDiscover_WalksRootsRecursively(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, filepath.Join(root, "a.lua"))
	b := writeFile(t, filepath.Join(root, "nested", "deeper", "b.plugin"))
	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, filepath.Join(root, "alpha", "lib", "helper.lua"))
	writeFile(t, filepath.Join(root, ".git", "hook.lua"))

	got := discovery.Collect(discovery.Options{
		Roots:  []string{root},
		Filter: discovery.MustFilter(discovery.DefaultFilter),
	})
	want := []string{a, b}
	slices.Sort(want)
	assert.Equal(t, want, got)
}

func TestDiscover_SkipsMissingRoots(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, filepath.Join(root, "a.lua"))

	got := discovery.Collect(discovery.Options{
		Roots:  []string{filepath.Join(root, "missing"), root, root},
		Filter: discovery.MustFilter(discovery.DefaultFilter),
	})
	assert.Equal(t, []string{a}, got, "duplicate roots are walked once")
}

func TestDiscover_IsLazyAndRestartable(t *testing.T) {
	root := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(root, n+".lua"))
	}
	seq := discovery.Discover(discovery.Options{
		Roots:  []string{root},
		Filter: discovery.MustFilter(discovery.DefaultFilter),
	})

	count := 0
	for range seq {
		count++
		break
	}
	assert.Equal(t, 1, count, "consumer can stop early")

	writeFile(t, filepath.Join(root, "d.lua"))
	assert.Len(t, slices.Collect(seq), 4, "each iteration walks again")
}

func TestDiscover_CustomFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.lua"))
	p := writeFile(t, filepath.Join(root, "mod-b.plugin"))

	got := discovery.Collect(discovery.Options{
		Roots:  []string{root},
		Filter: discovery.MustFilter("mod-*"),
	})
	assert.Equal(t, []string{p}, got)
}

func TestHostDir(t *testing.T) {
	dir, err := discovery.HostDir()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
}

func TestSkipDir(t *testing.T) {
	assert.True(t, discovery.SkipDir("lib"))
	assert.True(t, discovery.SkipDir(".cache"))
	assert.False(t, discovery.SkipDir("plugins"))
}
