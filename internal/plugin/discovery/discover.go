// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package discovery finds module files under search roots and watches those
// roots for changes.
package discovery

import (
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// DefaultFilter matches Lua and binary modules.
const DefaultFilter = "*.{lua,plugin}"

// LibDir holds module-private libraries. Files below it are never modules.
const LibDir = "lib"

// Filter selects module files by base name.
type Filter struct {
	pattern string
	g       glob.Glob
}

// CompileFilter compiles a glob pattern matched against file base names.
// An empty pattern means DefaultFilter.
func CompileFilter(pattern string) (Filter, error) {
	if pattern == "" {
		pattern = DefaultFilter
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return Filter{}, oops.In("discovery").With("filter", pattern).Wrapf(err, "invalid filter")
	}
	return Filter{pattern: pattern, g: g}, nil
}

// MustFilter is CompileFilter for constant patterns.
func MustFilter(pattern string) Filter {
	f, err := CompileFilter(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether path's base name matches.
func (f Filter) Match(path string) bool {
	if f.g == nil {
		return false
	}
	return f.g.Match(filepath.Base(path))
}

func (f Filter) String() string { return f.pattern }

// IsZero reports whether f was never compiled.
func (f Filter) IsZero() bool { return f.g == nil }

// HostDir is the directory of the running executable.
func HostDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", oops.In("discovery").Wrapf(err, "locate executable")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// Options configures discovery.
type Options struct {
	Roots  []string
	Filter Filter
	// IncludeHostDir adds the executable's directory. It is scanned without
	// recursion.
	IncludeHostDir bool
	Logger         *slog.Logger
}

// Discover yields the paths of module files under the roots. The sequence
// is lazy and restartable: each iteration walks the file system again.
// Missing roots are skipped with a warning. Directories named lib and
// hidden directories are not descended into.
func Discover(opts Options) iter.Seq[string] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(string) bool) {
		seen := make(map[string]bool)
		for _, root := range opts.Roots {
			abs, err := filepath.Abs(root)
			if err != nil {
				logger.Warn("skipping search root", "root", root, "error", err)
				continue
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			if !walk(abs, opts.Filter, true, logger, yield) {
				return
			}
		}
		if !opts.IncludeHostDir {
			return
		}
		dir, err := HostDir()
		if err != nil {
			logger.Warn("skipping host directory", "error", err)
			return
		}
		if !seen[dir] {
			walk(dir, opts.Filter, false, logger, yield)
		}
	}
}

// walk yields matching files under root. It returns false when the consumer
// stopped the iteration.
func walk(root string, filter Filter, recursive bool, logger *slog.Logger, yield func(string) bool) bool {
	info, err := os.Stat(root)
	if err != nil {
		logger.Warn("skipping search root", "root", root, "error", err)
		return true
	}
	if !info.IsDir() {
		logger.Warn("skipping search root", "root", root, "error", "not a directory")
		return true
	}

	stopped := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if !recursive || SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if !filter.Match(path) {
			return nil
		}
		if !yield(path) {
			stopped = true
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, filepath.SkipAll) {
		logger.Warn("search root walk failed", "root", root, "error", walkErr)
	}
	return !stopped
}

// SkipDir reports whether a directory with this name is never searched.
func SkipDir(name string) bool {
	return name == LibDir || strings.HasPrefix(name, ".")
}

// Collect runs Discover and returns the paths sorted.
func Collect(opts Options) []string {
	paths := slices.Collect(Discover(opts))
	slices.Sort(paths)
	return paths
}
