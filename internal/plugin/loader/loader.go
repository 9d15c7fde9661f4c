// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package loader loads module files into isolated, independently
// unloadable contexts.
//
// The loader picks a Runtime by file name, reads the file into memory so no
// lock is held on it, and asks the runtime to open a fresh isolation
// context. Any fault after the context exists closes it again before the
// error is returned.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/plugin"
)

// Error codes returned by Load and Unload.
const (
	CodeLoadFailed   = "LOAD_FAILED"
	CodeNotAPlugin   = "NOT_A_PLUGIN"
	CodeUnloadFailed = "UNLOAD_FAILED"
)

// Source is a module file read into memory.
type Source struct {
	// Path is the absolute file path.
	Path string
	// Dir is the directory holding the file; module-private dependencies
	// are resolved here.
	Dir string
	// Identity is the file name without extension.
	Identity string
	// Code is the file content as read at load time.
	Code []byte
}

// Runtime opens one kind of module file.
type Runtime interface {
	// Name identifies the runtime in logs and handles.
	Name() string
	// Match reports whether the runtime handles path.
	Match(path string) bool
	// Open creates a new isolation context holding the module.
	Open(ctx context.Context, src Source) (Module, error)
}

// Option configures a Loader.
type Option func(*Loader)

// WithRuntime registers a runtime. Runtimes are tried in registration order.
func WithRuntime(r Runtime) Option {
	return func(l *Loader) {
		l.runtimes = append(l.runtimes, r)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader turns module files into descriptors plus handles.
type Loader struct {
	runtimes []Runtime
	logger   *slog.Logger
}

// New creates a loader.
func New(opts ...Option) *Loader {
	l := &Loader{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Identity returns the file identity for path: its base name without
// extension.
func Identity(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Match reports whether any runtime handles path.
func (l *Loader) Match(path string) bool {
	return l.runtimeFor(path) != nil
}

func (l *Loader) runtimeFor(path string) Runtime {
	for _, r := range l.runtimes {
		if r.Match(path) {
			return r
		}
	}
	return nil
}

// Load reads path and opens it in a new isolation context. On success the
// returned handle is the only reference to the module.
func (l *Loader) Load(ctx context.Context, path string) (plugin.Descriptor, *Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, loadErr(path, "resolve").Wrap(err)
	}
	identity := Identity(abs)

	rt := l.runtimeFor(abs)
	if rt == nil {
		return nil, nil, NotAPlugin(abs, "no runtime handles %s", filepath.Base(abs))
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, nil, loadErr(abs, "stat").Wrap(err)
	}
	if info.IsDir() {
		return nil, nil, loadErr(abs, "stat").Errorf("%s is a directory", abs)
	}

	code, err := os.ReadFile(filepath.Clean(abs))
	if err != nil {
		return nil, nil, loadErr(abs, "read").Wrap(err)
	}

	src := Source{Path: abs, Dir: filepath.Dir(abs), Identity: identity, Code: code}
	mod, err := openSafely(ctx, rt, src)
	if err != nil {
		if IsNotAPlugin(err) {
			return nil, nil, err
		}
		return nil, nil, loadErr(abs, "open").With("runtime", rt.Name()).Wrap(err)
	}

	desc, err := describeSafely(mod)
	if err == nil {
		err = plugin.Validate(desc)
	}
	if err != nil {
		if closeErr := mod.Close(ctx); closeErr != nil {
			l.logger.Warn("failed to close module after load fault",
				"path", abs, "error", closeErr)
		}
		return nil, nil, loadErr(abs, "describe").With("runtime", rt.Name()).Hint("invalid module descriptor").Wrap(err)
	}

	h := newHandle(abs, identity, rt.Name(), mod)
	l.logger.Debug("module loaded",
		"plugin", desc.Name(), "path", abs, "runtime", rt.Name(), "handle", h.ID().String())
	return desc, h, nil
}

// Unload releases h. The handle is expired before the isolation context is
// reclaimed.
func (l *Loader) Unload(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := h.Release(ctx); err != nil {
		return oops.In("loader").Code(CodeUnloadFailed).With("path", h.Path()).With("runtime", h.Runtime()).Wrap(err)
	}
	return nil
}

func openSafely(ctx context.Context, rt Runtime, src Source) (mod Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			mod, err = nil, fmt.Errorf("runtime %s panicked: %v", rt.Name(), r)
		}
	}()
	return rt.Open(ctx, src)
}

func describeSafely(mod Module) (d plugin.Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("descriptor construction panicked: %v", r)
		}
	}()
	d = mod.Descriptor()
	if d == nil {
		return nil, fmt.Errorf("module returned no descriptor")
	}
	return d, nil
}

func loadErr(path, op string) oops.OopsErrorBuilder {
	return oops.In("loader").Code(CodeLoadFailed).With("path", path).With("operation", op)
}

// NotAPlugin builds the error runtimes return when a file has no entry point
// or more than one.
func NotAPlugin(path, format string, args ...any) error {
	return oops.In("loader").Code(CodeNotAPlugin).With("path", path).Errorf(format, args...)
}

// IsNotAPlugin reports whether err carries the NOT_A_PLUGIN code.
func IsNotAPlugin(err error) bool {
	return HasCode(err, CodeNotAPlugin)
}

// HasCode reports whether err is an oops error with the given code.
func HasCode(err error, code string) bool {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	return fmt.Sprint(oopsErr.Code()) == code
}
