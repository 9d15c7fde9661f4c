// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main is an example binary module. It publishes an "echo" service
// that returns its arguments with a prefix.
//
// Build it with the .plugin extension so the host picks it up:
//
//	go build -o plugins/echo.plugin ./plugins/echo
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// Echo is the module descriptor.
type Echo struct {
	plugin.Base
	prefix  string
	calls   atomic.Int64
	running atomic.Bool
	logger  *slog.Logger
}

func newEcho(prefix string) *Echo {
	return &Echo{
		Base: plugin.Base{Meta: plugin.Metadata{
			Name:        "echo",
			Description: "returns its arguments with a prefix",
			Version:     semver.MustParse("1.0.0"),
		}},
		prefix: prefix,
		// go-plugin forwards the module's stderr to the host log.
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
}

// ConfigureServices implements plugin.Descriptor.
func (e *Echo) ConfigureServices(spec *plugin.ServiceSpec) error {
	spec.AddInstance("echo.prefix", e.prefix)
	spec.AddInstance("echo", pluginsdk.Func(e.echo))
	return nil
}

func (e *Echo) echo(_ context.Context, args []any) ([]any, error) {
	if !e.running.Load() {
		return nil, fmt.Errorf("echo is not running")
	}
	e.calls.Add(1)
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = e.prefix + fmt.Sprint(a)
	}
	return out, nil
}

// Start implements plugin.Descriptor.
func (e *Echo) Start(context.Context) plugin.StartResult {
	e.running.Store(true)
	e.logger.Info("echo started")
	return plugin.Started()
}

// Stop implements plugin.Descriptor.
func (e *Echo) Stop(_ context.Context, shutdown bool) error {
	e.running.Store(false)
	e.logger.Info("echo stopped", "calls", e.calls.Load(), "shutdown", shutdown)
	return nil
}

func main() {
	prefix := os.Getenv("ECHO_PREFIX")
	if prefix == "" {
		prefix = "echo: "
	}
	pluginsdk.Serve(newEcho(prefix))
}
