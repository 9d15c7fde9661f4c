// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/observability"
	pluginhost "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/lifecycle"
)

type fakeObservabilityServer struct {
	addr    string
	ready   observability.ReadinessChecker
	metrics *observability.PluginMetrics
	started atomic.Int32
	stopped atomic.Int32
	errCh   chan error
	lister  observability.ModuleLister
}

func (s *fakeObservabilityServer) SetModuleLister(l observability.ModuleLister) { s.lister = l }

func (s *fakeObservabilityServer) Start() (<-chan error, error) {
	s.started.Add(1)
	return s.errCh, nil
}

func (s *fakeObservabilityServer) Stop(context.Context) error {
	s.stopped.Add(1)
	return nil
}

func (s *fakeObservabilityServer) Addr() string { return s.addr }

func (s *fakeObservabilityServer) Metrics() *observability.PluginMetrics { return s.metrics }

func TestRunCommand_LoadsServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "alpha.lua", alphaModule)
	writeModule(t, dir, "beta.lua", betaModule)
	writeModule(t, dir, "version.lua", `plughost.register {
  name = "Version",
  version = "0.1.0",
  start = function()
    if plughost.service("host.version") ~= "dev" then return false, "no host version" end
    if plughost.service("motd") ~= "welcome" then return false, "no motd" end
  end,
}`)
	cfgPath := writeModule(t, t.TempDir(), "config.yaml", `
plugins:
  search_paths: [`+dir+`]
  watch: true
  host_services:
    motd: welcome
log:
  level: error
metrics:
  addr: 127.0.0.1:0
`)

	obs := &fakeObservabilityServer{errCh: make(chan error)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		readyAtStart bool
		states       map[string]lifecycle.State
		greeting     any
		wasReady     bool
		report       []observability.ModuleStatus
	)
	deps := &Deps{
		ObservabilityServerFactory: func(addr string, ready observability.ReadinessChecker, _ *slog.Logger) ObservabilityServer {
			obs.addr = addr
			obs.ready = ready
			obs.metrics = observability.NewPluginMetrics(prometheus.NewRegistry())
			readyAtStart = ready()
			return obs
		},
		OnReady: func(m *pluginhost.Manager) {
			states = map[string]lifecycle.State{}
			for _, rec := range m.List() {
				states[rec.Name] = rec.State()
			}
			greeting, _ = m.Lookup(context.Background(), "alpha.greeting")
			wasReady = obs.ready()
			report = obs.lister()
			cancel()
		},
	}

	out, _, err := executeContext(t, ctx, deps, "--config", cfgPath, "run")
	require.NoError(t, err)

	assert.Contains(t, out, "plughost running with 3 modules")
	assert.Equal(t, map[string]lifecycle.State{
		"Alpha":   lifecycle.StateRunning,
		"Beta":    lifecycle.StateRunning,
		"Version": lifecycle.StateRunning,
	}, states)
	assert.Equal(t, "hello", greeting)

	require.Len(t, report, 3)
	byName := map[string]observability.ModuleStatus{}
	names := make([]string, 0, len(report))
	for _, st := range report {
		byName[st.Name] = st
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Version"}, names, "report is sorted by name")
	assert.Equal(t, "running", byName["Alpha"].State)
	assert.Equal(t, "1.0.0", byName["Alpha"].Version)
	assert.Equal(t, "lua", byName["Alpha"].Runtime)
	assert.Equal(t, []string{"Beta"}, byName["Alpha"].Dependents)
	assert.Equal(t, filepath.Join(dir, "beta.lua"), byName["Beta"].Path)

	assert.Equal(t, "127.0.0.1:0", obs.addr)
	assert.False(t, readyAtStart, "not ready before the first load")
	assert.True(t, wasReady, "ready after the first load")
	assert.Equal(t, int32(1), obs.started.Load())
	assert.Equal(t, int32(1), obs.stopped.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(obs.metrics.Loads.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(obs.metrics.Unloads))
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.metrics.Active))
}

func TestRunCommand_MetricsDisabled(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "alpha.lua", alphaModule)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factoryCalled := false
	deps := &Deps{
		ObservabilityServerFactory: func(string, observability.ReadinessChecker, *slog.Logger) ObservabilityServer {
			factoryCalled = true
			return nil
		},
		OnReady: func(*pluginhost.Manager) { cancel() },
	}

	out, _, err := executeContext(t, ctx, deps, "run",
		"--search-path", dir, "--metrics-addr", "", "--watch=false", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "plughost running with 1 modules")
	assert.False(t, factoryCalled)
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	_, _, err := execute(t, nil, "run", "--log-format", "xml", "--search-path", filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
}
