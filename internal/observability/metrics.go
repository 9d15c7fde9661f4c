// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// PluginMetrics records plugin manager activity. It implements
// plugin.Recorder.
type PluginMetrics struct {
	Loads   *prometheus.CounterVec
	Unloads prometheus.Counter
	Errors  *prometheus.CounterVec
	Active  prometheus.Gauge
	Reloads *prometheus.CounterVec
}

var _ plugin.Recorder = (*PluginMetrics)(nil)

// NewPluginMetrics creates the plugin metrics and registers them on reg.
func NewPluginMetrics(reg prometheus.Registerer) *PluginMetrics {
	m := &PluginMetrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_loads_total",
			Help: "Module load attempts by result",
		}, []string{"result"}),
		Unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plughost_plugin_unloads_total",
			Help: "Modules torn down",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_errors_total",
			Help: "Reported plugin errors by error code",
		}, []string{"code"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plughost_plugins_active",
			Help: "Modules currently running",
		}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_reloads_total",
			Help: "File events handled by kind",
		}, []string{"event"}),
	}
	reg.MustRegister(m.Loads, m.Unloads, m.Errors, m.Active, m.Reloads)
	return m
}

// LoadFinished implements plugin.Recorder.
func (m *PluginMetrics) LoadFinished(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Loads.WithLabelValues(result).Inc()
}

// Unloaded implements plugin.Recorder.
func (m *PluginMetrics) Unloaded(string) { m.Unloads.Inc() }

// Failed implements plugin.Recorder.
func (m *PluginMetrics) Failed(err error) {
	code := errutil.Code(err)
	if code == "" {
		code = "UNKNOWN"
	}
	m.Errors.WithLabelValues(code).Inc()
}

// ActiveModules implements plugin.Recorder.
func (m *PluginMetrics) ActiveModules(n int) { m.Active.Set(float64(n)) }

// Reloaded implements plugin.Recorder.
func (m *PluginMetrics) Reloaded(event string) { m.Reloads.WithLabelValues(event).Inc() }
