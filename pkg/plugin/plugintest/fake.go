// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugintest provides a scriptable Descriptor for tests.
package plugintest

import (
	"context"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/holomush/plughost/pkg/plugin"
)

// CallLog records lifecycle calls across several fakes, in call order.
// Entries look like "alpha.start".
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Record appends an entry.
func (l *CallLog) Record(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, entry)
}

// Calls returns a copy of the recorded entries.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// Reset drops all entries.
func (l *CallLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Descriptor is a plugin.Descriptor whose behavior is set through its
// function fields. Unset functions behave like plugin.Base.
type Descriptor struct {
	Meta plugin.Metadata
	Log  *CallLog

	ServicesFunc func(spec *plugin.ServiceSpec) error
	StartFunc    func(ctx context.Context) plugin.StartResult
	StopFunc     func(ctx context.Context, shutdown bool) error
	DisposeFunc  func(ctx context.Context) error

	mu       sync.Mutex
	counts   map[string]int
	shutdown []bool
}

// New returns a fake with the given name and dependencies at version 1.0.0.
func New(name string, deps ...string) *Descriptor {
	return &Descriptor{Meta: plugin.Metadata{
		Name:         name,
		Version:      semver.MustParse("1.0.0"),
		Dependencies: deps,
	}}
}

// WithLog attaches a shared call log and returns d.
func (d *Descriptor) WithLog(l *CallLog) *Descriptor {
	d.Log = l
	return d
}

func (d *Descriptor) record(op string) {
	d.mu.Lock()
	if d.counts == nil {
		d.counts = make(map[string]int)
	}
	d.counts[op]++
	d.mu.Unlock()
	if d.Log != nil {
		d.Log.Record(d.Meta.Name + "." + op)
	}
}

// Count returns how often op ("configure", "start", "stop", "dispose") ran.
func (d *Descriptor) Count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[op]
}

// StopFlags returns the shutdown argument of every Stop call.
func (d *Descriptor) StopFlags() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.shutdown)
}

// Name implements plugin.Descriptor.
func (d *Descriptor) Name() string { return d.Meta.Name }

// Description implements plugin.Descriptor.
func (d *Descriptor) Description() string { return d.Meta.Description }

// Version implements plugin.Descriptor.
func (d *Descriptor) Version() *semver.Version { return d.Meta.Version }

// Dependencies implements plugin.Descriptor.
func (d *Descriptor) Dependencies() []string { return slices.Clone(d.Meta.Dependencies) }

// ConfigureServices implements plugin.Descriptor.
func (d *Descriptor) ConfigureServices(spec *plugin.ServiceSpec) error {
	d.record("configure")
	if d.ServicesFunc != nil {
		return d.ServicesFunc(spec)
	}
	return nil
}

// Start implements plugin.Descriptor.
func (d *Descriptor) Start(ctx context.Context) plugin.StartResult {
	d.record("start")
	if d.StartFunc != nil {
		return d.StartFunc(ctx)
	}
	return plugin.Started()
}

// Stop implements plugin.Descriptor.
func (d *Descriptor) Stop(ctx context.Context, shutdown bool) error {
	d.mu.Lock()
	d.shutdown = append(d.shutdown, shutdown)
	d.mu.Unlock()
	d.record("stop")
	if d.StopFunc != nil {
		return d.StopFunc(ctx, shutdown)
	}
	return nil
}

// Dispose implements plugin.Descriptor. It counts every call so tests can
// assert the host never disposes twice.
func (d *Descriptor) Dispose(ctx context.Context) error {
	d.record("dispose")
	if d.DisposeFunc != nil {
		return d.DisposeFunc(ctx)
	}
	return nil
}

var _ plugin.Descriptor = (*Descriptor)(nil)
