// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package table holds the records of active modules, indexed by module name
// and by file identity.
package table

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin/lifecycle"
	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/pkg/plugin"
)

// CodeDuplicateName is returned when a second record claims an active name.
const CodeDuplicateName = "DUPLICATE_NAME"

// Record describes one active module.
type Record struct {
	Name         string
	Identity     string
	Path         string
	Descriptor   plugin.Descriptor
	RegistryName string
	Handle       *loader.Handle
	Generation   ulid.ULID
	LoadedAt     time.Time

	// Controller owns the module's lifecycle state.
	Controller *lifecycle.Controller
}

// State returns the module's current lifecycle state.
func (r *Record) State() lifecycle.State {
	if r.Controller == nil {
		return lifecycle.StateDiscovered
	}
	return r.Controller.State()
}

// Table is safe for concurrent use. It never calls into modules.
type Table struct {
	mu         sync.RWMutex
	byName     map[string]*Record
	byIdentity map[string]*Record
}

// New returns an empty table.
func New() *Table {
	return &Table{
		byName:     make(map[string]*Record),
		byIdentity: make(map[string]*Record),
	}
}

// Insert adds rec. Fails if its name or identity is already present.
func (t *Table) Insert(rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byName[rec.Name]; ok {
		return oops.In("table").Code(CodeDuplicateName).
			With("plugin", rec.Name).With("path", rec.Path).With("active_path", existing.Path).
			Errorf("module %q is already active from %s", rec.Name, existing.Path)
	}
	if existing, ok := t.byIdentity[rec.Identity]; ok {
		return oops.In("table").Code(CodeDuplicateName).
			With("identity", rec.Identity).With("path", rec.Path).With("active_plugin", existing.Name).
			Errorf("identity %q is already active as module %q", rec.Identity, existing.Name)
	}
	t.byName[rec.Name] = rec
	t.byIdentity[rec.Identity] = rec
	return nil
}

// Remove drops the record for name and returns it.
func (t *Table) Remove(name string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	delete(t.byName, name)
	if t.byIdentity[rec.Identity] == rec {
		delete(t.byIdentity, rec.Identity)
	}
	return rec, true
}

// Get returns the record for name.
func (t *Table) Get(name string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.byName[name]
	return rec, ok
}

// ByIdentity returns the record loaded from the file with identity id.
func (t *Table) ByIdentity(id string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.byIdentity[id]
	return rec, ok
}

// List returns all records sorted by name.
func (t *Table) List() []*Record {
	t.mu.RLock()
	out := make([]*Record, 0, len(t.byName))
	for _, rec := range t.byName {
		out = append(out, rec)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Record) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
