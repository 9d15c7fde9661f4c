// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package journal

import (
	"context"
	"sync"
)

// Memory is a fixed-size in-process journal. The oldest entries are
// dropped once it is full.
type Memory struct {
	mu    sync.Mutex
	buf   []Entry
	next  int
	count int
}

// NewMemory returns a journal holding up to retain entries.
func NewMemory(retain int) *Memory {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Memory{buf: make([]Entry, retain)}
}

// Append implements Journal.
func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	return nil
}

// List implements Journal.
func (m *Memory) List(_ context.Context, q Query) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := (m.next - m.count + len(m.buf)) % len(m.buf)
	var out []Entry
	for i := range m.count {
		e := m.buf[(start+i)%len(m.buf)]
		if q.Plugin != "" && e.Plugin != q.Plugin {
			continue
		}
		out = append(out, e)
	}
	if limit := q.limit(); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Len returns the number of entries held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

var _ Journal = (*Memory)(nil)
