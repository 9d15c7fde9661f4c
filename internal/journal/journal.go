// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package journal records module lifecycle transitions so operators can see
// what the host did to each module and why.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/plughost/internal/plugin/lifecycle"
)

// DefaultRetain is how many entries a journal keeps when no limit is set.
const DefaultRetain = 1000

// Entry is one recorded transition.
type Entry struct {
	ID         ulid.ULID
	Plugin     string
	Identity   string
	Path       string
	Generation ulid.ULID
	From       lifecycle.State
	To         lifecycle.State
	// Error is the failure that caused the move, empty otherwise.
	Error string
	At    time.Time
}

// Failed reports whether the entry records a failure.
func (e Entry) Failed() bool { return e.Error != "" }

// FromTransition builds an entry with a fresh ID.
func FromTransition(t lifecycle.Transition) Entry {
	e := Entry{
		ID:         ulid.Make(),
		Plugin:     t.Plugin,
		Identity:   t.Identity,
		Path:       t.Path,
		Generation: t.Generation,
		From:       t.From,
		To:         t.To,
		At:         t.At,
	}
	if t.Err != nil {
		e.Error = t.Err.Error()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}

// Query selects entries for List.
type Query struct {
	// Plugin limits results to one module name. Empty means all.
	Plugin string
	// Limit caps the result to the newest entries. Zero means DefaultRetain.
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultRetain
	}
	return q.Limit
}

// Journal stores entries.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	// List returns matching entries, oldest first.
	List(ctx context.Context, q Query) ([]Entry, error)
}

// appendTimeout bounds one observer write.
const appendTimeout = 5 * time.Second

// Observer returns a lifecycle observer that appends every transition to j.
// Write failures are logged and never reach the module's lifecycle.
func Observer(j Journal, logger *slog.Logger) lifecycle.Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(t lifecycle.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()
		if err := j.Append(ctx, FromTransition(t)); err != nil {
			logger.Warn("journal append failed",
				"plugin", t.Plugin, "to", t.To.String(), "error", err)
		}
	}
}
