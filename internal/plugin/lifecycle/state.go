// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is a module's position in its lifecycle.
type State int

// Lifecycle states.
const (
	StateDiscovered State = iota
	StateLoaded
	StateConfigured
	StateStarting
	StateStartFailed
	StateStarted
	StateMigrating
	StateMigrationFailed
	StateRunning
	StateStopping
	StateStopped
	StateDisposed
)

var stateNames = map[State]string{
	StateDiscovered:      "discovered",
	StateLoaded:          "loaded",
	StateConfigured:      "configured",
	StateStarting:        "starting",
	StateStartFailed:     "start_failed",
	StateStarted:         "started",
	StateMigrating:       "migrating",
	StateMigrationFailed: "migration_failed",
	StateRunning:         "running",
	StateStopping:        "stopping",
	StateStopped:         "stopped",
	StateDisposed:        "disposed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle state %q", name)
}

// Active reports whether a module in this state is serving.
func (s State) Active() bool {
	return s == StateStarted || s == StateMigrating || s == StateMigrationFailed || s == StateRunning
}

var transitions = map[State][]State{
	StateDiscovered:      {StateLoaded},
	StateLoaded:          {StateConfigured, StateDisposed},
	StateConfigured:      {StateStarting, StateDisposed},
	StateStarting:        {StateStarted, StateStartFailed},
	StateStartFailed:     {StateStopping, StateDisposed},
	StateStarted:         {StateMigrating, StateStopping},
	StateMigrating:       {StateRunning, StateMigrationFailed},
	StateMigrationFailed: {StateRunning},
	StateRunning:         {StateStopping},
	StateStopping:        {StateStopped},
	StateStopped:         {StateDisposed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transition is delivered to observers on every state change.
type Transition struct {
	Plugin     string
	Identity   string
	Path       string
	Generation ulid.ULID
	From       State
	To         State
	// Err is set when the move was caused by a failure.
	Err error
	At  time.Time
}

// Observer receives transitions. It is called synchronously and must not
// call back into the controller.
type Observer func(Transition)

// Observers fans a transition out to several observers.
func Observers(obs ...Observer) Observer {
	return func(t Transition) {
		for _, o := range obs {
			if o != nil {
				o(t)
			}
		}
	}
}
