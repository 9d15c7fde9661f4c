// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

// Recorder receives manager activity for metrics.
type Recorder interface {
	// LoadFinished is called once per load attempt; err is nil on success.
	LoadFinished(err error)
	// Unloaded is called once per module torn down.
	Unloaded(name string)
	// Failed is called once per reported error.
	Failed(err error)
	// ActiveModules is called whenever the number of active modules changes.
	ActiveModules(n int)
	// Reloaded is called once per watcher event handled.
	Reloaded(event string)
}

type nopRecorder struct{}

func (nopRecorder) LoadFinished(error) {}
func (nopRecorder) Unloaded(string)    {}
func (nopRecorder) Failed(error)       {}
func (nopRecorder) ActiveModules(int)  {}
func (nopRecorder) Reloaded(string)    {}
