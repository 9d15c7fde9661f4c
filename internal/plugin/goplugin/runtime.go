// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin runs binary modules as separate processes using
// HashiCorp's go-plugin system over gRPC. Killing the process unloads the
// module.
package goplugin

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginrpc"
)

// Extension is the file extension of binary modules.
const Extension = ".plugin"

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the module process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the executable at execPath, run with
	// workDir as its working directory.
	NewClient(execPath, workDir string, logger hclog.Logger) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath, workDir string, logger hclog.Logger) PluginClient {
	cmd := exec.Command(execPath) // #nosec G204 -- execPath is the staged copy of a discovered module
	cmd.Dir = workDir
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginrpc.HandshakeConfig,
		Plugins:          pluginrpc.PluginMap,
		Cmd:              cmd,
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           logger,
	})
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClientFactory replaces the go-plugin client factory (for testing).
func WithClientFactory(f ClientFactory) Option {
	return func(r *Runtime) { r.clientFactory = f }
}

// WithStagingDir sets where module executables are copied before they run.
// Defaults to the system temp directory.
func WithStagingDir(dir string) Option {
	return func(r *Runtime) { r.stagingDir = dir }
}

// WithLogger sets the logger for runtime events and for go-plugin output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithHCLogLevel sets the go-plugin client log level.
func WithHCLogLevel(level string) Option {
	return func(r *Runtime) { r.hclogLevel = hclog.LevelFromString(level) }
}

var _ loader.Runtime = (*Runtime)(nil)

// Runtime opens binary modules. Each module runs in its own process from a
// private copy of its executable, so the original file can be replaced
// while the module is loaded.
type Runtime struct {
	clientFactory ClientFactory
	stagingDir    string
	logger        *slog.Logger
	hclogLevel    hclog.Level
}

// NewRuntime creates a binary module runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		clientFactory: &DefaultClientFactory{},
		logger:        slog.Default(),
		hclogLevel:    hclog.Warn,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hclogLevel == hclog.NoLevel {
		r.hclogLevel = hclog.Warn
	}
	return r
}

// Name implements loader.Runtime.
func (r *Runtime) Name() string { return "goplugin" }

// Match implements loader.Runtime.
func (r *Runtime) Match(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Open stages the executable, starts it, and reads its description.
func (r *Runtime) Open(ctx context.Context, src loader.Source) (loader.Module, error) {
	errb := oops.In("goplugin").With("path", src.Path)

	staging, err := os.MkdirTemp(r.stagingDir, "plughost-"+src.Identity+"-")
	if err != nil {
		return nil, errb.With("operation", "stage").Wrap(err)
	}
	execPath := filepath.Join(staging, filepath.Base(src.Path))
	// #nosec G306 -- the staged copy must be executable
	if err := os.WriteFile(execPath, src.Code, 0o700); err != nil {
		r.removeStaging(staging)
		return nil, errb.With("operation", "stage").Wrap(err)
	}

	client := r.clientFactory.NewClient(execPath, src.Dir, r.hclogger(src.Identity))
	fail := func(err error) (loader.Module, error) {
		client.Kill()
		r.removeStaging(staging)
		return nil, err
	}

	rpcClient, err := client.Client()
	if err != nil {
		if isHandshakeFailure(err) {
			return fail(loader.NotAPlugin(src.Path, "%s did not complete the plugin handshake: %v", filepath.Base(src.Path), err))
		}
		return fail(errb.With("operation", "connect").Wrap(err))
	}

	raw, err := rpcClient.Dispense(pluginrpc.PluginKey)
	if err != nil {
		return fail(loader.NotAPlugin(src.Path, "%s does not serve a %s: %v", filepath.Base(src.Path), pluginrpc.PluginKey, err))
	}
	svc, ok := raw.(pluginrpc.DescriptorService)
	if !ok {
		return fail(loader.NotAPlugin(src.Path, "%s dispensed %T, not a descriptor", filepath.Base(src.Path), raw))
	}

	reply, err := svc.Describe(ctx, nil)
	if err != nil {
		return fail(errb.With("operation", "describe").Wrap(err))
	}
	desc, err := newRemoteDescriptor(svc, reply)
	if err != nil {
		return fail(errb.With("operation", "describe").Wrap(err))
	}

	r.logger.Debug("binary module started",
		"plugin", desc.Name(), "path", src.Path, "staged", execPath)
	return &module{client: client, staging: staging, desc: desc, runtime: r}, nil
}

func (r *Runtime) hclogger(identity string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "plugin." + identity,
		Level:  r.hclogLevel,
		Output: os.Stderr,
	})
}

func (r *Runtime) removeStaging(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warn("failed to remove staged module", "dir", dir, "error", err)
	}
}

// handshakeMarkers are the go-plugin (v1.7.0, client.go Start) error texts
// for an executable that never speaks the plugin protocol or speaks another
// version of it. go-plugin exports no error values for these.
var handshakeMarkers = []string{
	"Unrecognized remote plugin message",
	"incompatible core API version with plugin",
	"incompatible API version with plugin",
	"plugin exited before we could connect",
}

// isHandshakeFailure reports go-plugin errors meaning the executable is not
// a plughost module at all.
func isHandshakeFailure(err error) bool {
	msg := err.Error()
	for _, marker := range handshakeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// module is a running binary module.
type module struct {
	client  PluginClient
	staging string
	desc    *remoteDescriptor
	runtime *Runtime
}

// Descriptor implements loader.Module.
func (m *module) Descriptor() plugin.Descriptor { return m.desc }

// Close implements loader.Module. It kills the process and removes the
// staged executable.
func (m *module) Close(context.Context) error {
	m.desc.markClosed()
	m.client.Kill()
	m.runtime.removeStaging(m.staging)
	return nil
}
