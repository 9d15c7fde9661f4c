// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginrpc"
)

// ErrModuleClosed is returned by calls into a module whose process has been
// killed.
var ErrModuleClosed = errors.New("binary module is closed")

// RemoteFunction is a callable service living in a module process.
type RemoteFunction struct {
	desc *remoteDescriptor
	key  string
}

// Key is the service key the function was declared under.
func (f *RemoteFunction) Key() string { return f.key }

// Call invokes the function in the module process. Arguments and results
// must be representable as protobuf Values.
func (f *RemoteFunction) Call(ctx context.Context, args ...any) ([]any, error) {
	if f.desc.closed.Load() {
		return nil, ErrModuleClosed
	}
	if args == nil {
		args = []any{}
	}
	req, err := pluginrpc.Request(map[string]any{
		pluginrpc.FieldService: f.key,
		pluginrpc.FieldArgs:    args,
	})
	if err != nil {
		return nil, err
	}
	resp, err := f.desc.svc.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", f.key, err)
	}
	if err := pluginrpc.StatusError(resp); err != nil {
		return nil, err
	}
	return pluginrpc.List(resp, pluginrpc.FieldResults), nil
}

// remoteDescriptor forwards descriptor calls to the module process.
type remoteDescriptor struct {
	svc      pluginrpc.DescriptorService
	info     pluginrpc.Description
	version  *semver.Version
	closed   atomic.Bool
	disposed sync.Once
	dispErr  error
}

var _ plugin.Descriptor = (*remoteDescriptor)(nil)

func newRemoteDescriptor(svc pluginrpc.DescriptorService, reply *structpb.Struct) (*remoteDescriptor, error) {
	info, err := pluginrpc.DecodeDescription(reply)
	if err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("version %q: %w", info.Version, err)
	}
	return &remoteDescriptor{svc: svc, info: info, version: v}, nil
}

func (d *remoteDescriptor) markClosed() { d.closed.Store(true) }

func (d *remoteDescriptor) Name() string             { return d.info.Name }
func (d *remoteDescriptor) Description() string      { return d.info.Description }
func (d *remoteDescriptor) Version() *semver.Version { return d.version }
func (d *remoteDescriptor) Dependencies() []string   { return slices.Clone(d.info.Dependencies) }

// ConfigureServices declares the services the module described. Data
// services are copied into the host; callable ones become RemoteFunctions.
func (d *remoteDescriptor) ConfigureServices(spec *plugin.ServiceSpec) error {
	for _, s := range d.info.Services {
		if s.Callable {
			spec.AddInstance(s.Key, &RemoteFunction{desc: d, key: s.Key})
			continue
		}
		spec.AddInstance(s.Key, s.Value)
	}
	return nil
}

func (d *remoteDescriptor) Start(ctx context.Context) plugin.StartResult {
	if d.closed.Load() {
		return plugin.StartFailed(ErrModuleClosed)
	}
	resp, err := d.svc.Start(ctx, nil)
	if err != nil {
		return plugin.StartFailed(fmt.Errorf("start: %w", err))
	}
	if err := pluginrpc.StatusError(resp); err != nil {
		return plugin.StartFailed(err)
	}
	if !pluginrpc.Bool(resp, pluginrpc.FieldMigration) {
		return plugin.Started()
	}
	return plugin.StartedWithMigration(func(ctx context.Context) error {
		return d.rpc(ctx, "migrate", d.svc.Migrate, nil)
	})
}

func (d *remoteDescriptor) Stop(ctx context.Context, shutdown bool) error {
	req, err := pluginrpc.Request(map[string]any{pluginrpc.FieldShutdown: shutdown})
	if err != nil {
		return err
	}
	return d.rpc(ctx, "stop", d.svc.Stop, req)
}

func (d *remoteDescriptor) Dispose(ctx context.Context) error {
	d.disposed.Do(func() {
		d.dispErr = d.rpc(ctx, "dispose", d.svc.Dispose, nil)
	})
	return d.dispErr
}

func (d *remoteDescriptor) rpc(ctx context.Context, op string,
	fn func(context.Context, *structpb.Struct) (*structpb.Struct, error), req *structpb.Struct,
) error {
	if d.closed.Load() {
		return ErrModuleClosed
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return pluginrpc.StatusError(resp)
}
