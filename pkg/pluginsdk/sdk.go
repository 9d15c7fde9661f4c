// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building plughost binary modules.
//
// A binary module is an executable that serves one plugin.Descriptor over
// go-plugin. The host discovers it by its ".plugin" extension.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/Masterminds/semver/v3"
//		"github.com/holomush/plughost/pkg/plugin"
//		"github.com/holomush/plughost/pkg/pluginsdk"
//	)
//
//	type Echo struct{ plugin.Base }
//
//	func (e *Echo) ConfigureServices(spec *plugin.ServiceSpec) error {
//		spec.AddInstance("echo", pluginsdk.Func(func(_ context.Context, args []any) ([]any, error) {
//			return args, nil
//		}))
//		return nil
//	}
//
//	func main() {
//		pluginsdk.Serve(&Echo{Base: plugin.Base{Meta: plugin.Metadata{
//			Name:    "echo",
//			Version: semver.MustParse("1.0.0"),
//		}}})
//	}
package pluginsdk

import (
	"context"
	"fmt"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginrpc"
)

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and modules must use the same values.
var HandshakeConfig = pluginrpc.HandshakeConfig

// Func is a callable service. The host invokes it through the Call RPC.
// Arguments and results must be representable as protobuf Values.
type Func func(ctx context.Context, args []any) ([]any, error)

// Serve starts the module server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(d plugin.Descriptor) {
	if d == nil {
		panic("pluginsdk: descriptor cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			pluginrpc.PluginKey: &pluginrpc.Plugin{Impl: NewServer(d)},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// NewServer adapts d to the wire contract. Services are built once, on the
// first Describe, against the module's own earlier services only.
func NewServer(d plugin.Descriptor) pluginrpc.DescriptorService {
	return &server{desc: d}
}

type server struct {
	desc plugin.Descriptor

	describeOnce sync.Once
	description  *structpb.Struct
	describeErr  error
	funcs        map[string]Func

	mu        sync.Mutex
	migration plugin.Migration
}

func (s *server) Describe(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.describeOnce.Do(func() {
		s.description, s.describeErr = s.describe(ctx)
	})
	return s.description, s.describeErr
}

func (s *server) describe(ctx context.Context) (*structpb.Struct, error) {
	spec := plugin.NewServiceSpec()
	if err := s.desc.ConfigureServices(spec); err != nil {
		return nil, fmt.Errorf("configure services: %w", err)
	}

	values := make(map[string]any)
	local := plugin.LookupFunc(func(_ context.Context, key string) (any, bool) {
		v, ok := values[key]
		return v, ok
	})

	d := pluginrpc.Description{
		Name:         s.desc.Name(),
		Description:  s.desc.Description(),
		Dependencies: s.desc.Dependencies(),
	}
	if v := s.desc.Version(); v != nil {
		d.Version = v.String()
	}

	s.funcs = make(map[string]Func)
	for _, decl := range spec.Declarations() {
		v, err := decl.Construct(ctx, local)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", decl.Key, err)
		}
		values[decl.Key] = v
		if fn, ok := v.(Func); ok {
			s.funcs[decl.Key] = fn
			d.Services = append(d.Services, pluginrpc.ServiceInfo{Key: decl.Key, Callable: true})
			continue
		}
		if _, err := structpb.NewValue(v); err != nil {
			return nil, fmt.Errorf("service %q cannot cross the process boundary: %w", decl.Key, err)
		}
		d.Services = append(d.Services, pluginrpc.ServiceInfo{Key: decl.Key, Value: v})
	}
	return d.Encode()
}

func (s *server) Start(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res := s.desc.Start(ctx)
	if !res.OK() {
		return pluginrpc.Status(res.Err, nil), nil
	}
	s.mu.Lock()
	s.migration = res.Migration
	s.mu.Unlock()
	return pluginrpc.Status(nil, map[string]any{pluginrpc.FieldMigration: res.Migration != nil}), nil
}

func (s *server) Migrate(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	m := s.migration
	s.migration = nil
	s.mu.Unlock()
	if m == nil {
		return pluginrpc.Status(nil, nil), nil
	}
	return pluginrpc.Status(m(ctx), nil), nil
}

func (s *server) Stop(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return pluginrpc.Status(s.desc.Stop(ctx, pluginrpc.Bool(in, pluginrpc.FieldShutdown)), nil), nil
}

func (s *server) Dispose(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return pluginrpc.Status(s.desc.Dispose(ctx), nil), nil
}

func (s *server) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key := pluginrpc.String(in, pluginrpc.FieldService)
	fn, ok := s.funcs[key]
	if !ok {
		return pluginrpc.Status(fmt.Errorf("no callable service %q", key), nil), nil
	}
	results, err := fn(ctx, pluginrpc.List(in, pluginrpc.FieldArgs))
	if err != nil {
		return pluginrpc.Status(err, nil), nil
	}
	if results == nil {
		results = []any{}
	}
	return pluginrpc.Status(nil, map[string]any{pluginrpc.FieldResults: results}), nil
}
