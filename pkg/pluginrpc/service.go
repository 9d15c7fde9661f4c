// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginrpc is the gRPC contract between the host and binary
// modules running under go-plugin.
//
// Messages are google.protobuf.Struct values, so the service needs no
// generated code. Module failures travel in-band as an "error" field;
// gRPC errors mean the transport or the module process failed.
package pluginrpc

import (
	"context"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plughost.plugin.v1.Descriptor"

// PluginKey is the name binary modules dispense their descriptor under.
const PluginKey = "descriptor"

// HandshakeConfig is the go-plugin handshake. Host and modules must agree.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGHOST_PLUGIN",
	MagicCookieValue: "plughost-v1",
}

// DescriptorService is implemented by the module-side server and by the
// host-side client alike.
type DescriptorService interface {
	Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Migrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Stop(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Dispose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type method func(DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, pick method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			fn := pick(srv.(DescriptorService))
			if interceptor == nil {
				return fn(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DescriptorService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Describe", func(s DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Describe
		}),
		unary("Start", func(s DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Start
		}),
		unary("Migrate", func(s DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Migrate
		}),
		unary("Stop", func(s DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Stop
		}),
		unary("Dispose", func(s DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Dispose
		}),
		unary("Call", func(s DescriptorService) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Call
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plughost/plugin/v1/descriptor",
}

// RegisterDescriptorServer registers srv on s.
func RegisterDescriptorServer(s grpc.ServiceRegistrar, srv DescriptorService) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls a DescriptorService over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

var _ DescriptorService = (*Client)(nil)

// NewClient returns a client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe implements DescriptorService.
func (c *Client) Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "Describe", in)
}

// Start implements DescriptorService.
func (c *Client) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "Start", in)
}

// Migrate implements DescriptorService.
func (c *Client) Migrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "Migrate", in)
}

// Stop implements DescriptorService.
func (c *Client) Stop(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "Stop", in)
}

// Dispose implements DescriptorService.
func (c *Client) Dispose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "Dispose", in)
}

// Call implements DescriptorService.
func (c *Client) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "Call", in)
}

// Plugin is the go-plugin glue. Impl is set on the module side only.
type Plugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	Impl DescriptorService
}

// GRPCServer registers Impl (called in the module process).
func (p *Plugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errNilImpl
	}
	RegisterDescriptorServer(s, p.Impl)
	return nil
}

// GRPCClient returns a *Client (called in the host process).
func (p *Plugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return NewClient(c), nil
}

// PluginMap is the plugin set the host dispenses from.
var PluginMap = map[string]hashiplug.Plugin{
	PluginKey: &Plugin{},
}
