// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/plugin/plugintest"
	"github.com/holomush/plughost/pkg/pluginrpc"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// dial serves d over an in-memory gRPC connection and returns a client.
func dial(t *testing.T, d plugin.Descriptor) *pluginrpc.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pluginrpc.RegisterDescriptorServer(srv, pluginsdk.NewServer(d))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return pluginrpc.NewClient(conn)
}

func echoDescriptor() *plugintest.Descriptor {
	d := plugintest.New("echo", "base")
	d.Meta.Description = "echoes arguments"
	d.ServicesFunc = func(spec *plugin.ServiceSpec) error {
		spec.AddInstance("echo.prefix", ">> ")
		spec.Add("echo", func(ctx context.Context, l plugin.Lookup) (any, error) {
			prefix, _ := plugin.Resolve[string](ctx, l, "echo.prefix")
			return pluginsdk.Func(func(_ context.Context, args []any) ([]any, error) {
				out := make([]any, 0, len(args))
				for _, a := range args {
					out = append(out, prefix+a.(string))
				}
				return out, nil
			}), nil
		})
		return nil
	}
	return d
}

func TestServer_Describe(t *testing.T) {
	client := dial(t, echoDescriptor())

	raw, err := client.Describe(context.Background(), nil)
	require.NoError(t, err)
	desc, err := pluginrpc.DecodeDescription(raw)
	require.NoError(t, err)

	assert.Equal(t, "echo", desc.Name)
	assert.Equal(t, "echoes arguments", desc.Description)
	assert.Equal(t, "1.0.0", desc.Version)
	assert.Equal(t, []string{"base"}, desc.Dependencies)
	require.Len(t, desc.Services, 2)
	assert.Equal(t, pluginrpc.ServiceInfo{Key: "echo.prefix", Value: ">> "}, desc.Services[0])
	assert.Equal(t, pluginrpc.ServiceInfo{Key: "echo", Callable: true}, desc.Services[1])
}

func TestServer_Call(t *testing.T) {
	ctx := context.Background()
	client := dial(t, echoDescriptor())
	_, err := client.Describe(ctx, nil)
	require.NoError(t, err)

	req, err := pluginrpc.Request(map[string]any{
		pluginrpc.FieldService: "echo",
		pluginrpc.FieldArgs:    []any{"a", "b"},
	})
	require.NoError(t, err)
	resp, err := client.Call(ctx, req)
	require.NoError(t, err)
	require.NoError(t, pluginrpc.StatusError(resp))
	assert.Equal(t, []any{">> a", ">> b"}, pluginrpc.List(resp, pluginrpc.FieldResults))

	req, err = pluginrpc.Request(map[string]any{pluginrpc.FieldService: "missing"})
	require.NoError(t, err)
	resp, err = client.Call(ctx, req)
	require.NoError(t, err)
	assert.ErrorContains(t, pluginrpc.StatusError(resp), `no callable service "missing"`)
}

func TestServer_Lifecycle(t *testing.T) {
	ctx := context.Background()
	migrated := false
	d := plugintest.New("life")
	d.StartFunc = func(context.Context) plugin.StartResult {
		return plugin.StartedWithMigration(func(context.Context) error {
			migrated = true
			return nil
		})
	}
	d.StopFunc = func(context.Context, bool) error { return errors.New("stuck") }
	client := dial(t, d)

	resp, err := client.Start(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, pluginrpc.StatusError(resp))
	assert.True(t, pluginrpc.Bool(resp, pluginrpc.FieldMigration))

	resp, err = client.Migrate(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, pluginrpc.StatusError(resp))
	assert.True(t, migrated)

	req, err := pluginrpc.Request(map[string]any{pluginrpc.FieldShutdown: true})
	require.NoError(t, err)
	resp, err = client.Stop(ctx, req)
	require.NoError(t, err)
	assert.EqualError(t, pluginrpc.StatusError(resp), "stuck")
	assert.Equal(t, []bool{true}, d.StopFlags())

	resp, err = client.Dispose(ctx, nil)
	require.NoError(t, err)
	assert.NoError(t, pluginrpc.StatusError(resp))
	assert.Equal(t, 1, d.Count("dispose"))
}

func TestServer_StartFailure(t *testing.T) {
	d := plugintest.New("fail")
	d.StartFunc = func(context.Context) plugin.StartResult {
		return plugin.StartFailed(errors.New("no database"))
	}
	client := dial(t, d)

	resp, err := client.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualError(t, pluginrpc.StatusError(resp), "no database")
	assert.False(t, pluginrpc.Bool(resp, pluginrpc.FieldMigration))
}

func TestServer_RejectsUnencodableService(t *testing.T) {
	d := plugintest.New("bad")
	d.ServicesFunc = func(spec *plugin.ServiceSpec) error {
		spec.AddInstance("chan", make(chan int))
		return nil
	}
	client := dial(t, d)

	_, err := client.Describe(context.Background(), nil)
	assert.ErrorContains(t, err, "cannot cross the process boundary")
}

func TestServe_PanicsOnNil(t *testing.T) {
	assert.PanicsWithValue(t, "pluginsdk: descriptor cannot be nil", func() {
		pluginsdk.Serve(nil)
	})
}

func TestPlugin_GRPCServer_NilImpl(t *testing.T) {
	p := &pluginrpc.Plugin{}
	s := grpc.NewServer()
	defer s.Stop()
	assert.Error(t, p.GRPCServer(nil, s))

	p.Impl = pluginsdk.NewServer(plugintest.New("x"))
	require.NoError(t, p.GRPCServer(nil, s))
	_, ok := s.GetServiceInfo()[pluginrpc.ServiceName]
	assert.True(t, ok)
}
