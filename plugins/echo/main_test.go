// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

func TestEcho(t *testing.T) {
	ctx := context.Background()
	e := newEcho("> ")
	e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, plugin.Validate(e))

	spec := plugin.NewServiceSpec()
	require.NoError(t, e.ConfigureServices(spec))
	decls := spec.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "echo.prefix", decls[0].Key)

	v, err := decls[1].Construct(ctx, nil)
	require.NoError(t, err)
	fn, ok := v.(pluginsdk.Func)
	require.True(t, ok)

	_, err = fn(ctx, []any{"a"})
	assert.Error(t, err, "calls before start fail")

	require.True(t, e.Start(ctx).OK())
	out, err := fn(ctx, []any{"a", 2.0})
	require.NoError(t, err)
	assert.Equal(t, []any{"> a", "> 2"}, out)

	require.NoError(t, e.Stop(ctx, true))
	assert.Equal(t, int64(1), e.calls.Load())
}
