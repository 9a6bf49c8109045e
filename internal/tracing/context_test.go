package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithPluginID(ctx, "outline")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "outline", GetPluginID(ctx))

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "req-1", tc.RequestID)
	assert.Equal(t, "outline", tc.PluginID)
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetPluginID(ctx))
}

func TestNewContextSkipsEmptyFields(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "only-trace"})

	assert.Equal(t, "only-trace", GetTraceID(ctx))
	assert.Nil(t, ctx.Value(RequestIDKey))
	assert.Nil(t, ctx.Value(PluginIDKey))
}

func TestNewRequestContext(t *testing.T) {
	first := NewRequestContext(context.Background())
	second := NewRequestContext(context.Background())

	require.NotEmpty(t, GetTraceID(first))
	require.NotEmpty(t, GetRequestID(first))
	assert.NotEqual(t, GetTraceID(first), GetTraceID(second))
	assert.NotEqual(t, GetRequestID(first), GetRequestID(second))
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-xyz")
	ctx = WithPluginID(ctx, "word-count")

	var buf bytes.Buffer
	logger := LoggerFromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"trace_id":"trace-xyz"`), out)
	assert.True(t, strings.Contains(out, `"plugin_id":"word-count"`), out)
	assert.False(t, strings.Contains(out, "request_id"), out)
}
