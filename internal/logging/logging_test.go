package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()

	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "text").Enabled(ctx, slog.LevelInfo))
	assert.True(t, New("", "json").Enabled(ctx, slog.LevelInfo))
	assert.False(t, New("critical", "json").Enabled(ctx, slog.LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelCritical, ParseLevel("critical"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestCritical_RendersLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")
	ctx := WithRequestID(context.Background(), "req-9")

	Critical(ctx, logger, "record write failed", "tx_hash", "0xabc")

	out := buf.String()
	assert.Contains(t, out, "level=CRITICAL")
	assert.Contains(t, out, "request_id=req-9")
	assert.Contains(t, out, "tx_hash=0xabc")
}

func TestCritical_FallsBackToContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	Critical(ctx, nil, "diverged")

	require.NotEmpty(t, buf.String())
	assert.True(t, strings.Contains(buf.String(), `"level":"CRITICAL"`))
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, FromContext(ctx))

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-42")

	L(ctx).Info("hello")
	assert.Contains(t, buf.String(), "request_id=req-42")
}
