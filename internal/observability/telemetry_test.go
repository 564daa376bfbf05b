package observability

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.input))
		})
	}
}

func TestSetup_Disabled(t *testing.T) {
	previous := GetLogger()
	t.Cleanup(func() {
		SetLogger(previous)
		logLevel.Set(slog.LevelInfo)
	})

	cleanup, err := Setup(context.Background(), &Config{
		ServiceName: "tokenpool-test",
		Enabled:     false,
		LogLevel:    "debug",
	})
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup()

	assert.True(t, GetLogger().Enabled(context.Background(), slog.LevelDebug))
	assert.Nil(t, globalMetrics, "no instruments without an exporter")
}

func TestRecorders_NoMetrics(t *testing.T) {
	require.Nil(t, globalMetrics)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordTokenCount(ctx, "healthy", 3)
		RecordSelection(ctx, "selected")
		RecordOutcome(ctx, "success")
		RecordUpstreamLatency(ctx, "success", 150*time.Millisecond)
		RecordAdmissionDenied(ctx, "generation", "caller")
		RecordStorageError(ctx, "file")
	})
}

func TestTraceAttrs(t *testing.T) {
	assert.Nil(t, TraceAttrs(context.Background()))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	attrs := TraceAttrs(ctx)
	require.Len(t, attrs, 2)
	assertAttr(t, attrs[0], "trace_id", "4bf92f3577b34da6a3ce929d0e0e4736")
	assertAttr(t, attrs[1], "span_id", "00f067aa0ba902b7")

	withExtra := LogAttrs(ctx, slog.String("token_id", "abc"))
	require.Len(t, withExtra, 3)
	assertAttr(t, withExtra[2], "token_id", "abc")

	plain := LogAttrs(context.Background(), slog.String("token_id", "abc"))
	require.Len(t, plain, 1)
	assertAttr(t, plain[0], "token_id", "abc")
}

func assertAttr(t *testing.T, got any, key, value string) {
	t.Helper()

	attr, ok := got.(slog.Attr)
	require.True(t, ok, "expected slog.Attr, got %T", got)
	assert.Equal(t, key, attr.Key)
	assert.Equal(t, value, attr.Value.String())
}
