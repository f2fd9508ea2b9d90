package implementation

import (
	"context"
	"errors"
	"testing"

	"github.com/jt828/go-grpc-tracing/pkg/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newTracer(t *testing.T, opts ...Option) (*tracetest.SpanRecorder, *observer.ObservedLogs, tracing.ServerTracer) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	core, logs := observer.New(zap.WarnLevel)
	opts = append([]Option{
		WithTracerProvider(tp),
		WithPropagator(propagation.TraceContext{}),
		WithLogger(zap.New(core)),
	}, opts...)
	return sr, logs, NewServerTracer(opts...)
}

func TestStartSpan(t *testing.T) {
	t.Run("parents to inbound trace context", func(t *testing.T) {
		sr, _, tracer := newTracer(t)
		headers := metadata.Pairs("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

		ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", headers)
		tracer.End(ctx)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "test.Service/Method", spans[0].Name())
		assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
		assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
	})

	t.Run("starts a root span without inbound context", func(t *testing.T) {
		sr, _, tracer := newTracer(t)

		ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", metadata.MD{})
		tracer.End(ctx)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.False(t, spans[0].Parent().IsValid())
		assert.True(t, spans[0].SpanContext().IsValid())
	})
}

func TestSetStatus(t *testing.T) {
	t.Run("ok status", func(t *testing.T) {
		sr, _, tracer := newTracer(t)
		ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", metadata.MD{})

		tracer.SetStatus(ctx, status.New(grpccodes.OK, ""))
		tracer.End(ctx)

		span := sr.Ended()[0]
		assert.Equal(t, otelcodes.Ok, span.Status().Code)
		code, ok := findAttr(t, span, semconv.RPCGRPCStatusCodeKey)
		require.True(t, ok)
		assert.Equal(t, int64(grpccodes.OK), code.AsInt64())
	})

	t.Run("error status carries the message", func(t *testing.T) {
		sr, _, tracer := newTracer(t)
		ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", metadata.MD{})

		tracer.SetStatus(ctx, status.New(grpccodes.DeadlineExceeded, "too slow"))
		tracer.End(ctx)

		span := sr.Ended()[0]
		assert.Equal(t, otelcodes.Error, span.Status().Code)
		assert.Equal(t, "too slow", span.Status().Description)
		code, ok := findAttr(t, span, semconv.RPCGRPCStatusCodeKey)
		require.True(t, ok)
		assert.Equal(t, int64(grpccodes.DeadlineExceeded), code.AsInt64())
	})
}

func TestTerminationGuard(t *testing.T) {
	t.Run("second end is logged and ignored", func(t *testing.T) {
		sr, logs, tracer := newTracer(t)
		ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", metadata.MD{})

		tracer.End(ctx)
		tracer.End(ctx)

		assert.Len(t, sr.Ended(), 1)
		assert.Equal(t, 1, logs.FilterMessage("span already terminated, ignoring duplicate termination").Len())
	})

	t.Run("end after exceptional end is ignored", func(t *testing.T) {
		sr, logs, tracer := newTracer(t)
		ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", metadata.MD{})

		tracer.EndExceptionally(ctx, errors.New("boom"))
		tracer.End(ctx)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, otelcodes.Error, spans[0].Status().Code)
		assert.Equal(t, 1, logs.Len())
	})
}

func TestEndExceptionally(t *testing.T) {
	sr, _, tracer := newTracer(t)
	ctx := tracer.StartSpan(context.Background(), "/test.Service/Method", metadata.MD{})

	tracer.EndExceptionally(ctx, errors.New("handler blew up"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, otelcodes.Error, span.Status().Code)
	assert.Equal(t, "handler blew up", span.Status().Description)

	require.NotEmpty(t, span.Events())
	assert.Equal(t, "exception", span.Events()[0].Name)
	var sawMessage bool
	for _, kv := range span.Events()[0].Attributes {
		if kv.Key == semconv.ExceptionMessageKey {
			sawMessage = true
			assert.Equal(t, "handler blew up", kv.Value.AsString())
		}
	}
	assert.True(t, sawMessage)
}

func findAttr(t *testing.T, span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	t.Helper()
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}
