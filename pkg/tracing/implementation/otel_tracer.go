package implementation

import (
	"context"
	"sync/atomic"

	"github.com/jt828/go-grpc-tracing/pkg/tracing"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const instrumentationName = "github.com/jt828/go-grpc-tracing"

type otelServerTracer struct {
	provider   trace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	log        *zap.Logger
}

type Option func(*otelServerTracer)

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *otelServerTracer) { t.provider = tp }
}

func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *otelServerTracer) { t.propagator = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(t *otelServerTracer) { t.log = log }
}

func NewServerTracer(opts ...Option) tracing.ServerTracer {
	t := &otelServerTracer{}
	for _, opt := range opts {
		opt(t)
	}
	if t.provider == nil {
		t.provider = otel.GetTracerProvider()
	}
	if t.propagator == nil {
		t.propagator = otel.GetTextMapPropagator()
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	t.tracer = t.provider.Tracer(instrumentationName)
	return t
}

// terminatedKey carries the per-span termination flag through the context
// returned by StartSpan, shared by every wrapper holding that context.
type terminatedKey struct{}

func (t *otelServerTracer) StartSpan(ctx context.Context, fullMethod string, headers metadata.MD) context.Context {
	ctx = t.propagator.Extract(ctx, metadataCarrier(headers))
	ctx, _ = t.tracer.Start(ctx, spanName(fullMethod), trace.WithSpanKind(trace.SpanKindServer))
	return context.WithValue(ctx, terminatedKey{}, &atomic.Bool{})
}

func (t *otelServerTracer) SetStatus(ctx context.Context, st *status.Status) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int64(int64(st.Code())))
	if st.Code() == grpccodes.OK {
		span.SetStatus(otelcodes.Ok, "")
	} else {
		span.SetStatus(otelcodes.Error, st.Message())
	}
}

func (t *otelServerTracer) End(ctx context.Context) {
	if !t.terminate(ctx) {
		return
	}
	trace.SpanFromContext(ctx).End()
}

func (t *otelServerTracer) EndExceptionally(ctx context.Context, err error) {
	if !t.terminate(ctx) {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(otelcodes.Error, err.Error())
	span.End()
}

// terminate flips the one-shot termination flag. The caller contract is a
// single termination per span; a duplicate is a defect upstream, logged and
// swallowed so telemetry never disturbs the call.
func (t *otelServerTracer) terminate(ctx context.Context) bool {
	flag, ok := ctx.Value(terminatedKey{}).(*atomic.Bool)
	if !ok {
		return true
	}
	if !flag.CompareAndSwap(false, true) {
		t.log.Warn("span already terminated, ignoring duplicate termination",
			zap.String("span_id", trace.SpanContextFromContext(ctx).SpanID().String()))
		return false
	}
	return true
}

func spanName(fullMethod string) string {
	if len(fullMethod) > 0 && fullMethod[0] == '/' {
		return fullMethod[1:]
	}
	return fullMethod
}
