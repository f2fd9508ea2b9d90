package interceptor

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/jt828/go-grpc-tracing/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerInterceptor instruments server-side calls: one span per call,
// parented to the inbound trace context, annotated with peer and message
// metadata, and ended exactly once whichever way the call terminates.
type ServerInterceptor struct {
	tracer tracing.ServerTracer
	cfg    tracing.Config
	log    *zap.Logger
}

type Option func(*ServerInterceptor)

func WithConfig(cfg tracing.Config) Option {
	return func(i *ServerInterceptor) { i.cfg = cfg }
}

func WithLogger(log *zap.Logger) Option {
	return func(i *ServerInterceptor) { i.log = log }
}

func NewServerInterceptor(tracer tracing.ServerTracer, opts ...Option) *ServerInterceptor {
	i := &ServerInterceptor{tracer: tracer, log: zap.NewNop()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Intercept starts the call's span, invokes next with a status-recording
// call wrapper and returns a listener wrapper that re-establishes the trace
// context on every callback. An error or panic out of next is recorded on
// the span and propagated unchanged.
func (i *ServerInterceptor) Intercept(ctx context.Context, call ServerCall, headers metadata.MD, next Handler) (CallListener, error) {
	fullMethod := call.FullMethod()
	tctx := i.tracer.StartSpan(ctx, fullMethod, headers)

	span := trace.SpanFromContext(tctx)
	span.SetAttributes(peerAttributes(call.RemoteAddr())...)
	span.SetAttributes(rpcAttributes(fullMethod)...)

	defer func() {
		if r := recover(); r != nil {
			i.tracer.EndExceptionally(tctx, fmt.Errorf("handler panic: %v", r))
			panic(r)
		}
	}()

	delegate, err := next(tctx, &tracingServerCall{delegate: call, ctx: tctx, tracer: i.tracer}, headers)
	if err != nil {
		i.tracer.EndExceptionally(tctx, err)
		return nil, err
	}

	return &tracingCallListener{
		delegate:        delegate,
		ctx:             tctx,
		tracer:          i.tracer,
		log:             i.log,
		captureCanceled: i.cfg.ExperimentalSpanAttributes,
	}, nil
}

// tracingServerCall forwards every operation to the delegate call and
// records the terminal status before the close is delegated. It does not
// end the span: the inbound callback sequence owns termination, since
// completion or cancellation can arrive after or independent of the close.
type tracingServerCall struct {
	delegate ServerCall
	ctx      context.Context
	tracer   tracing.ServerTracer
}

func (c *tracingServerCall) FullMethod() string { return c.delegate.FullMethod() }

func (c *tracingServerCall) RemoteAddr() net.Addr { return c.delegate.RemoteAddr() }

func (c *tracingServerCall) Close(_ context.Context, st *status.Status, trailers metadata.MD) error {
	// Status is recorded first so it survives a failing delegate close.
	c.tracer.SetStatus(c.ctx, st)
	if err := c.delegate.Close(c.ctx, st, trailers); err != nil {
		c.tracer.EndExceptionally(c.ctx, err)
		return err
	}
	return nil
}

// tracingCallListener wraps the call's listener. Every callback delegates
// with the call's trace context substituted for the framework's, delegate
// errors are recorded and returned unchanged, and the single terminal
// callback (cancel or complete) ends the span through a one-shot guard.
type tracingCallListener struct {
	delegate        CallListener
	ctx             context.Context
	tracer          tracing.ServerTracer
	log             *zap.Logger
	captureCanceled bool

	receivedID atomic.Int64
	terminated atomic.Bool
}

func (l *tracingCallListener) OnMessage(_ context.Context, msg any) error {
	trace.SpanFromContext(l.ctx).AddEvent("message", trace.WithAttributes(
		MessageTypeReceived,
		MessageIDKey.Int64(l.receivedID.Add(1)),
	))
	if err := l.delegate.OnMessage(l.ctx, msg); err != nil {
		l.endExceptionally(err)
		return err
	}
	return nil
}

func (l *tracingCallListener) OnHalfClose(context.Context) error {
	// A half-close is not necessarily followed by completion on every
	// transport, so it never terminates the span itself.
	if err := l.delegate.OnHalfClose(l.ctx); err != nil {
		l.endExceptionally(err)
		return err
	}
	return nil
}

func (l *tracingCallListener) OnCancel(context.Context) error {
	if err := l.delegate.OnCancel(l.ctx); err != nil {
		l.endExceptionally(err)
		return err
	}
	if l.captureCanceled {
		trace.SpanFromContext(l.ctx).SetAttributes(attribute.Bool("grpc.canceled", true))
	}
	l.end()
	return nil
}

func (l *tracingCallListener) OnComplete(context.Context) error {
	if err := l.delegate.OnComplete(l.ctx); err != nil {
		l.endExceptionally(err)
		return err
	}
	l.end()
	return nil
}

func (l *tracingCallListener) OnReady(context.Context) error {
	if err := l.delegate.OnReady(l.ctx); err != nil {
		l.endExceptionally(err)
		return err
	}
	return nil
}

// end and endExceptionally share a compare-and-set guard: the framework
// promises exactly one terminal callback per call, and a violation of that
// contract is a logged defect rather than a double-ended span.
func (l *tracingCallListener) end() {
	if !l.terminated.CompareAndSwap(false, true) {
		l.log.Warn("duplicate terminal callback, span already ended",
			zap.String("span_id", trace.SpanContextFromContext(l.ctx).SpanID().String()))
		return
	}
	l.tracer.End(l.ctx)
}

func (l *tracingCallListener) endExceptionally(err error) {
	if !l.terminated.CompareAndSwap(false, true) {
		l.log.Warn("delegate failed after span already ended",
			zap.Error(err),
			zap.String("span_id", trace.SpanContextFromContext(l.ctx).SpanID().String()))
		return
	}
	l.tracer.EndExceptionally(l.ctx, err)
}
