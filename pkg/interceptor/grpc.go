package interceptor

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// The grpc-go handler surface is synchronous and owns transport close, so
// these adapters synthesize the callback sequence the wrappers expect:
// RecvMsg drives OnMessage, io.EOF drives OnHalfClose, handler return
// drives Close plus OnComplete, and a dead stream context drives OnCancel.

// StreamServerInterceptor instruments streaming calls.
func (i *ServerInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		var (
			hctx  context.Context
			tcall ServerCall
		)
		listener, err := i.Intercept(ss.Context(), &streamCall{stream: ss, method: info.FullMethod}, md,
			func(ctx context.Context, call ServerCall, _ metadata.MD) (CallListener, error) {
				hctx, tcall = ctx, call
				return sinkListener{}, nil
			})
		if err != nil {
			return err
		}
		defer i.recoverHandlerPanic(hctx)

		herr := handler(srv, &tracingServerStream{ServerStream: ss, ctx: hctx, listener: listener})

		_ = tcall.Close(hctx, status.Convert(herr), nil)
		if ss.Context().Err() != nil {
			_ = listener.OnCancel(hctx)
		} else {
			_ = listener.OnComplete(hctx)
		}
		return herr
	}
}

// UnaryServerInterceptor instruments unary calls. The single request is
// reported as one received message followed by a half-close.
func (i *ServerInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var (
			hctx  context.Context
			tcall ServerCall
		)
		listener, err := i.Intercept(ctx, &unaryCall{ctx: ctx, method: info.FullMethod}, md,
			func(c context.Context, call ServerCall, _ metadata.MD) (CallListener, error) {
				hctx, tcall = c, call
				return sinkListener{}, nil
			})
		if err != nil {
			return nil, err
		}
		defer i.recoverHandlerPanic(hctx)

		if err := listener.OnMessage(hctx, req); err != nil {
			return nil, err
		}
		if err := listener.OnHalfClose(hctx); err != nil {
			return nil, err
		}

		resp, herr := handler(hctx, req)
		if herr == nil {
			trace.SpanFromContext(hctx).AddEvent("message", trace.WithAttributes(
				MessageTypeSent,
				MessageIDKey.Int64(1),
			))
		}

		_ = tcall.Close(hctx, status.Convert(herr), nil)
		if ctx.Err() != nil {
			_ = listener.OnCancel(hctx)
		} else {
			_ = listener.OnComplete(hctx)
		}
		return resp, herr
	}
}

func (i *ServerInterceptor) recoverHandlerPanic(ctx context.Context) {
	if r := recover(); r != nil {
		i.tracer.EndExceptionally(ctx, fmt.Errorf("handler panic: %v", r))
		panic(r)
	}
}

type streamCall struct {
	stream grpc.ServerStream
	method string
}

func (c *streamCall) FullMethod() string { return c.method }

func (c *streamCall) RemoteAddr() net.Addr {
	if p, ok := peer.FromContext(c.stream.Context()); ok {
		return p.Addr
	}
	return nil
}

// Close is a no-op: grpc-go closes the transport itself when the handler
// returns, the wrapper only needs the status recorded on the way through.
func (c *streamCall) Close(context.Context, *status.Status, metadata.MD) error { return nil }

type unaryCall struct {
	ctx    context.Context
	method string
}

func (c *unaryCall) FullMethod() string { return c.method }

func (c *unaryCall) RemoteAddr() net.Addr {
	if p, ok := peer.FromContext(c.ctx); ok {
		return p.Addr
	}
	return nil
}

func (c *unaryCall) Close(context.Context, *status.Status, metadata.MD) error { return nil }

// sinkListener stands in for the application listener: grpc-go handlers have
// no callback surface of their own.
type sinkListener struct{}

func (sinkListener) OnMessage(context.Context, any) error { return nil }
func (sinkListener) OnHalfClose(context.Context) error    { return nil }
func (sinkListener) OnCancel(context.Context) error       { return nil }
func (sinkListener) OnComplete(context.Context) error     { return nil }
func (sinkListener) OnReady(context.Context) error        { return nil }

// tracingServerStream feeds the listener wrapper from the handler's message
// loop and exposes the trace context to the handler.
type tracingServerStream struct {
	grpc.ServerStream
	ctx      context.Context
	listener CallListener
	sentID   atomic.Int64
}

func (s *tracingServerStream) Context() context.Context { return s.ctx }

func (s *tracingServerStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == io.EOF {
		if lerr := s.listener.OnHalfClose(s.ctx); lerr != nil {
			return lerr
		}
		return io.EOF
	}
	if err != nil {
		return err
	}
	return s.listener.OnMessage(s.ctx, m)
}

func (s *tracingServerStream) SendMsg(m any) error {
	trace.SpanFromContext(s.ctx).AddEvent("message", trace.WithAttributes(
		MessageTypeSent,
		MessageIDKey.Int64(s.sentID.Add(1)),
	))
	return s.ServerStream.SendMsg(m)
}
