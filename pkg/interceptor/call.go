package interceptor

import (
	"context"
	"net"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerCall is the instrumentation-facing view of one inbound RPC: an
// abstract duplex channel owned by the surrounding framework. It is closed
// exactly once and never reopened.
type ServerCall interface {
	// FullMethod returns the full method name, e.g. "/package.Service/Method".
	FullMethod() string

	// RemoteAddr returns the resolved peer address, or nil if unavailable.
	RemoteAddr() net.Addr

	// Close terminates the outbound half of the call with a final status.
	Close(ctx context.Context, st *status.Status, trailers metadata.MD) error
}

// CallListener is the callback sink for one call. The framework delivers
// callbacks sequentially per call; exactly one of OnCancel or OnComplete is
// delivered, after which no further callbacks arrive. Errors returned by a
// listener propagate to the framework unchanged.
type CallListener interface {
	OnMessage(ctx context.Context, msg any) error
	OnHalfClose(ctx context.Context) error
	OnCancel(ctx context.Context) error
	OnComplete(ctx context.Context) error
	OnReady(ctx context.Context) error
}

// Handler starts the application's handling of an intercepted call and
// returns its listener for the inbound callback sequence.
type Handler func(ctx context.Context, call ServerCall, headers metadata.MD) (CallListener, error)
