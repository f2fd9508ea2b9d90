package tracing

import (
	"context"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerTracer owns the span lifecycle for one server-side call. StartSpan
// is called exactly once per call before any callback is delivered; exactly
// one of End or EndExceptionally must follow. Callers are responsible for
// the single-termination contract; implementations may additionally guard
// against violations, but must never fail the underlying call.
type ServerTracer interface {
	// StartSpan extracts any parent trace context from the inbound headers,
	// starts a server span for fullMethod as its child and returns a context
	// carrying the span. Must not block on exporter I/O.
	StartSpan(ctx context.Context, fullMethod string, headers metadata.MD) context.Context

	// SetStatus records the call's terminal status on the span without
	// ending it.
	SetStatus(ctx context.Context, st *status.Status)

	// End marks the span complete.
	End(ctx context.Context)

	// EndExceptionally records err as an exception, sets error status and
	// ends the span.
	EndExceptionally(ctx context.Context, err error)
}
