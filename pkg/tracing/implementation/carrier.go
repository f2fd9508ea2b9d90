package implementation

import (
	"google.golang.org/grpc/metadata"
)

// metadataCarrier adapts gRPC metadata to the propagation carrier interface
// so inbound trace headers (traceparent, baggage) can be extracted.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
