package interceptor

import (
	"net"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Span event attributes for individual RPC messages. The message.*
// namespace follows the RPC span event conventions.
var (
	MessageTypeKey = attribute.Key("message.type")
	MessageIDKey   = attribute.Key("message.id")

	MessageTypeReceived = MessageTypeKey.String("RECEIVED")
	MessageTypeSent     = MessageTypeKey.String("SENT")
)

// rpcAttributes derives the conventional rpc.* attributes from a full
// method name of the form "/service/Method".
func rpcAttributes(fullMethod string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.RPCSystemGRPC}
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		return attrs
	}
	if service != "" {
		attrs = append(attrs, semconv.RPCServiceKey.String(service))
	}
	if method != "" {
		attrs = append(attrs, semconv.RPCMethodKey.String(method))
	}
	return attrs
}

// peerAttributes maps a resolved TCP peer address to socket-level peer
// attributes. Other address families are skipped.
func peerAttributes(addr net.Addr) []attribute.KeyValue {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr == nil {
		return nil
	}
	return []attribute.KeyValue{
		semconv.NetSockPeerAddrKey.String(tcpAddr.IP.String()),
		semconv.NetSockPeerPortKey.Int(tcpAddr.Port),
	}
}
