package transport

import "fmt"

// Supported protocols
const (
	ProtocolTCP  = "tcp"  // Length-prefixed framing over TCP
	ProtocolGRPC = "grpc" // Raw frames over a gRPC bidirectional stream
)

// NewConnector returns a Connector for addr speaking protocol. An empty
// protocol means TCP.
func NewConnector(protocol, addr string, opts TCPOptions) (Connector, error) {
	if protocol == "" {
		protocol = ProtocolTCP
	}

	switch protocol {
	case ProtocolTCP:
		return NewTCPConnector(addr, opts), nil
	case ProtocolGRPC:
		return NewGRPCConnector(addr, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %q", protocol)
	}
}
