package transport

import (
	"fmt"
	"net"
)

// Supported protocols
const (
	ProtocolTCP  = "tcp"  // Length-prefixed framing over TCP
	ProtocolPipe = "pipe" // Length-prefixed framing over in-memory pipes
)

// NewConn wraps an accepted connection for protocol.
// Will panic for unsupported protocols.
func NewConn(protocol string, conn net.Conn, opts Options) Conn {
	if protocol == "" {
		protocol = ProtocolTCP
	}

	switch protocol {
	case ProtocolTCP, ProtocolPipe:
		return NewStreamConn(conn, opts)
	default:
		panic(fmt.Sprintf("transport: unsupported protocol %q", protocol))
	}
}

// NewDialer returns a Dialer for a socket protocol. In-memory pipes need a
// shared PipeNetwork, which is itself a Dialer.
func NewDialer(protocol string) (Dialer, error) {
	switch protocol {
	case "", ProtocolTCP:
		return TCPDialer{Network: "tcp"}, nil
	case "tcp4", "tcp6":
		return TCPDialer{Network: protocol}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %q", protocol)
	}
}
