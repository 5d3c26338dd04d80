package channel

import "fmt"

// Transport selects the socket type carrying a channel.
type Transport int

const (
	// TransportStream is a connection-oriented byte stream (TCP) with
	// length-prefixed framing on top.
	TransportStream Transport = iota
	// TransportDatagram is connectionless (UDP); each datagram is one frame.
	TransportDatagram
)

func (t Transport) String() string {
	if t == TransportDatagram {
		return "udp"
	}
	return "tcp"
}

// Endpoint identifies the remote side of a channel. Immutable after channel
// creation.
type Endpoint struct {
	Host      string
	Port      int
	Transport Transport
}

// Network returns the net.Dial network name for the endpoint.
func (e Endpoint) Network() string {
	return e.Transport.String()
}

// Addr returns the host:port dial address.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Network(), e.Addr())
}
