package transport

import (
	"errors"

	"github.com/sipkit/sipkit/sip"
)

var (
	// SIPDebug enables raw SIP message tracing on read and write.
	SIPDebug bool

	ErrNetworkNotSuported = errors.New("protocol not supported")

	// ErrMessageTooLarge is returned when serialized message exceeds the
	// MTU guard. UDP cannot carry it safely - RFC 3261 18.1.1.
	ErrMessageTooLarge = errors.New("message too large")
)

const (
	// TransportUDP is used for setting message transport. Wire format is uppercase.
	TransportUDP = "UDP"

	// MTUSize is the path MTU guard for outgoing UDP datagrams.
	// Requests within 200 bytes of the path MTU must not be sent over UDP.
	MTUSize = 1500

	transportBufferSize = 65535
)

// Transport implements network specific features.
type Transport interface {
	Network() string
	GetConnection(addr string) (Connection, error)
	String() string
	Close() error
}

// IsReliable reports whether network retransmits on its own.
// Only datagram transport is supported, so this is always false.
func IsReliable(network string) bool {
	return false
}

// NetworkToLower is faster function converting UDP to udp
func NetworkToLower(network string) string {
	// Switch is faster then lower
	switch network {
	case "UDP":
		return "udp"
	default:
		return sip.ASCIIToLower(network)
	}
}
