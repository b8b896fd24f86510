package media

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultRTPPortMin and DefaultRTPPortMax bound the RTP port range.
	DefaultRTPPortMin = 16384
	DefaultRTPPortMax = 32768

	// DefaultMaxPortAttempts is how many random probes allocator makes
	// before giving up on finding a free port.
	DefaultMaxPortAttempts = 100
)

// PortAllocator hands out UDP ports for RTP by probing the OS.
// Allocation is stateless, each probe is an independent bind attempt.
type PortAllocator struct {
	Min         int
	Max         int
	MaxAttempts int
}

// NewPortAllocator creates allocator over default RTP range.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		Min:         DefaultRTPPortMin,
		Max:         DefaultRTPPortMax,
		MaxAttempts: DefaultMaxPortAttempts,
	}
}

// AllocatePort probes up to MaxAttempts random even ports in range by
// open and close. When every attempt fails one final random port is
// returned anyway, the caller surfaces the bind failure.
func (a *PortAllocator) AllocatePort() int {
	for i := 0; i < a.MaxAttempts; i++ {
		port := a.randomEvenPort()
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		conn.Close()
		return port
	}

	port := a.randomEvenPort()
	log.Warn().Int("port", port).Int("attempts", a.MaxAttempts).Msg("rtp port allocation exhausted, returning unprobed port")
	return port
}

// Bind allocates a port and keeps the socket open. On probe exhaustion the
// final bind error is wrapped as ErrPortAllocationFailed.
func (a *PortAllocator) Bind(ip net.IP) (*net.UDPConn, int, error) {
	for i := 0; i < a.MaxAttempts; i++ {
		port := a.randomEvenPort()
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			continue
		}
		return conn, port, nil
	}

	port := a.randomEvenPort()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, port, fmt.Errorf("%d attempts in range %d-%d: %w", a.MaxAttempts, a.Min, a.Max, ErrPortAllocationFailed)
	}
	return conn, port, nil
}

// randomEvenPort picks even port for RTP, odd sibling stays free for RTCP.
func (a *PortAllocator) randomEvenPort() int {
	span := (a.Max - a.Min) / 2
	if span <= 0 {
		return a.Min
	}
	return a.Min + 2*rand.Intn(span)
}
