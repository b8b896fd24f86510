package media

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePortInRange(t *testing.T) {
	a := NewPortAllocator()

	for i := 0; i < 10; i++ {
		port := a.AllocatePort()
		assert.GreaterOrEqual(t, port, DefaultRTPPortMin)
		assert.Less(t, port, DefaultRTPPortMax)
		assert.Equal(t, 0, port%2, "RTP ports are even")
	}
}

func TestBindHoldsPort(t *testing.T) {
	a := NewPortAllocator()

	conn, port, err := a.Bind(net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	defer conn.Close()

	assert.GreaterOrEqual(t, port, DefaultRTPPortMin)

	// the socket really owns the port
	_, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	assert.Error(t, err)
}

func TestAllocatorExhaustionStillReturnsPort(t *testing.T) {
	// pin the range to one single port and occupy it
	busy, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer busy.Close()

	busyPort := busy.LocalAddr().(*net.UDPAddr).Port

	a := &PortAllocator{
		Min:         busyPort,
		Max:         busyPort + 2,
		MaxAttempts: 5,
	}

	// probe based allocation falls back to a random pick and still
	// returns some port value
	port := a.AllocatePort()
	assert.Equal(t, busyPort, port)

	// bind reports the failure
	_, _, err = a.Bind(nil)
	assert.ErrorIs(t, err, ErrPortAllocationFailed)
}
