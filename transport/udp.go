package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/sipkit/sipkit/parser"
	"github.com/sipkit/sipkit/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// UDPMaxBurst limits how many datagrams are drained before the read
	// loop yields to the scheduler.
	UDPMaxBurst = 10
)

// UDP transport implementation
type UDPTransport struct {
	parser *parser.Parser

	mu        sync.RWMutex
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(par *parser.Parser) *UDPTransport {
	t := &UDPTransport{
		parser: par,
	}
	t.log = log.Logger.With().Str("caller", "transport<UDP>").Logger()
	return t
}

func (t *UDPTransport) String() string {
	return "transport<UDP>"
}

func (t *UDPTransport) Network() string {
	return TransportUDP
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var werr error
	for _, l := range t.listeners {
		if err := l.PacketConn.Close(); err != nil {
			werr = err
		}
	}
	t.listeners = nil
	return werr
}

// Serve is direct way to provide conn on which this worker will listen.
// Socket is read serially, parsing is offloaded per datagram.
func (t *UDPTransport) Serve(conn net.PacketConn, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), conn.LocalAddr().String())

	c := &UDPConnection{PacketConn: conn, PacketAddr: conn.LocalAddr().String()}

	t.mu.Lock()
	t.listeners = append(t.listeners, c)
	t.mu.Unlock()

	t.readConnection(c, handler)
	return nil
}

func (t *UDPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// GetConnection will return same listener connection.
// UDP is connectionless so responses go out through the socket requests came in on.
func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.listeners {
		if l.PacketAddr == addr {
			return l, nil
		}
	}
	if len(t.listeners) > 0 {
		return t.listeners[0], nil
	}
	return nil, nil
}

func (t *UDPTransport) readConnection(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer conn.Close()

	burst := 0
	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		t.parseAndHandle(data, conn.PacketConn.LocalAddr().String(), raddr.String(), handler)

		// Bound how much of a datagram burst one wake drains.
		burst++
		if burst >= UDPMaxBurst {
			burst = 0
			runtime.Gosched()
		}
	}
}

func (t *UDPTransport) parseAndHandle(data []byte, laddr string, src string, handler sip.MessageHandler) {
	// Check is keep alive
	if len(data) <= 4 {
		//One or 2 CRLF
		if len(bytes.Trim(data, "\r\n")) == 0 {
			t.log.Debug().Msg("Keep alive CRLF received")
			return
		}
	}

	if SIPDebug {
		t.log.Debug().Msgf("UDP read %s <- %s:\n%s", laddr, src, string(data))
	}

	msg, err := t.parser.Parse(data) // Very expensive operation
	if err != nil {
		// Parse errors are local to the datagram. Log and drop.
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg)
}

// UDPConnection wraps listening packet socket.
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string // For faster matching

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) LocalAddr() net.Addr {
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) int {
	// Listener connection is shared and never reference counted away.
	return 0
}

func (c *UDPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.PacketConn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	// Listener socket is owned by its transport, not by writers.
	return 1, nil
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	return c.PacketConn.ReadFrom(b)
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(b, addr)
	if SIPDebug {
		log.Debug().Msgf("UDP write to %s -> %s:\n%s", c.PacketConn.LocalAddr().String(), addr.String(), string(b))
	}
	return n, err
}

func (c *UDPConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	// https://datatracker.ietf.org/doc/html/rfc3261#section-18.1.1
	// If a request is within 200 bytes of the path MTU it MUST be sent
	// using a congestion controlled transport. None is available here,
	// so refuse instead of fragmenting.
	if len(data) > MTUSize-200 {
		return fmt.Errorf("%d bytes over %d guard: %w", len(data), MTUSize-200, ErrMessageTooLarge)
	}

	dst := msg.Destination() // Destination should be already resolved by transport layer
	host, port, err := sip.ParseAddr(dst)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", dst, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("resolve destination %q failed: %w", dst, err)
		}
		ip = ips[0]
	}
	if port == 0 {
		port = sip.DefaultSipPort
	}
	raddr := net.UDPAddr{
		IP:   ip,
		Port: port,
	}

	n, err := c.WriteTo(data, &raddr)
	if err != nil {
		return fmt.Errorf("udp conn %s err. %w", c.PacketConn.LocalAddr().String(), err)
	}

	if n == 0 {
		return fmt.Errorf("wrote 0 bytes")
	}

	if n != len(data) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
