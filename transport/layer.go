package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sipkit/sipkit/parser"
	"github.com/sipkit/sipkit/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Layer implementation.
// It owns the sockets, demultiplexes inbound datagrams to handlers and
// applies the RFC 3581 Via rewriting rules on incoming requests.
type Layer struct {
	udp *UDPTransport

	transports map[string]Transport

	listenPorts   map[string][]int
	listenPortsMu sync.Mutex
	dnsResolver   *net.Resolver

	handlers []sip.MessageHandler

	log zerolog.Logger

	// Parser used by transport layer. It can be overriden before setuping network transports
	Parser *parser.Parser
}

// NewLayer creates transport layer.
func NewLayer(dnsResolver *net.Resolver, sipparser *parser.Parser) *Layer {
	l := &Layer{
		transports:  make(map[string]Transport),
		listenPorts: make(map[string][]int),
		dnsResolver: dnsResolver,
		Parser:      sipparser,
	}

	l.log = log.Logger.With().Str("caller", "transportlayer").Logger()

	l.udp = NewUDPTransport(sipparser)
	l.transports["udp"] = l.udp

	return l
}

// OnMessage is main function which will be called on any new message by transport layer
func (l *Layer) OnMessage(h sip.MessageHandler) {
	l.handlers = append(l.handlers, h)
}

// handleMessage is transport layer for handling messages
func (l *Layer) handleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		// https://datatracker.ietf.org/doc/html/rfc3261#section-18.2.1
		// https://datatracker.ietf.org/doc/html/rfc3581#section-4
		l.rewriteRequestVia(m)
	}

	for _, h := range l.handlers {
		h(msg)
	}
}

// rewriteRequestVia stamps the top Via of every incoming request:
// received is always set to the packet source address, rport is filled
// with the source port when the client asked for it.
func (l *Layer) rewriteRequestVia(req *sip.Request) {
	via := req.Via()
	if via == nil {
		return
	}

	host, port, err := net.SplitHostPort(req.Source())
	if err != nil {
		return
	}

	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", host)
	if val, ok := via.Params.Get("rport"); ok && val == "" {
		via.Params.Add("rport", port)
	}
}

// ServeUDP will listen on udp connection
func (l *Layer) ServeUDP(c net.PacketConn) error {
	_, port, err := sip.ParseAddr(c.LocalAddr().String())
	if err != nil {
		return err
	}

	l.addListenPort("udp", port)

	return l.udp.Serve(c, l.handleMessage)
}

// ListenAndServe serves on network address. This function will block.
// Network supported: udp
func (l *Layer) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)
	if network != "udp" {
		return ErrNetworkNotSuported
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("fail to resolve address. err=%w", err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp error. err=%w", err)
	}

	go func() {
		<-ctx.Done()
		if err := udpConn.Close(); err != nil {
			l.log.Error().Err(err).Msg("Failed to close listener")
		}
	}()

	return l.ServeUDP(udpConn)
}

func (l *Layer) addListenPort(network string, port int) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()

	if l.listenPorts[network] == nil {
		l.listenPorts[network] = make([]int, 0)
	}
	l.listenPorts[network] = append(l.listenPorts[network], port)
}

// GetListenPort returns first listen port for network, 0 when none.
func (l *Layer) GetListenPort(network string) int {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()

	if ports, ok := l.listenPorts[network]; ok && len(ports) > 0 {
		return ports[0]
	}
	return 0
}

// ListenAddr returns host:port of first listener for network.
func (l *Layer) ListenAddr(network string) string {
	network = NetworkToLower(network)
	if network == "udp" && len(l.udp.listeners) > 0 {
		return l.udp.listeners[0].PacketAddr
	}
	return ""
}

// WriteMsg serializes message and sends it to message destination.
func (l *Layer) WriteMsg(msg sip.Message) error {
	network := msg.Transport()
	addr := msg.Destination()
	return l.WriteMsgTo(msg, addr, network)
}

func (l *Layer) WriteMsgTo(msg sip.Message, addr string, network string) error {
	if req, ok := msg.(*sip.Request); ok {
		// Destination host may need resolving before hitting socket.
		resolved, err := l.ResolveAddr(addr)
		if err != nil {
			return fmt.Errorf("invalid destination: %w", err)
		}
		req.SetDestination(resolved)
		addr = resolved
	}

	conn, err := l.GetConnection(network, addr)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("no listener on %s: %w", network, ErrNetworkNotSuported)
	}

	return conn.WriteMsg(msg)
}

// ResolveAddr resolves non IP hosts through the configured resolver.
func (l *Layer) ResolveAddr(addr string) (string, error) {
	host, port, err := sip.ParseAddr(addr)
	if err != nil {
		return "", err
	}
	if port == 0 {
		port = sip.DefaultSipPort
	}
	if ip := net.ParseIP(host); ip != nil {
		return fmt.Sprintf("%s:%d", host, port), nil
	}

	ctx := context.Background()
	addrs, err := l.dnsResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("lookup %q failed: %w", host, err)
	}
	return fmt.Sprintf("%s:%d", addrs[0].IP.String(), port), nil
}

// GetConnection gets existing connection based on addr
func (l *Layer) GetConnection(network, addr string) (Connection, error) {
	network = NetworkToLower(network)
	transport, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	c, err := transport.GetConnection(addr)
	if err == nil && c == nil {
		return nil, fmt.Errorf("connection %q does not exist", addr)
	}

	return c, err
}

func (l *Layer) Close() error {
	var werr error
	for _, t := range l.transports {
		if err := t.Close(); err != nil {
			// For now dump last error
			werr = err
		}
	}
	return werr
}
