package sipkit

import (
	"net"
	"strings"

	"github.com/sipkit/sipkit/parser"
	"github.com/sipkit/sipkit/sip"
	"github.com/sipkit/sipkit/transaction"
	"github.com/sipkit/sipkit/transport"
)

// UserAgent owns the transport and transaction layers shared between
// Client and Server handles of one SIP endpoint.
type UserAgent struct {
	name     string
	hostname string
	ip       net.IP

	dnsResolver *net.Resolver
	tp          *transport.Layer
	tx          *transaction.Layer
	parser      *parser.Parser
}

type UserAgentOption func(s *UserAgent) error

// WithUserAgent sets name used in From headers.
func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets hostname used in From headers.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

func WithUserAgentIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		addr, err := net.ResolveIPAddr("ip", ip)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithUserAgentDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

func WithUserAgentParser(p *parser.Parser) UserAgentOption {
	return func(s *UserAgent) error {
		s.parser = p
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	ua := &UserAgent{
		dnsResolver: net.DefaultResolver,
	}

	for _, o := range options {
		if err := o(ua); err != nil {
			return nil, err
		}
	}

	if ua.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := ua.setIP(v); err != nil {
			return nil, err
		}
	}

	if ua.parser == nil {
		ua.parser = parser.NewParser()
	}

	ua.tp = transport.NewLayer(ua.dnsResolver, ua.parser)
	ua.tx = transaction.NewLayer(ua.tp)
	return ua, nil
}

func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	if ua.hostname == "" {
		ua.hostname = strings.Split(ip.String(), ":")[0]
	}
	return err
}

// Close shuts transaction and transport layers down.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

// TransportLayer can be used for modifying
func (ua *UserAgent) TransportLayer() *transport.Layer {
	return ua.tp
}

// TransactionLayer exposes transaction layer of this user agent.
func (ua *UserAgent) TransactionLayer() *transaction.Layer {
	return ua.tx
}

// Hostname returns default hostname used for building requests.
func (ua *UserAgent) Hostname() string {
	return ua.hostname
}
