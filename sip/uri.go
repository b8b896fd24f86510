package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// URI schemes understood by this stack.
const (
	SchemeSIP  = "sip"
	SchemeSIPS = "sips"
	SchemeTEL  = "tel"
)

// Uri is a structured SIP, SIPS or TEL URI - RFC 3261 19.1.
type Uri struct {
	// Scheme is one of sip, sips, tel. Empty scheme is rendered as sip.
	Scheme   string
	Wildcard bool

	// The user part of the URI: the 'joe' in sip:joe@bloggs.com
	User string

	// The password field of the URI. This is represented in the URI as joe:hunter2@bloggs.com.
	// RFC 3261 strongly recommends against the use of password fields in SIP URIs,
	// as they are fundamentally insecure.
	Password string

	// The host part of the URI. This can be a domain, or a string representation of an IP address.
	Host string

	// The port part of the URI. This is optional, and 0 when not set.
	Port int

	// Any parameters associated with the URI.
	// These appear as a semicolon-separated list of key=value pairs following the host[:port] part.
	UriParams HeaderParams

	// Any headers to be included on requests constructed from this URI.
	// These appear as a '&'-separated list at the end of the URI, introduced by '?'.
	Headers HeaderParams
}

func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	scheme := uri.Scheme
	if scheme == "" {
		scheme = SchemeSIP
	}
	buffer.WriteString(scheme)
	buffer.WriteString(":")

	// Optional userinfo part.
	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	// Compulsory hostname.
	buffer.WriteString(uri.Host)

	// Optional port number.
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		uri.UriParams.ToStringWrite(';', buffer)
	}

	if uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		uri.Headers.ToStringWrite('&', buffer)
	}
}

func (uri *Uri) Clone() *Uri {
	c := *uri
	if uri.UriParams != nil {
		c.UriParams = uri.UriParams.Clone()
	}
	if uri.Headers != nil {
		c.Headers = uri.Headers.Clone()
	}
	return &c
}

// IsEncrypted reports true for sips scheme.
func (uri *Uri) IsEncrypted() bool {
	return uri.Scheme == SchemeSIPS
}

// Addr returns scheme:host[:port] form without user part, used in some
// digest and routing contexts.
func (uri *Uri) Addr() string {
	scheme := uri.Scheme
	if scheme == "" {
		scheme = SchemeSIP
	}
	if uri.Port > 0 {
		return fmt.Sprintf("%s:%s:%d", scheme, uri.Host, uri.Port)
	}
	return fmt.Sprintf("%s:%s", scheme, uri.Host)
}

// HostPort returns host:port. Default SIP port is used when port is unset.
func (uri *Uri) HostPort() string {
	port := uri.Port
	if port == 0 {
		port = DefaultSipPort
	}
	return fmt.Sprintf("%s:%d", uri.Host, port)
}

// SupportedScheme reports whether s is a scheme this stack can route.
func SupportedScheme(s string) bool {
	switch s {
	case "", SchemeSIP, SchemeSIPS, SchemeTEL:
		return true
	}
	return false
}
