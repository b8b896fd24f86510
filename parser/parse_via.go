package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sipkit/sipkit/sip"
)

// Note that although Via headers may contain a comma-separated list, RFC 3261 makes it clear that
// these should not be treated as separate logical Via headers, but as multiple values on a single
// Via header. Hops are chained on ViaHeader.Next, top of stack first.
func parseViaHeader(headerName string, headerText string) (
	header sip.Header, err error) {
	h := &sip.ViaHeader{
		Params: sip.NewParams(),
	}

	hop := h
	str := headerText
	for {
		var coma int
		coma, err = parseViaHop(hop, str)
		if err != nil {
			return nil, err
		}
		if coma < 0 {
			break
		}

		next := &sip.ViaHeader{
			Params: sip.NewParams(),
		}
		hop.Next = next
		hop = next
		str = strings.TrimLeft(str[coma+1:], abnfWs)
	}
	return h, nil
}

// parseViaHop fills single hop. Returns index of trailing comma relative to s,
// or -1 when the value ends.
func parseViaHop(h *sip.ViaHeader, s string) (coma int, err error) {
	state := viaStateProtocol
	var ind, nextInd int
	for state != nil {
		state, nextInd, err = state(h, s[ind:])
		if err != nil {
			if e, ok := err.(errComaDetected); ok {
				return ind + int(e), nil
			}
			return -1, err
		}
		ind += nextInd
	}
	return -1, nil
}

type viaFSM func(h *sip.ViaHeader, s string) (viaFSM, int, error)

func viaStateProtocol(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return nil, 0, fmt.Errorf("malformed protocol name in Via header: %w", ErrBadVia)
	}
	h.ProtocolName = s[:ind]
	return viaStateProtocolVersion, ind + 1, nil
}

func viaStateProtocolVersion(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return nil, 0, fmt.Errorf("malformed protocol version in Via header: %w", ErrBadVia)
	}
	h.ProtocolVersion = s[:ind]
	return viaStateProtocolTransport, ind + 1, nil
}

func viaStateProtocolTransport(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexAny(s, " \t")
	if ind < 0 {
		return nil, 0, fmt.Errorf("malformed transport in Via header: %w", ErrBadVia)
	}
	h.Transport = s[:ind]
	return viaStateHost, ind + 1, nil
}

func viaStateHost(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	var colonInd int
	var endIndex int = len(s)
	var err error
loop:
	for i, c := range s {
		switch c {
		case ';':
			endIndex = i
			break loop
		case ',':
			endIndex = i
			break loop
		case ':':
			colonInd = i
			// Host has port part
		}
	}

	if colonInd > 0 {
		h.Port, err = strconv.Atoi(strings.TrimSpace(s[colonInd+1 : endIndex]))
		if err != nil {
			return nil, 0, fmt.Errorf("invalid port in Via sent-by: %w", ErrBadVia)
		}
		h.Host = s[:colonInd]
	} else {
		h.Host = strings.TrimRight(s[:endIndex], abnfWs)
	}

	if h.Host == "" {
		return nil, 0, fmt.Errorf("empty host in Via sent-by: %w", ErrBadVia)
	}

	if endIndex == len(s) {
		return nil, 0, nil
	}

	if s[endIndex] == ',' {
		return nil, 0, errComaDetected(endIndex)
	}

	return viaStateParams, endIndex + 1, nil
}

func viaStateParams(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	var err error
	coma := comaOutsideQuotes(s)
	if coma > 0 {
		_, err = UnmarshalParams(s[:coma], ';', ',', h.Params)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", err.Error(), ErrBadVia)
		}
		return nil, 0, errComaDetected(coma)
	}

	_, err = UnmarshalParams(s, ';', '\r', h.Params)
	if err != nil {
		err = fmt.Errorf("%s: %w", err.Error(), ErrBadVia)
	}
	return nil, 0, err
}

func comaOutsideQuotes(s string) int {
	inQuotes := false
	for i, c := range s {
		switch c {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}
