package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sipkit/sipkit/sip"
)

// ParseAddressValue parses an address - such as from a From, To, or
// Contact header. See RFC 3261 section 20.10 for details on parsing an address.
// Note that this method will not accept a comma-separated list of addresses.
func ParseAddressValue(addressText string, uri *sip.Uri, headerParams sip.HeaderParams) (displayName string, err error) {
	var semicolon, equal, startQuote, endQuote int = -1, -1, -1, -1
	var name string
	var uriStart, uriEnd int = 0, -1
	var inBrackets bool
	for i, c := range addressText {
		switch c {
		case '"':
			if startQuote < 0 {
				startQuote = i
			} else {
				endQuote = i
			}
		case '<':
			if uriStart > 0 {
				// This must be additional options parsing
				continue
			}

			// display-name   =  *(token LWS)/ quoted-string
			if endQuote > 0 {
				displayName = addressText[startQuote+1 : endQuote]
				startQuote, endQuote = -1, -1
			} else {
				displayName = strings.TrimSpace(addressText[:i])
			}
			uriStart = i + 1
			inBrackets = true
		case '>':
			// uri can be without <> in that case there all after ; are header params
			uriEnd = i
			equal = -1
			inBrackets = false
		case ';':
			semicolon = i
			// uri can be without <> in that case there all after ; are header params
			if inBrackets {
				continue
			}

			if uriEnd < 0 {
				uriEnd = i
				continue
			}

			if equal > 0 {
				val := addressText[equal+1 : i]
				headerParams.Add(name, val)
				name = ""
				equal = 0
			}

		case '=':
			if inBrackets || semicolon < 0 {
				continue
			}
			name = addressText[semicolon+1 : i]
			equal = i
		case '*':
			if startQuote > 0 || uriStart > 0 {
				continue
			}
			uri.Wildcard = true
			return
		}
	}

	if uriEnd < 0 {
		uriEnd = len(addressText)
	}

	if uriStart > uriEnd {
		return "", errors.New("malformed URI")
	}

	err = ParseUri(addressText[uriStart:uriEnd], uri)
	if err != nil {
		return
	}

	if equal > 0 {
		val := addressText[equal+1:]
		headerParams.Add(name, val)
		name = ""
	}

	return
}

// parseToAddressHeader generates sip.ToHeader
func parseToAddressHeader(headerName string, headerText string) (header sip.Header, err error) {
	h := &sip.ToHeader{
		Address: sip.Uri{},
		Params:  sip.NewParams(),
	}
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, h.Params)
	if err != nil {
		return
	}

	if h.Address.Wildcard {
		// The Wildcard '*' URI is only permitted in Contact headers.
		err = fmt.Errorf(
			"wildcard uri not permitted in To header: %s",
			headerText,
		)
		return
	}
	return h, nil
}

// parseFromAddressHeader generates sip.FromHeader
func parseFromAddressHeader(headerName string, headerText string) (header sip.Header, err error) {
	h := sip.FromHeader{
		Address: sip.Uri{},
		Params:  sip.NewParams(),
	}
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, h.Params)
	if err != nil {
		return
	}

	if h.Address.Wildcard {
		// The Wildcard '*' URI is only permitted in Contact headers.
		err = fmt.Errorf(
			"wildcard uri not permitted in From header: %s",
			headerText,
		)
		return
	}
	return &h, nil
}

// parseContactAddressHeader generates sip.ContactHeader, chaining
// comma separated values on Next.
func parseContactAddressHeader(headerName string, headerText string) (header sip.Header, err error) {
	head := &sip.ContactHeader{
		Params: sip.NewParams(),
	}

	h := head
	rest := headerText
	for {
		value, remainder := splitUnescaped(rest)
		h.DisplayName, err = ParseAddressValue(value, &h.Address, h.Params)
		if err != nil {
			return nil, err
		}

		if remainder == "" {
			break
		}
		next := &sip.ContactHeader{
			Params: sip.NewParams(),
		}
		h.Next = next
		h = next
		rest = remainder
	}

	return head, nil
}

// splitUnescaped splits value on first comma that is outside quotes and angle brackets.
func splitUnescaped(text string) (value string, remainder string) {
	inBrackets := false
	inQuotes := false

	for idx, char := range text {
		switch {
		case char == '"':
			inQuotes = !inQuotes
		case char == '<' && !inQuotes:
			inBrackets = true
		case char == '>' && !inQuotes:
			inBrackets = false
		case char == ',' && !inQuotes && !inBrackets:
			return text[:idx], strings.TrimLeft(text[idx+1:], abnfWs)
		}
	}
	return text, ""
}

// parseRouteHeader generates sip.RouteHeader
func parseRouteHeader(headerName string, headerText string) (header sip.Header, err error) {
	head := &sip.RouteHeader{}

	h := head
	rest := headerText
	for {
		value, remainder := splitUnescaped(rest)
		if _, err = ParseAddressValue(value, &h.Address, nil); err != nil {
			return nil, err
		}

		if remainder == "" {
			break
		}
		next := &sip.RouteHeader{}
		h.Next = next
		h = next
		rest = remainder
	}
	return head, nil
}

// parseRecordRouteHeader generates sip.RecordRouteHeader
func parseRecordRouteHeader(headerName string, headerText string) (header sip.Header, err error) {
	head := &sip.RecordRouteHeader{}

	h := head
	rest := headerText
	for {
		value, remainder := splitUnescaped(rest)
		if _, err = ParseAddressValue(value, &h.Address, nil); err != nil {
			return nil, err
		}

		if remainder == "" {
			break
		}
		next := &sip.RecordRouteHeader{}
		h.Next = next
		h = next
		rest = remainder
	}
	return head, nil
}
