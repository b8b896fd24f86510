// Originaly forked from github.com/StefanKopieczek/gossip by @StefanKopieczek
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sipkit/sipkit/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The whitespace characters recognised by the Augmented Backus-Naur Form syntax
// that SIP uses (RFC 3261 S.25).
const abnfWs = " \t"

// The maximum permissible CSeq number in a SIP message (2**31 - 1).
// C.f. RFC 3261 S. 8.1.1.5.
const maxCseq = 2147483647

var bufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

// ParseMessage parses a SIP message by creating a parser on the fly.
func ParseMessage(msgData []byte) (sip.Message, error) {
	parser := NewParser()
	return parser.Parse(msgData)
}

type Parser struct {
	log zerolog.Logger
}

// NewParser creates message parser.
func NewParser() *Parser {
	p := &Parser{
		log: log.Logger,
	}
	return p
}

func (p *Parser) SetLogger(l zerolog.Logger) {
	p.log = l
}

// Parse converts data to sip message. Buffer must contain a full sip message.
// On failure a taxonomy error is returned and no message.
func (p *Parser) Parse(data []byte) (msg sip.Message, err error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err = ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := nextLine(reader)
		if err != nil {
			return nil, err
		}

		if len(line) == 0 {
			// We've hit the end of the header section.
			break
		}

		header, err := ParseHeader(line)
		if err != nil {
			if errors.Is(err, ErrBadVia) || errors.Is(err, ErrBadCSeq) {
				// Protocol critical headers fail the whole message.
				return nil, err
			}
			p.log.Info().Err(err).Str("line", line).Msg("skip header due to error")
			continue
		}
		msg.AppendHeader(header)
	}

	contentLength := getBodyLength(data)
	// SetBody below rewrites Content-Length, so the declared value is checked first.
	if h := msg.ContentLength(); h != nil && contentLength >= 0 && int(*h) != contentLength {
		return nil, fmt.Errorf("Content-Length %d body %d: %w", int(*h), contentLength, ErrContentLengthMismatch)
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		total, err := nextChunk(reader, body)
		if err != nil {
			return nil, fmt.Errorf("read message body failed: %w", err)
		}
		// RFC 3261 - 18.3.
		if total != contentLength {
			return nil, fmt.Errorf(
				"incomplete message body: read %d bytes, expected %d bytes: %w",
				total, contentLength, ErrContentLengthMismatch,
			)
		}

		if len(bytes.TrimSpace(body)) > 0 {
			msg.SetBody(body)
		}
	}

	if err := validateMessage(msg, contentLength); err != nil {
		return nil, err
	}
	return msg, nil
}

// validateMessage enforces the mandatory header set and body accounting.
func validateMessage(msg sip.Message, bodyLen int) error {
	if _, isReq := msg.(*sip.Request); isReq {
		if msg.CallID() == nil {
			return fmt.Errorf("Call-ID: %w", ErrMissingRequiredHeader)
		}
		if msg.From() == nil {
			return fmt.Errorf("From: %w", ErrMissingRequiredHeader)
		}
		if msg.To() == nil {
			return fmt.Errorf("To: %w", ErrMissingRequiredHeader)
		}
		if msg.CSeq() == nil {
			return fmt.Errorf("CSeq: %w", ErrMissingRequiredHeader)
		}
		if msg.Via() == nil {
			return fmt.Errorf("Via: %w", ErrMissingRequiredHeader)
		}
	}

	if h := msg.ContentLength(); h != nil && bodyLen >= 0 && int(*h) != bodyLen {
		return fmt.Errorf("Content-Length %d body %d: %w", int(*h), bodyLen, ErrContentLengthMismatch)
	}
	return nil
}

// ParseLine parses a start line into empty request or response.
func ParseLine(startLine string) (msg sip.Message, err error) {
	if len(strings.TrimSpace(startLine)) == 0 {
		return nil, ErrMissingStartLine
	}

	if isRequest(startLine) {
		recipient := sip.Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}

		req := sip.NewRequest(method, recipient)
		req.SipVersion = sipVersion
		return req, nil
	}

	if isResponse(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}

		res := sip.NewResponse(statusCode, reason)
		res.SipVersion = sipVersion
		return res, nil
	}
	return nil, fmt.Errorf("transmission beginning '%s' is not a SIP message: %w", startLine, ErrMissingStartLine)
}

func nextLine(reader *bytes.Buffer) (line string, err error) {
	line, err = reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", nil
		}
		return "", err
	}

	lenline := len(line)
	// https://www.rfc-editor.org/rfc/rfc3261.html#section-7
	// The start-line, each message-header line, and the empty line MUST be
	// terminated by a carriage-return line-feed sequence (CRLF).
	if lenline > 1 && line[lenline-2] == '\r' {
		line = line[:lenline-2]
		return line, nil
	}
	// Tolerate bare LF
	return line[:lenline-1], nil
}

func nextChunk(reader *bytes.Buffer, buf []byte) (n int, err error) {
	var read int
	total := 0
	for total < len(buf) {
		read, err = reader.Read(buf[total:])
		total += read
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Calculate the size of a SIP message's body, given the entire contents of the message as a byte array.
func getBodyLength(data []byte) int {
	// Body starts with first character following a double-CRLF.
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return -1
	}

	bodyStart := idx + 4

	return len(data) - bodyStart
}

// Heuristic to determine if the given transmission looks like a SIP request.
// It is guaranteed that any RFC3261-compliant request will pass this test,
// but invalid messages may not necessarily be rejected.
func isRequest(startLine string) bool {
	// SIP request lines contain precisely two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	part2 := startLine[ind+1+ind1+1:]
	ind2 := strings.IndexRune(part2, ' ')
	if ind2 >= 0 {
		return false
	}

	if len(part2) < 3 {
		return false
	}

	return sip.UriIsSIP(part2[:3])
}

// Heuristic to determine if the given transmission looks like a SIP response.
func isResponse(startLine string) bool {
	// SIP status lines contain at least two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	return sip.UriIsSIP(startLine[:3])
}

// ParseRequestLine parses the first line of a SIP request, e.g:
//
//	INVITE sip:bob@example.com SIP/2.0
func ParseRequestLine(requestLine string, recipient *sip.Uri) (
	method sip.RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		err = fmt.Errorf("request line should have 2 spaces: '%s': %w", requestLine, ErrMissingStartLine)
		return
	}

	method = sip.RequestMethod(strings.ToUpper(parts[0]))
	if !isToken(parts[0]) {
		err = fmt.Errorf("invalid method '%s': %w", parts[0], ErrBadMethod)
		return
	}

	err = ParseUri(parts[1], recipient)
	if err != nil {
		return
	}
	sipVersion = parts[2]

	if recipient.Wildcard {
		err = fmt.Errorf("wildcard URI '*' not permitted in request line: '%s'", requestLine)
		return
	}

	return
}

func isToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.ContainsRune("-.!%*_+`'~", c):
		default:
			return false
		}
	}
	return true
}

// ParseStatusLine parses the first line of a SIP response, e.g:
//
//	SIP/2.0 200 OK
func ParseStatusLine(statusLine string) (
	sipVersion string, statusCode sip.StatusCode, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		err = fmt.Errorf("status line has too few spaces: '%s': %w", statusLine, ErrMissingStartLine)
		return
	}

	sipVersion = parts[0]
	statusCodeRaw, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		err = fmt.Errorf("invalid status code '%s': %w", parts[1], ErrBadStatus)
		return
	}
	statusCode = sip.StatusCode(statusCodeRaw)
	if statusCode < 100 || statusCode > 699 {
		err = fmt.Errorf("status code %d out of range: %w", statusCode, ErrBadStatus)
		return
	}
	reasonPhrase = strings.Join(parts[2:], " ")

	return
}
