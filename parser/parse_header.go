package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sipkit/sipkit/sip"
)

// Here we have collection of headers parsing.
// Some headers parsing is moved to different files for better maintance.

// A HeaderParser is any function that turns raw header data into one or more Header objects.
type HeaderParser func(headerName string, headerData string) (sip.Header, error)

type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// This needs to kept minimalistic in order to avoid overhead of parsing.
// Compact forms - RFC 3261 7.3.3 - share the parser with the canonical name.
var headersParsers = map[string]HeaderParser{
	"to":                 parseToAddressHeader,
	"t":                  parseToAddressHeader,
	"from":               parseFromAddressHeader,
	"f":                  parseFromAddressHeader,
	"contact":            parseContactAddressHeader,
	"m":                  parseContactAddressHeader,
	"call-id":            parseCallId,
	"i":                  parseCallId,
	"cseq":               parseCSeq,
	"via":                parseViaHeader,
	"v":                  parseViaHeader,
	"max-forwards":       parseMaxForwards,
	"content-length":     parseContentLength,
	"l":                  parseContentLength,
	"content-type":       parseContentType,
	"c":                  parseContentType,
	"route":              parseRouteHeader,
	"record-route":       parseRecordRouteHeader,
	"expires":            parseExpires,
	"supported":          parseSupported,
	"k":                  parseSupported,
	"subject":            parseSubject,
	"s":                  parseSubject,
	"event":              parseEvent,
	"o":                  parseEvent,
	"subscription-state": parseSubscriptionState,
}

// ParseHeader parses one header line into a typed header.
// Headers without registered parser become GenericHeader.
func ParseHeader(headerText string) (header sip.Header, err error) {
	colonIdx := strings.Index(headerText, ":")
	if colonIdx == -1 {
		return nil, fmt.Errorf("field name with no value in header: %s", headerText)
	}

	fieldName := strings.TrimSpace(headerText[:colonIdx])
	lowerFieldName := sip.HeaderToLower(fieldName)
	fieldText := strings.TrimSpace(headerText[colonIdx+1:])
	if headerParser, ok := headersParsers[lowerFieldName]; ok {
		// We have a registered parser for this header type - use it.
		return headerParser(lowerFieldName, fieldText)
	}

	// We have no registered parser for this header type,
	// so we encapsulate the header data in a GenericHeader struct.
	header = &sip.GenericHeader{
		HeaderName: fieldName,
		Contents:   fieldText,
	}
	return header, nil
}

// parseCallId generates sip.CallIDHeader
func parseCallId(headerName string, headerText string) (
	header sip.Header, err error) {
	headerText = strings.TrimSpace(headerText)

	if len(headerText) == 0 {
		err = fmt.Errorf("empty Call-ID body")
		return
	}

	var callId = sip.CallIDHeader(headerText)

	return &callId, nil
}

// parseMaxForwards generates sip.MaxForwardsHeader
func parseMaxForwards(headerName string, headerText string) (header sip.Header, err error) {
	val, err := strconv.ParseUint(headerText, 10, 32)
	if err != nil {
		return nil, err
	}

	maxfwd := sip.MaxForwardsHeader(val)
	return &maxfwd, nil
}

// parseCSeq generates sip.CSeqHeader
func parseCSeq(headerName string, headerText string) (
	headers sip.Header, err error) {
	var cseq sip.CSeqHeader
	ind := strings.IndexAny(headerText, abnfWs)
	if ind < 1 || len(headerText)-ind < 2 {
		err = fmt.Errorf(
			"CSeq field should have precisely one whitespace section: '%s': %w",
			headerText, ErrBadCSeq,
		)
		return
	}

	var seqno uint64
	seqno, err = strconv.ParseUint(headerText[:ind], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid CSeq number: %w", ErrBadCSeq)
	}

	if seqno > maxCseq {
		err = fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value "+
			"2**31 - 1: %w", seqno, ErrBadCSeq)
		return
	}

	cseq.SeqNo = uint32(seqno)
	cseq.MethodName = sip.RequestMethod(strings.TrimSpace(headerText[ind+1:]))
	return &cseq, nil
}

// parseContentLength generates sip.ContentLengthHeader
func parseContentLength(headerName string, headerText string) (header sip.Header, err error) {
	var contentLength sip.ContentLengthHeader
	var value uint64
	value, err = strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	contentLength = sip.ContentLengthHeader(value)
	return &contentLength, err
}

// parseContentType generates sip.ContentTypeHeader
func parseContentType(headerName string, headerText string) (headers sip.Header, err error) {
	headerText = strings.TrimSpace(headerText)
	contentType := sip.ContentTypeHeader(headerText)
	return &contentType, nil
}

func parseExpires(headerName string, headerText string) (header sip.Header, err error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	if err != nil {
		return nil, err
	}
	expires := sip.ExpiresHeader(val)
	return &expires, nil
}

func parseSubject(headerName string, headerText string) (header sip.Header, err error) {
	subject := sip.SubjectHeader(strings.TrimSpace(headerText))
	return &subject, nil
}

func parseSupported(headerName string, headerText string) (header sip.Header, err error) {
	h := &sip.SupportedHeader{}
	for _, tag := range strings.Split(headerText, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			h.Tags = append(h.Tags, tag)
		}
	}
	return h, nil
}

func parseEvent(headerName string, headerText string) (header sip.Header, err error) {
	h := &sip.EventHeader{Params: sip.NewParams()}
	ind := strings.IndexByte(headerText, ';')
	if ind < 0 {
		h.EventType = strings.TrimSpace(headerText)
		return h, nil
	}
	h.EventType = strings.TrimSpace(headerText[:ind])
	_, err = UnmarshalParams(headerText[ind+1:], ';', '\r', h.Params)
	return h, err
}

func parseSubscriptionState(headerName string, headerText string) (header sip.Header, err error) {
	h := &sip.SubscriptionStateHeader{Params: sip.NewParams()}
	ind := strings.IndexByte(headerText, ';')
	if ind < 0 {
		h.State = strings.TrimSpace(headerText)
		return h, nil
	}
	h.State = strings.TrimSpace(headerText[:ind])
	_, err = UnmarshalParams(headerText[ind+1:], ';', '\r', h.Params)
	return h, err
}
