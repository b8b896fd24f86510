package parser

import "errors"

// Parse failures are grouped under sentinel errors so transport can classify
// and drop bad datagrams without partial results leaking upward.
var (
	ErrMissingStartLine      = errors.New("missing start line")
	ErrBadMethod             = errors.New("bad request method")
	ErrBadStatus             = errors.New("bad response status")
	ErrBadVia                = errors.New("bad Via header")
	ErrBadCSeq               = errors.New("bad CSeq header")
	ErrMissingRequiredHeader = errors.New("missing required header")
	ErrContentLengthMismatch = errors.New("content length mismatch")
)
