package parser

import (
	"github.com/sipkit/sipkit/sip"
)

const (
	paramsStateKey = iota
	paramsStateEqual
	paramsStateValue
	paramsStateQuote
)

// UnmarshalParams parses `key=value<sep>key2=value2` lists into p.
// Parsing stops at the ending rune. Returned n is number of consumed bytes.
// Values may be quoted and keys may have no value at all, like ;lr;
func UnmarshalParams(s string, seperator rune, ending rune, p sip.HeaderParams) (n int, err error) {
	var start, sep, quote int = 0, 0, -1
	state := paramsStateKey
	n = len(s)
	for i, c := range s {
		if c == ending && state != paramsStateQuote {
			n = i
			break
		}

		switch state {
		case paramsStateKey:
			sep = 0
			start = i
			state = paramsStateEqual

		case paramsStateEqual:
			if c == seperator {
				// Add support for empty values
				p.Add(s[start:i], "")
				state = paramsStateKey
				continue
			}

			if c != '=' {
				continue
			}

			sep = i
			state = paramsStateValue

		case paramsStateValue:
			switch c {
			case '"':
				state = paramsStateQuote
				quote = i
			case seperator:
				p.Add(s[start:sep], s[sep+1:i])
				state = paramsStateKey
			}
		case paramsStateQuote:
			if c != '"' {
				continue
			}
			p.Add(s[start:sep], s[quote+1:i])
			state = paramsStateKey
		}
	}

	// Do the last one
	if sep > 0 && n >= 0 && (start < sep) && state == paramsStateValue {
		p.Add(s[start:sep], s[sep+1:n])
	}
	// No seperator
	if sep == 0 && start < n && n >= 0 && state == paramsStateEqual {
		p.Add(s[start:n], "")
	}

	return n, nil
}
