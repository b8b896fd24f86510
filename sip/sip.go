package sip

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// RFC3261BranchMagicCookie is the mandatory prefix of every RFC 3261
	// compliant branch parameter.
	RFC3261BranchMagicCookie = "z9hG4bK"

	DefaultProtocol = "UDP"

	DefaultSipPort = 5060
)

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	generateBranchStringWrite(sb, n)
	return sb.String()
}

func generateBranchStringWrite(sb *strings.Builder, n int) {
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
}

// DeterministicBranch derives a stable branch for loop detection.
// Same request produces same branch - RFC 3261 16.6.
func DeterministicBranch(req *Request) string {
	var fromTag, toTag, callID string
	if h := req.From(); h != nil {
		fromTag, _ = h.Params.Get("tag")
	}
	if h := req.To(); h != nil {
		toTag, _ = h.Params.Get("tag")
	}
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(req.Method),
		req.Recipient.String(),
		fromTag,
		toTag,
		callID,
	}, "|")))
	return RFC3261BranchMagicCookie + hex.EncodeToString(sum[:16])
}

// EnsureBranchCompliance prefixes branch with magic cookie if missing.
// It is idempotent and preserves any suffix after the cookie.
func EnsureBranchCompliance(branch string) string {
	if strings.HasPrefix(branch, RFC3261BranchMagicCookie) {
		return branch
	}
	return RFC3261BranchMagicCookie + branch
}

// IsBranchCompliant reports whether branch carries the magic cookie and a non empty suffix.
func IsBranchCompliant(branch string) bool {
	return strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		len(strings.TrimPrefix(branch, RFC3261BranchMagicCookie)) > 0
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// TxSeperator joins parts of transaction and dialog keys.
const TxSeperator = "__"

// MakeDialogID joins Call-ID, local and remote tag into canonical dialog ID.
func MakeDialogID(callID, localTag, remoteTag string) string {
	return strings.Join([]string{callID, localTag, remoteTag}, TxSeperator)
}

// MakeDialogIDFromResponse creates dialog ID on UAC side from the
// dialog establishing response. Local tag is the From tag.
func MakeDialogIDFromResponse(res *Response) (string, error) {
	callID, fromTag, toTag, err := readDialogTags(res)
	if err != nil {
		return "", err
	}
	return MakeDialogID(callID, fromTag, toTag), nil
}

// UASReadRequestDialogID creates dialog ID on UAS side from incoming request.
// Local tag is the To tag.
func UASReadRequestDialogID(req *Request) (string, error) {
	callID, fromTag, toTag, err := readDialogTags(req)
	if err != nil {
		return "", err
	}
	return MakeDialogID(callID, toTag, fromTag), nil
}

// UACReadRequestDialogID creates dialog ID on UAC side from own request.
func UACReadRequestDialogID(req *Request) (string, error) {
	callID, fromTag, toTag, err := readDialogTags(req)
	if err != nil {
		return "", err
	}
	return MakeDialogID(callID, fromTag, toTag), nil
}

func readDialogTags(msg Message) (callID string, fromTag string, toTag string, err error) {
	cid := msg.CallID()
	if cid == nil {
		return "", "", "", fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return "", "", "", fmt.Errorf("missing To header")
	}
	toTag, ok := to.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return "", "", "", fmt.Errorf("missing From header")
	}
	fromTag, ok = from.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in From header")
	}

	return cid.Value(), fromTag, toTag, nil
}

func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "unknown message type"
}
