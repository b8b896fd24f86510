package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest(t *testing.T) *Request {
	t.Helper()

	req := NewRequest(INVITE, Uri{Scheme: SchemeSIP, User: "bob", Host: "10.0.0.2", Port: 5060})
	via := &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5060,
		Params:          NewParams(),
	}
	via.Params.Add("branch", GenerateBranch())
	req.AppendHeader(via)

	from := &FromHeader{Address: Uri{Scheme: SchemeSIP, User: "alice", Host: "10.0.0.1"}, Params: NewParams()}
	from.Params.Add("tag", "abc")
	req.AppendHeader(from)
	req.AppendHeader(&ToHeader{Address: Uri{Scheme: SchemeSIP, User: "bob", Host: "10.0.0.2"}, Params: NewParams()})

	callid := CallIDHeader("call-1")
	req.AppendHeader(&callid)
	req.AppendHeader(&CSeqHeader{SeqNo: 1, MethodName: INVITE})
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetSource("10.0.0.1:5060")
	return req
}

func TestNewResponseFromRequest(t *testing.T) {
	req := testRequest(t)
	res := NewResponseFromRequest(req, StatusOK, "", nil)

	assert.Equal(t, StatusOK, res.StatusCode)
	assert.Equal(t, "OK", res.Reason)

	// 8.2.6: Call-ID, CSeq, From copied, Via list equal
	assert.Equal(t, req.CallID().Value(), res.CallID().Value())
	assert.Equal(t, req.CSeq().SeqNo, res.CSeq().SeqNo)
	assert.Equal(t, req.CSeq().MethodName, res.CSeq().MethodName)
	assert.Equal(t, req.From().Value(), res.From().Value())
	assert.Equal(t, req.Via().Value(), res.Via().Value())
	assert.Equal(t, req.To().Address.String(), res.To().Address.String())

	// non 100 got a To tag
	_, hasTag := res.To().Params.Get("tag")
	assert.True(t, hasTag)

	// response goes back where request came from
	assert.Equal(t, "10.0.0.1:5060", res.Destination())
}

func TestNewResponseFromRequestTrying(t *testing.T) {
	req := testRequest(t)
	res := NewResponseFromRequest(req, StatusTrying, "", nil)

	assert.Equal(t, "Trying", res.Reason)
	_, hasTag := res.To().Params.Get("tag")
	assert.False(t, hasTag)
}

func TestReasonPhraseTable(t *testing.T) {
	assert.Equal(t, "Ringing", StatusText(StatusRinging))
	assert.Equal(t, "Not Acceptable Here", StatusText(StatusNotAcceptableHere))
	assert.Equal(t, "Request Terminated", StatusText(StatusRequestTerminated))
	assert.Equal(t, "Server Internal Error", StatusText(StatusInternalServerError))
	assert.Equal(t, "", StatusText(StatusCode(299)))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		code  StatusCode
		class int
	}{
		{StatusTrying, 1},
		{StatusRinging, 1},
		{StatusOK, 2},
		{StatusMovedTemporarily, 3},
		{StatusBusyHere, 4},
		{StatusInternalServerError, 5},
		{StatusGlobalDecline, 6},
	}

	for _, c := range cases {
		assert.Equal(t, c.class, StatusClass(c.code))
	}

	res := NewResponse(StatusRinging, "")
	assert.True(t, res.IsProvisional())
	assert.False(t, res.IsFailure())

	res = NewResponse(StatusBusyHere, "")
	assert.True(t, res.IsClientError())
	assert.True(t, res.IsFailure())

	res = NewResponse(StatusGlobalDecline, "")
	assert.True(t, res.IsGlobalError())
	assert.True(t, res.IsFailure())
}

func TestSetBodyRecomputesContentLength(t *testing.T) {
	req := testRequest(t)

	req.SetBody([]byte("hello"))
	require.NotNil(t, req.ContentLength())
	assert.Equal(t, 5, int(*req.ContentLength()))

	req.SetBody([]byte("hello longer body"))
	assert.Equal(t, 17, int(*req.ContentLength()))

	req.SetBody(nil)
	assert.Equal(t, 0, int(*req.ContentLength()))
}

func TestBranchGeneration(t *testing.T) {
	b1 := GenerateBranch()
	b2 := GenerateBranch()

	assert.True(t, strings.HasPrefix(b1, RFC3261BranchMagicCookie))
	assert.True(t, IsBranchCompliant(b1))
	assert.NotEqual(t, b1, b2)
}

func TestEnsureBranchCompliance(t *testing.T) {
	b := EnsureBranchCompliance("abcdef")
	assert.Equal(t, RFC3261BranchMagicCookie+"abcdef", b)

	// idempotent, suffix preserved
	assert.Equal(t, b, EnsureBranchCompliance(b))
}

func TestDeterministicBranch(t *testing.T) {
	req := testRequest(t)
	b1 := DeterministicBranch(req)
	b2 := DeterministicBranch(req)

	assert.Equal(t, b1, b2)
	assert.True(t, IsBranchCompliant(b1))

	other := testRequest(t)
	other.Method = BYE
	assert.NotEqual(t, b1, DeterministicBranch(other))
}

func TestDialogIDs(t *testing.T) {
	req := testRequest(t)
	res := NewResponseFromRequest(req, StatusOK, "", nil)
	toTag, _ := res.To().Params.Get("tag")

	uacID, err := MakeDialogIDFromResponse(res)
	require.NoError(t, err)
	assert.Equal(t, MakeDialogID("call-1", "abc", toTag), uacID)

	// UAS derives same dialog with tags swapped
	req.To().Params.Add("tag", toTag)
	uasID, err := UASReadRequestDialogID(req)
	require.NoError(t, err)
	assert.Equal(t, MakeDialogID("call-1", toTag, "abc"), uasID)
}

func TestRequestCloneIndependence(t *testing.T) {
	req := testRequest(t)
	req.SetBody([]byte("body"))

	clone := req.Clone()
	clone.From().Params.Add("tag", "changed")
	clone.SetBody([]byte("different"))

	tag, _ := req.From().Params.Get("tag")
	assert.Equal(t, "abc", tag)
	assert.Equal(t, []byte("body"), req.Body())
}

func TestNewAckRequestNon2xx(t *testing.T) {
	req := testRequest(t)
	res := NewResponseFromRequest(req, StatusBusyHere, "", nil)

	ack := NewAckRequestNon2xx(req, res, nil)

	assert.Equal(t, ACK, ack.Method)
	// same branch as INVITE - transaction ACK
	assert.Equal(t, req.Via().Branch(), ack.Via().Branch())
	assert.Equal(t, req.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, ACK, ack.CSeq().MethodName)
	// To mirrors the response including its tag
	assert.Equal(t, res.To().Value(), ack.To().Value())
}

func TestNewCancelRequest(t *testing.T) {
	req := testRequest(t)
	cancel := NewCancelRequest(req)

	assert.Equal(t, CANCEL, cancel.Method)
	assert.Equal(t, req.Via().Branch(), cancel.Via().Branch())
	assert.Equal(t, req.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, req.CallID().Value(), cancel.CallID().Value())
}

func TestHeaderSerializationOrder(t *testing.T) {
	req := testRequest(t)
	rendered := req.String()

	viaIdx := strings.Index(rendered, "Via:")
	fromIdx := strings.Index(rendered, "From:")
	cseqIdx := strings.Index(rendered, "CSeq:")

	require.True(t, viaIdx >= 0 && fromIdx >= 0 && cseqIdx >= 0)
	assert.Less(t, viaIdx, fromIdx)
	assert.Less(t, fromIdx, cseqIdx)
}

func TestGetHeaderCompactLookup(t *testing.T) {
	req := testRequest(t)

	assert.NotNil(t, req.GetHeader("v"))
	assert.NotNil(t, req.GetHeader("f"))
	assert.NotNil(t, req.GetHeader("i"))
	assert.NotNil(t, req.GetHeader("Via"))
	assert.Nil(t, req.GetHeader("x-unknown"))
}
