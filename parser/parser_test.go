package parser

import (
	"strings"
	"testing"

	"github.com/sipkit/sipkit/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInvite = strings.Join([]string{
	"INVITE sip:bob@127.0.0.2:5060 SIP/2.0",
	"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK.abcdef123",
	"Max-Forwards: 70",
	"From: \"Alice\" <sip:alice@127.0.0.1>;tag=abc",
	"To: <sip:bob@127.0.0.2>",
	"Call-ID: call-1",
	"CSeq: 1 INVITE",
	"Contact: <sip:alice@127.0.0.1:5060>",
	"Content-Type: application/sdp",
	"Content-Length: 12",
	"",
	"v=0\r\no=- 1 1",
}, "\r\n")

func TestParseInvite(t *testing.T) {
	msg, err := ParseMessage([]byte(testInvite))
	require.NoError(t, err)

	req, ok := msg.(*sip.Request)
	require.True(t, ok)

	assert.Equal(t, sip.INVITE, req.Method)
	assert.Equal(t, "bob", req.Recipient.User)
	assert.Equal(t, "127.0.0.2", req.Recipient.Host)
	assert.Equal(t, 5060, req.Recipient.Port)

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "UDP", via.Transport)
	assert.Equal(t, "127.0.0.1", via.Host)
	assert.Equal(t, 5060, via.Port)
	assert.Equal(t, "z9hG4bK.abcdef123", via.Branch())

	from := req.From()
	require.NotNil(t, from)
	assert.Equal(t, "Alice", from.DisplayName)
	tag, _ := from.Params.Get("tag")
	assert.Equal(t, "abc", tag)

	require.NotNil(t, req.To())
	_, hasTag := req.To().Params.Get("tag")
	assert.False(t, hasTag)

	require.NotNil(t, req.CSeq())
	assert.Equal(t, uint32(1), req.CSeq().SeqNo)
	assert.Equal(t, sip.INVITE, req.CSeq().MethodName)

	assert.Equal(t, "call-1", req.CallID().Value())
	assert.Equal(t, []byte("v=0\r\no=- 1 1"), req.Body())

	mf := req.MaxForwards()
	require.NotNil(t, mf)
	assert.Equal(t, 70, mf.Val())
}

func TestParseResponse(t *testing.T) {
	data := strings.Join([]string{
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK.xyz",
		"From: <sip:alice@127.0.0.1>;tag=abc",
		"To: <sip:bob@127.0.0.2>;tag=def",
		"Call-ID: call-1",
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(data))
	require.NoError(t, err)

	res, ok := msg.(*sip.Response)
	require.True(t, ok)

	assert.Equal(t, sip.StatusCode(180), res.StatusCode)
	assert.Equal(t, "Ringing", res.Reason)
	assert.True(t, res.IsProvisional())
}

func TestParseSerializeRoundTrip(t *testing.T) {
	msg, err := ParseMessage([]byte(testInvite))
	require.NoError(t, err)

	reparsed, err := ParseMessage([]byte(msg.String()))
	require.NoError(t, err)

	assert.Equal(t, msg.String(), reparsed.String())
	assert.Equal(t, msg.StartLine(), reparsed.StartLine())
}

func TestParseErrors(t *testing.T) {
	t.Run("missing start line", func(t *testing.T) {
		_, err := ParseMessage([]byte("\r\n\r\n"))
		assert.ErrorIs(t, err, ErrMissingStartLine)
	})

	t.Run("garbage start line", func(t *testing.T) {
		_, err := ParseMessage([]byte("HELLO WORLD\r\n\r\n"))
		assert.ErrorIs(t, err, ErrMissingStartLine)
	})

	t.Run("bad status", func(t *testing.T) {
		_, err := ParseMessage([]byte("SIP/2.0 999 Whatever\r\n\r\n"))
		assert.ErrorIs(t, err, ErrBadStatus)
	})

	t.Run("bad cseq", func(t *testing.T) {
		data := strings.Replace(testInvite, "CSeq: 1 INVITE", "CSeq: notanumber INVITE", 1)
		_, err := ParseMessage([]byte(data))
		assert.ErrorIs(t, err, ErrBadCSeq)
	})

	t.Run("missing required header", func(t *testing.T) {
		data := strings.Replace(testInvite, "Call-ID: call-1\r\n", "", 1)
		_, err := ParseMessage([]byte(data))
		assert.ErrorIs(t, err, ErrMissingRequiredHeader)
	})

	t.Run("content length mismatch", func(t *testing.T) {
		data := strings.Replace(testInvite, "Content-Length: 12", "Content-Length: 99", 1)
		_, err := ParseMessage([]byte(data))
		assert.ErrorIs(t, err, ErrContentLengthMismatch)
	})

	t.Run("bad via", func(t *testing.T) {
		data := strings.Replace(testInvite,
			"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK.abcdef123",
			"Via: garbage", 1)
		_, err := ParseMessage([]byte(data))
		assert.ErrorIs(t, err, ErrBadVia)
	})
}

func TestParseCompactForms(t *testing.T) {
	data := strings.Join([]string{
		"MESSAGE sip:bob@127.0.0.2 SIP/2.0",
		"v: SIP/2.0/UDP 127.0.0.1;branch=z9hG4bK.compact1",
		"f: <sip:alice@127.0.0.1>;tag=abc",
		"t: <sip:bob@127.0.0.2>",
		"i: compact-call",
		"CSeq: 5 MESSAGE",
		"m: <sip:alice@127.0.0.1>",
		"l: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(data))
	require.NoError(t, err)

	req := msg.(*sip.Request)
	require.NotNil(t, req.Via())
	require.NotNil(t, req.From())
	require.NotNil(t, req.To())
	require.NotNil(t, req.Contact())
	assert.Equal(t, "compact-call", req.CallID().Value())
	require.NotNil(t, req.ContentLength())
}

func TestParseMultiVia(t *testing.T) {
	data := strings.Join([]string{
		"INVITE sip:bob@127.0.0.2 SIP/2.0",
		"Via: SIP/2.0/UDP proxy.example.com:5060;branch=z9hG4bK.top, SIP/2.0/UDP 10.0.0.1:5062;branch=z9hG4bK.bottom;received=1.2.3.4",
		"From: <sip:alice@127.0.0.1>;tag=abc",
		"To: <sip:bob@127.0.0.2>",
		"Call-ID: call-2",
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(data))
	require.NoError(t, err)

	req := msg.(*sip.Request)
	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "proxy.example.com", via.Host)
	assert.Equal(t, "z9hG4bK.top", via.Branch())

	require.NotNil(t, via.Next)
	assert.Equal(t, "10.0.0.1", via.Next.Host)
	assert.Equal(t, 5062, via.Next.Port)
	assert.Equal(t, "z9hG4bK.bottom", via.Next.Branch())
	received, _ := via.Next.Params.Get("received")
	assert.Equal(t, "1.2.3.4", received)

	vias := req.AllVias()
	require.Len(t, vias, 2)
	assert.Equal(t, "proxy.example.com", vias[0].Host)
}

func TestParseViaFormatRoundTrip(t *testing.T) {
	raw := "SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK.rt;rport;received=9.8.7.6"
	h, err := ParseHeader("Via: " + raw)
	require.NoError(t, err)

	via := h.(*sip.ViaHeader)
	assert.Equal(t, raw, via.Value())

	h2, err := ParseHeader(via.String())
	require.NoError(t, err)
	assert.Equal(t, via.Value(), h2.(*sip.ViaHeader).Value())
}

func TestParseUriForms(t *testing.T) {
	cases := []string{
		"sip:alice@example.com",
		"sip:alice@example.com:5070",
		"sips:bob@secure.example.com",
		"sip:carol@10.0.0.1;transport=udp",
		"tel:+15551234567",
	}

	for _, raw := range cases {
		uri := sip.Uri{}
		require.NoError(t, ParseUri(raw, &uri), raw)

		reparsed := sip.Uri{}
		require.NoError(t, ParseUri(uri.String(), &reparsed), raw)
		assert.Equal(t, uri.String(), reparsed.String(), raw)
	}
}

func TestParseUriParts(t *testing.T) {
	uri := sip.Uri{}
	require.NoError(t, ParseUri("sips:alice:secret@example.com:5061;transport=tls?X-Key=1", &uri))

	assert.Equal(t, sip.SchemeSIPS, uri.Scheme)
	assert.True(t, uri.IsEncrypted())
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "secret", uri.Password)
	assert.Equal(t, "example.com", uri.Host)
	assert.Equal(t, 5061, uri.Port)
	tr, _ := uri.UriParams.Get("transport")
	assert.Equal(t, "tls", tr)
	key, _ := uri.Headers.Get("X-Key")
	assert.Equal(t, "1", key)
}

func TestParseRouteHeaders(t *testing.T) {
	h, err := ParseHeader("Record-Route: <sip:p1.example.com;lr>, <sip:p2.example.com;lr>")
	require.NoError(t, err)

	rr := h.(*sip.RecordRouteHeader)
	assert.Equal(t, "p1.example.com", rr.Address.Host)
	require.NotNil(t, rr.Next)
	assert.Equal(t, "p2.example.com", rr.Next.Address.Host)
	assert.True(t, rr.Address.UriParams.Has("lr"))
}
