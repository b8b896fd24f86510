package transport

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sipkit/sipkit/parser"
	"github.com/sipkit/sipkit/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayer(t *testing.T) (*Layer, string) {
	t.Helper()

	l := NewLayer(net.DefaultResolver, parser.NewParser())

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go l.ServeUDP(conn)
	// give read loop a moment to start
	time.Sleep(10 * time.Millisecond)
	return l, conn.LocalAddr().String()
}

func testRawInvite(branchParams string) string {
	return strings.Join([]string{
		"INVITE sip:bob@127.0.0.1 SIP/2.0",
		"Via: SIP/2.0/UDP 10.9.9.9:7777;branch=z9hG4bK.transport1" + branchParams,
		"From: <sip:alice@10.9.9.9>;tag=abc",
		"To: <sip:bob@127.0.0.1>",
		"Call-ID: transport-call",
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
}

func TestEphemeralPortReported(t *testing.T) {
	l, addr := testLayer(t)

	_, port, err := sip.ParseAddr(addr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 1024)
	assert.Equal(t, port, l.GetListenPort("udp"))
	assert.Equal(t, addr, l.ListenAddr("udp"))
}

func TestInboundViaRewriting(t *testing.T) {
	l, addr := testLayer(t)

	msgs := make(chan sip.Message, 1)
	l.OnMessage(func(m sip.Message) {
		select {
		case msgs <- m:
		default:
		}
	})

	sender, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte(testRawInvite(";rport")))
	require.NoError(t, err)

	select {
	case m := <-msgs:
		req, ok := m.(*sip.Request)
		require.True(t, ok)
		assert.Equal(t, TransportUDP, req.Transport())

		via := req.Via()
		require.NotNil(t, via)

		// received always stamped with the packet source IP
		received, ok := via.Params.Get("received")
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1", received)

		// rport filled with the packet source port
		srcHost, srcPort, err := sip.ParseAddr(sender.LocalAddr().String())
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", srcHost)
		rport, ok := via.Params.Get("rport")
		require.True(t, ok)
		assert.Equal(t, srcPort, atoiOrZero(rport))

		assert.Equal(t, sender.LocalAddr().String(), req.Source())
	case <-time.After(2 * time.Second):
		t.Fatal("no message received by transport layer")
	}
}

func TestInboundWithoutRportStaysEmpty(t *testing.T) {
	l2, addr2 := testLayer(t)

	msgs := make(chan sip.Message, 1)
	l2.OnMessage(func(m sip.Message) {
		select {
		case msgs <- m:
		default:
		}
	})

	sender, err := net.Dial("udp", addr2)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte(testRawInvite("")))
	require.NoError(t, err)

	select {
	case m := <-msgs:
		via := m.(*sip.Request).Via()
		_, hasRport := via.Params.Get("rport")
		assert.False(t, hasRport)
		received, ok := via.Params.Get("received")
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1", received)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received by transport layer")
	}
}

func TestParseErrorsAreDropped(t *testing.T) {
	l, addr := testLayer(t)

	msgs := make(chan sip.Message, 1)
	l.OnMessage(func(m sip.Message) {
		select {
		case msgs <- m:
		default:
		}
	})

	sender, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("NOT A SIP MESSAGE AT ALL"))
	require.NoError(t, err)

	select {
	case <-msgs:
		t.Fatal("broken datagram must not propagate")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOutboundMTUGuard(t *testing.T) {
	l, addr := testLayer(t)

	req := buildOutboundRequest(addr)
	big := make([]byte, MTUSize)
	for i := range big {
		big[i] = 'a'
	}
	req.SetBody(big)

	err := l.WriteMsg(req)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestOutboundWrite(t *testing.T) {
	l, _ := testLayer(t)

	receiver, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	req := buildOutboundRequest(receiver.LocalAddr().String())
	require.NoError(t, l.WriteMsg(req))

	buf := make([]byte, 4096)
	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := receiver.ReadFrom(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "OPTIONS sip:bob@"))
}

func buildOutboundRequest(dest string) *sip.Request {
	host, port, _ := sip.ParseAddr(dest)
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: sip.SchemeSIP, User: "bob", Host: host, Port: port})
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: sip.Uri{Scheme: sip.SchemeSIP, User: "alice", Host: "127.0.0.1"}, Params: sip.NewParams()}
	from.Params.Add("tag", "tag1")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: sip.SchemeSIP, User: "bob", Host: host}, Params: sip.NewParams()})
	callid := sip.CallIDHeader("outbound-call")
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.SetTransport(TransportUDP)
	req.SetDestination(dest)
	return req
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
