package transaction

import (
	"testing"
	"time"

	"github.com/sipkit/sipkit/fakes"
	"github.com/sipkit/sipkit/sip"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortTimers(t *testing.T) {
	t.Helper()
	SetTimers(10*time.Millisecond, 40*time.Millisecond, 50*time.Millisecond)
	t.Cleanup(func() {
		SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
	})
}

func newTestRequest(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()

	req := sip.NewRequest(method, sip.Uri{Scheme: sip.SchemeSIP, User: "bob", Host: "127.0.0.2", Port: 5060})
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
	from.Params.Add("tag", "abc")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: sip.SchemeSIP, User: "bob", Host: "127.0.0.2"}, Params: sip.NewParams()})

	callid := sip.CallIDHeader("tx-test-call")
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.SetSource("127.0.0.1:5060")
	req.SetDestination("127.0.0.2:5060")
	req.SetTransport("UDP")
	return req
}

func TestMakeKeys(t *testing.T) {
	req := newTestRequest(t, sip.INVITE)

	serverKey, err := MakeServerTxKey(req)
	require.NoError(t, err)

	clientKey, err := MakeClientTxKey(req)
	require.NoError(t, err)

	branch := req.Via().Branch()
	assert.Contains(t, serverKey, branch)
	assert.Contains(t, serverKey, "127.0.0.1")
	assert.Contains(t, serverKey, "INVITE")
	assert.Contains(t, clientKey, branch)

	// ACK and CANCEL match the INVITE transaction
	ack := sip.NewAckRequestNon2xx(req, sip.NewResponseFromRequest(req, sip.StatusBusyHere, "", nil), nil)
	ackKey, err := MakeServerTxKey(ack)
	require.NoError(t, err)
	assert.Equal(t, serverKey, ackKey)

	cancel := sip.NewCancelRequest(req)
	cancelKey, err := MakeServerTxKey(cancel)
	require.NoError(t, err)
	assert.Equal(t, serverKey, cancelKey)
}

func TestMakeKeysRejectNonCompliantBranch(t *testing.T) {
	req := newTestRequest(t, sip.INVITE)
	req.Via().Params.Add("branch", "nomagiccookie")

	_, err := MakeServerTxKey(req)
	assert.Error(t, err)

	_, err = MakeClientTxKey(req)
	assert.Error(t, err)
}

func waitWritten(t *testing.T, conn *fakes.MsgConnection, n int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if conn.WrittenCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d written messages, got %d", n, conn.WrittenCount())
}

func TestClientTxInviteRetransmissions(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.INVITE)

	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	// Timer A doubles: T1, 2T1... several retransmissions within Timer B
	waitWritten(t, conn, 3, 20*Timer_A)

	// provisional stops retransmissions
	res := sip.NewResponseFromRequest(req, sip.StatusRinging, "", nil)
	go tx.Receive(res)

	got := <-tx.Responses()
	assert.Equal(t, sip.StatusRinging, got.StatusCode)

	count := conn.WrittenCount()
	time.Sleep(5 * Timer_A)
	assert.Equal(t, count, conn.WrittenCount(), "no retransmission after provisional")
}

func TestClientTxInviteTimeout(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.INVITE)

	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_B):
		t.Fatal("transaction should have timed out on Timer B")
	}
	assert.ErrorIs(t, tx.Err(), ErrTimeout)
}

func TestClientTxNonInvite2xx(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.OPTIONS)

	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	go tx.Receive(res)

	got := <-tx.Responses()
	assert.Equal(t, sip.StatusOK, got.StatusCode)

	// Timer K fires and terminates
	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_K):
		t.Fatal("transaction should terminate after Timer K")
	}
}

func TestClientTxInviteNon2xxSendsAck(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.INVITE)

	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "", nil)
	go tx.Receive(res)

	got := <-tx.Responses()
	assert.Equal(t, sip.StatusBusyHere, got.StatusCode)

	// INVITE + ACK at least
	waitWritten(t, conn, 2, time.Second)

	var sawAck bool
	for _, m := range conn.Written() {
		if r, ok := m.(*sip.Request); ok && r.IsAck() {
			sawAck = true
			assert.Equal(t, req.Via().Branch(), r.Via().Branch())
		}
	}
	assert.True(t, sawAck, "ACK for non-2xx final not sent")
}

func TestServerTxSends100TryingAfterDeadline(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.INVITE)

	key, err := MakeServerTxKey(req)
	require.NoError(t, err)

	tx := NewServerTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	// Timer_1xx is 200ms, no user response in that window
	waitWritten(t, conn, 1, 2*Timer_1xx+100*time.Millisecond)

	res, ok := conn.LastWritten().(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, sip.StatusTrying, res.StatusCode)
}

func TestServerTxInviteFinalRetransmitUntilAck(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.INVITE)

	key, err := MakeServerTxKey(req)
	require.NoError(t, err)

	tx := NewServerTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "", nil)
	require.NoError(t, tx.Respond(res))

	// Timer G retransmits final until ACK
	waitWritten(t, conn, 3, 20*Timer_G)

	ack := sip.NewAckRequestNon2xx(req, res, nil)
	require.NoError(t, tx.Receive(ack))

	got := <-tx.Acks()
	assert.True(t, got.IsAck())

	// after ACK retransmissions stop, Timer I terminates
	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_I):
		t.Fatal("transaction should terminate after Timer I")
	}
}

func TestServerTxNonInviteAbsorbsRetransmissions(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.OPTIONS)

	key, err := MakeServerTxKey(req)
	require.NoError(t, err)

	tx := NewServerTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	require.NoError(t, tx.Respond(res))
	require.Equal(t, 1, conn.WrittenCount())

	// request retransmission is absorbed by resending last response
	require.NoError(t, tx.Receive(req))
	waitWritten(t, conn, 2, time.Second)

	last, ok := conn.LastWritten().(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, sip.StatusOK, last.StatusCode)
}

func TestServerTxCancelDuringProceeding(t *testing.T) {
	shortTimers(t)

	conn := &fakes.MsgConnection{}
	req := newTestRequest(t, sip.INVITE)

	key, err := MakeServerTxKey(req)
	require.NoError(t, err)

	tx := NewServerTx(key, req, conn, zerolog.Nop())
	tx.OnTerminate(func(string) {})
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "", nil)
	require.NoError(t, tx.Respond(ringing))

	cancel := sip.NewCancelRequest(req)
	require.NoError(t, tx.Receive(cancel))

	// CANCEL is passed up for 487 handling
	got := <-tx.Cancels()
	assert.True(t, got.IsCancel())

	// 200 OK on the CANCEL itself was sent by the transaction
	var saw200OnCancel bool
	for _, m := range conn.Written() {
		if r, ok := m.(*sip.Response); ok && r.IsCancel() && r.StatusCode == sip.StatusOK {
			saw200OnCancel = true
		}
	}
	assert.True(t, saw200OnCancel, "transaction must answer 200 OK on CANCEL")
}
