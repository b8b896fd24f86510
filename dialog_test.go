package sipkit

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sipkit/sipkit/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEndpoint struct {
	ua     *UserAgent
	client *Client
	server *Server
	addr   string
}

func newTestEndpoint(t *testing.T) *testEndpoint {
	t.Helper()

	ua, err := NewUA(WithUserAgentIP("127.0.0.1"), WithUserAgentHostname("127.0.0.1"))
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server, err := NewServer(ua)
	require.NoError(t, err)

	go server.ServeUDP(conn)
	time.Sleep(10 * time.Millisecond)

	client, err := NewClient(ua, WithClientAddr(conn.LocalAddr().String()))
	require.NoError(t, err)

	return &testEndpoint{
		ua:     ua,
		client: client,
		server: server,
		addr:   conn.LocalAddr().String(),
	}
}

func (e *testEndpoint) uri(user string) sip.Uri {
	host, port, _ := sip.ParseAddr(e.addr)
	return sip.Uri{Scheme: sip.SchemeSIP, User: user, Host: host, Port: port}
}

func (e *testEndpoint) contact(user string) sip.ContactHeader {
	return sip.ContactHeader{Address: e.uri(user)}
}

// TestDialogCallFlow drives INVITE -> 180 -> 200 -> ACK -> BYE -> 200
// between two endpoints over loopback UDP.
func TestDialogCallFlow(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	bobDialogs := NewDialogServer(bob.client, bob.contact("bob"))

	var ackCSeq, byeCSeq atomic.Uint32
	uasConfirmed := make(chan struct{})
	uasEnded := make(chan struct{})

	bob.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := bobDialogs.ReadInvite(req, tx)
		require.NoError(t, err)

		require.NoError(t, dlg.Respond(sip.StatusRinging, "", nil))
		require.NoError(t, dlg.Respond(sip.StatusOK, "", nil))

		// keep transaction alive until ACK or timeout
		select {
		case <-dlg.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	bob.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		ackCSeq.Store(req.CSeq().SeqNo)
		require.NoError(t, bobDialogs.ReadAck(req, tx))
		close(uasConfirmed)
	})
	bob.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		byeCSeq.Store(req.CSeq().SeqNo)
		require.NoError(t, bobDialogs.ReadBye(req, tx))
		close(uasEnded)
	})

	aliceDialogs := NewDialogClient(alice.client, alice.contact("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := aliceDialogs.Invite(ctx, bob.uri("bob"), nil)
	require.NoError(t, err)

	var sawRinging bool
	err = sess.WaitAnswer(ctx, AnswerOptions{
		OnResponse: func(res *sip.Response) {
			if res.StatusCode == sip.StatusRinging {
				sawRinging = true
			}
		},
	})
	require.NoError(t, err)
	assert.True(t, sawRinging)
	assert.Equal(t, sip.DialogStateEstablished, sess.LoadState())

	inviteCSeq := sess.InviteRequest.CSeq().SeqNo

	require.NoError(t, sess.Ack(ctx))
	assert.Equal(t, sip.DialogStateConfirmed, sess.LoadState())

	select {
	case <-uasConfirmed:
	case <-time.After(2 * time.Second):
		t.Fatal("UAS never confirmed dialog")
	}

	// ACK reuses the INVITE sequence number
	assert.Equal(t, inviteCSeq, ackCSeq.Load())

	require.NoError(t, sess.Bye(ctx))
	assert.Equal(t, sip.DialogStateEnded, sess.LoadState())

	select {
	case <-uasEnded:
	case <-time.After(2 * time.Second):
		t.Fatal("UAS never saw BYE")
	}

	// BYE increments the local sequence number
	assert.Equal(t, inviteCSeq+1, byeCSeq.Load())

	assert.Equal(t, 0, aliceDialogs.Len())
	assert.Equal(t, 0, bobDialogs.Len())
}

// TestDialogCancelDuringRinging checks 487 on CANCEL while UAS is ringing.
func TestDialogCancelDuringRinging(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	bobDialogs := NewDialogServer(bob.client, bob.contact("bob"))

	uasCanceled := make(chan struct{})

	bob.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := bobDialogs.ReadInvite(req, tx)
		require.NoError(t, err)

		require.NoError(t, dlg.Respond(sip.StatusRinging, "", nil))

		// ring until canceled
		select {
		case <-dlg.Context().Done():
			close(uasCanceled)
		case <-time.After(5 * time.Second):
		}
	})

	aliceDialogs := NewDialogClient(alice.client, alice.contact("alice"))

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := aliceDialogs.Invite(ctx, bob.uri("bob"), nil)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- sess.WaitAnswer(ctx, AnswerOptions{
			OnResponse: func(res *sip.Response) {
				if res.StatusCode == sip.StatusRinging {
					cancel()
				}
			},
		})
	}()

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitAnswer never returned")
	}

	select {
	case <-uasCanceled:
	case <-time.After(5 * time.Second):
		t.Fatal("UAS dialog was not canceled")
	}
}

// TestDialogEarlyState checks 1xx with To tag creates early dialog.
func TestDialogEarlyState(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	bobDialogs := NewDialogServer(bob.client, bob.contact("bob"))

	bob.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := bobDialogs.ReadInvite(req, tx)
		require.NoError(t, err)

		require.NoError(t, dlg.Respond(sip.StatusRinging, "", nil))
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, dlg.Respond(sip.StatusOK, "", nil))

		select {
		case <-dlg.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	bob.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		bobDialogs.ReadAck(req, tx)
	})
	bob.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		bobDialogs.ReadBye(req, tx)
	})

	aliceDialogs := NewDialogClient(alice.client, alice.contact("alice"))

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	sess, err := aliceDialogs.Invite(ctx, bob.uri("bob"), nil)
	require.NoError(t, err)

	sawEarly := make(chan struct{}, 1)
	err = sess.WaitAnswer(ctx, AnswerOptions{
		OnResponse: func(res *sip.Response) {
			if res.StatusCode == sip.StatusRinging && sess.LoadState() == sip.DialogStateEarly {
				select {
				case sawEarly <- struct{}{}:
				default:
				}
			}
		},
	})
	require.NoError(t, err)

	select {
	case <-sawEarly:
	case <-time.After(time.Second):
		t.Fatal("dialog never hit early state on 180 with tag")
	}

	require.NoError(t, sess.Ack(ctx))
	require.NoError(t, sess.Bye(ctx))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry[string]()

	v, inserted := r.Put("a", "first")
	assert.True(t, inserted)
	assert.Equal(t, "first", v)

	// insert-if-absent
	v, inserted = r.Put("a", "second")
	assert.False(t, inserted)
	assert.Equal(t, "first", v)

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "first", got)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, r.Len())
	r.Delete("a")
	assert.Equal(t, 0, r.Len())
}
