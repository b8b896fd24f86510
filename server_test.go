package sipkit

import (
	"context"
	"testing"
	"time"

	"github.com/sipkit/sipkit/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerMethodNotAllowed(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	// bob only accepts INVITE and BYE
	srv, err := NewServer(bob.ua, WithServerAllowedMethods(sip.INVITE, sip.ACK, sip.BYE))
	require.NoError(t, err)
	srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		t.Error("handler must not fire for disallowed method")
	})
	bob.server = srv

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := sip.NewRequest(sip.OPTIONS, bob.uri("bob"))
	res, err := alice.client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusMethodNotAllowed, res.StatusCode)
}

func TestServerNotImplementedDefault(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := sip.NewRequest(sip.MESSAGE, bob.uri("bob"))
	res, err := alice.client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusNotImplemented, res.StatusCode)
}

func TestServerMaxForwardsExhausted(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	bob.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		t.Error("handler must not fire when Max-Forwards is 0")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := sip.NewRequest(sip.OPTIONS, bob.uri("bob"))
	maxFwd := sip.MaxForwardsHeader(0)
	req.AppendHeader(&maxFwd)

	res, err := alice.client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusTooManyHops, res.StatusCode)
}

func TestServerOptionsHandler(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	bob.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS"))
		require.NoError(t, tx.Respond(res))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := sip.NewRequest(sip.OPTIONS, bob.uri("bob"))
	res, err := alice.client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	allow := res.GetHeader("Allow")
	require.NotNil(t, allow)
	assert.Contains(t, allow.Value(), "INVITE")
}

type recordingHandler struct {
	UnimplementedInboundHandler
	invites chan *sip.Request
}

func (h *recordingHandler) OnInvite(req *sip.Request, tx sip.ServerTransaction) {
	h.invites <- req
	res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "", nil)
	tx.Respond(res)
}

func TestInboundHandlerFacade(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	h := &recordingHandler{invites: make(chan *sip.Request, 1)}
	bob.server.RegisterHandler(h)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// INVITE goes to the overridden method
	req := sip.NewRequest(sip.INVITE, bob.uri("bob"))
	res, err := alice.client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusBusyHere, res.StatusCode)

	select {
	case <-h.invites:
	case <-time.After(time.Second):
		t.Fatal("handler OnInvite not dispatched")
	}

	// MESSAGE falls back to embedded default 501
	req = sip.NewRequest(sip.MESSAGE, bob.uri("bob"))
	res, err = alice.client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusNotImplemented, res.StatusCode)
}
