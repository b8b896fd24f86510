package sipkit

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sipkit/sipkit/media"
	"github.com/sipkit/sipkit/sip"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCallWithMedia runs the full inbound call path: INVITE with SDP offer,
// media controller negotiates G.711, 200 OK carries the answer, ACK
// activates the pipeline and RTP flows to the offered endpoint.
func TestCallWithMedia(t *testing.T) {
	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	// alice side media endpoint receiving bob's RTP
	aliceRTP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer aliceRTP.Close()
	aliceRTPPort := aliceRTP.LocalAddr().(*net.UDPAddr).Port

	offer, err := media.BuildOffer("127.0.0.1", aliceRTPPort, []media.Codec{media.CodecPCMA, media.CodecPCMU})
	require.NoError(t, err)

	bobDialogs := NewDialogServer(bob.client, bob.contact("bob"))
	// process wide glue: dialog finds its media session by key
	mediaSessions := NewRegistry[*media.Session]()

	answerOut := make(chan []byte, 1)

	bob.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := bobDialogs.ReadInvite(req, tx)
		require.NoError(t, err)

		sess := media.NewSession(media.SessionConfig{
			DialogID:        dlg.ID,
			Role:            media.RoleUAS,
			LocalIP:         net.IPv4(127, 0, 0, 1),
			SupportedCodecs: []media.Codec{media.CodecPCMA},
			AudioSource:     media.SourceSilence,
			OwnerDone:       dlg.Context().Done(),
		})
		mediaSessions.Put(dlg.ID, sess)

		answer, err := sess.ProcessOffer(req.Body())
		if err != nil {
			dlg.Respond(sip.StatusNotAcceptableHere, "", nil)
			return
		}
		answerOut <- answer

		require.NoError(t, dlg.Respond(sip.StatusRinging, "", nil))
		require.NoError(t, dlg.RespondSDP(answer))

		select {
		case <-dlg.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	bob.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		require.NoError(t, bobDialogs.ReadAck(req, tx))

		id, err := sip.UASReadRequestDialogID(req)
		require.NoError(t, err)
		sess, ok := mediaSessions.Get(id)
		require.True(t, ok)
		require.NoError(t, sess.StartMedia())
	})
	bob.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		bobDialogs.ReadBye(req, tx)
	})

	aliceDialogs := NewDialogClient(alice.client, alice.contact("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := aliceDialogs.Invite(ctx, bob.uri("bob"), offer)
	require.NoError(t, err)

	require.NoError(t, sess.WaitAnswer(ctx, AnswerOptions{}))

	// 200 OK carried the SDP answer with exactly the negotiated codec
	res := sess.InviteResponse
	require.NotNil(t, res)
	body := string(res.Body())
	assert.Equal(t, 1, strings.Count(body, "m=audio"))
	assert.Contains(t, body, "RTP/AVP 8\r\n")
	assert.Contains(t, body, "a=rtpmap:8 PCMA/8000")

	var answer []byte
	select {
	case answer = <-answerOut:
	case <-time.After(time.Second):
		t.Fatal("no answer built")
	}

	remote, err := media.ParseRemoteSDP(answer, media.DefaultCodecs)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, remote.Port, media.DefaultRTPPortMin)
	assert.Less(t, remote.Port, media.DefaultRTPPortMax)

	require.NoError(t, sess.Ack(ctx))

	// RTP arrives at the endpoint alice advertised, payload type 8
	aliceRTP.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := aliceRTP.ReadFrom(buf)
	require.NoError(t, err)

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(8), pkt.PayloadType)
	assert.Len(t, pkt.Payload, 160)

	// hang up ends dialog, owner watch tears media session down
	require.NoError(t, sess.Bye(ctx))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allDown := true
		mediaSessions.Range(func(_ string, s *media.Session) bool {
			if s.State() != media.StateTerminated {
				allDown = false
			}
			return true
		})
		if allDown {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("media session was not terminated after BYE")
}
