package media

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uasSession(t *testing.T, codecs ...Codec) *Session {
	t.Helper()
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}
	s := NewSession(SessionConfig{
		DialogID:        "dlg-1",
		Role:            RoleUAS,
		LocalIP:         net.IPv4(127, 0, 0, 1),
		SupportedCodecs: codecs,
	})
	t.Cleanup(s.Terminate)
	return s
}

// UAS flow of the offer/answer exchange: remote offers PCMA and PCMU,
// session supports PCMA only, answer carries PT 8 and a port in RTP range.
func TestSessionProcessOffer(t *testing.T) {
	s := uasSession(t, CodecPCMA)
	assert.Equal(t, StateIdle, s.State())

	answer, err := s.ProcessOffer(crlf(remoteOffer))
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())

	text := string(answer)
	assert.Equal(t, 1, strings.Count(text, "m=audio"))
	assert.Contains(t, text, "RTP/AVP 8\r\n")
	assert.NotContains(t, text, "PCMU")

	port := s.LocalPort()
	assert.GreaterOrEqual(t, port, DefaultRTPPortMin)
	assert.Less(t, port, DefaultRTPPortMax)

	assert.Equal(t, "PCMA", s.Codec().Name)
	require.NotNil(t, s.RemoteAddr())
	assert.Equal(t, "10.0.0.1", s.RemoteAddr().IP.String())
	assert.Equal(t, 30000, s.RemoteAddr().Port)
}

func TestSessionProcessOfferNoCommonCodec(t *testing.T) {
	s := uasSession(t, CodecOpus)

	_, err := s.ProcessOffer(crlf(remoteOffer))
	assert.ErrorIs(t, err, ErrNoCommonCodec)
	// failed negotiation leaves the state machine alone
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionProcessOfferBadSDP(t *testing.T) {
	s := uasSession(t)

	_, err := s.ProcessOffer([]byte("garbage"))
	assert.ErrorIs(t, err, ErrSDPParse)
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionUACOfferAnswerFlow(t *testing.T) {
	s := NewSession(SessionConfig{
		Role:    RoleUAC,
		LocalIP: net.IPv4(127, 0, 0, 1),
	})
	t.Cleanup(s.Terminate)

	offer, err := s.GenerateOffer()
	require.NoError(t, err)
	assert.Equal(t, StateNegotiating, s.State())
	assert.Contains(t, string(offer), "m=audio")

	answer := `v=0
o=- 1 1 IN IP4 127.0.0.1
s=answer
c=IN IP4 127.0.0.1
t=0 0
m=audio 31000 RTP/AVP 8
a=rtpmap:8 PCMA/8000
`
	require.NoError(t, s.ProcessAnswer(crlf(answer)))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "PCMA", s.Codec().Name)
	assert.Equal(t, 31000, s.RemoteAddr().Port)
}

func TestSessionRoleEnforcement(t *testing.T) {
	uas := uasSession(t)
	_, err := uas.GenerateOffer()
	assert.Error(t, err)

	uac := NewSession(SessionConfig{Role: RoleUAC, LocalIP: net.IPv4(127, 0, 0, 1)})
	t.Cleanup(uac.Terminate)
	_, err = uac.ProcessOffer(crlf(remoteOffer))
	assert.Error(t, err)
}

func TestSessionInvalidTransitions(t *testing.T) {
	s := uasSession(t)

	// cannot start media from idle
	err := s.StartMedia()
	assert.Error(t, err)

	// cannot pause before active
	assert.ErrorIs(t, s.PauseMedia(), ErrInvalidTransition)
}

// Full media activation: UAS answers a local offer and streams RTP with
// the negotiated payload type to the advertised endpoint.
func TestSessionStartMediaStreams(t *testing.T) {
	// remote endpoint the session will stream to
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer remote.Close()

	remotePort := remote.LocalAddr().(*net.UDPAddr).Port

	offer := strings.ReplaceAll(remoteOffer, "m=audio 30000", "m=audio "+strconv.Itoa(remotePort))
	offer = strings.ReplaceAll(offer, "c=IN IP4 10.0.0.1", "c=IN IP4 127.0.0.1")

	playComplete := make(chan struct{}, 1)
	s := NewSession(SessionConfig{
		Role:            RoleUAS,
		LocalIP:         net.IPv4(127, 0, 0, 1),
		SupportedCodecs: []Codec{CodecPCMA},
		AudioSource:     SourceSilence,
		Handler:         &playHandler{done: playComplete},
	})
	defer s.Terminate()

	_, err = s.ProcessOffer(crlf(offer))
	require.NoError(t, err)

	require.NoError(t, s.StartMedia())
	assert.Equal(t, StateActive, s.State())

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := remote.ReadFrom(buf)
	require.NoError(t, err)

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(8), pkt.PayloadType)
	assert.Len(t, pkt.Payload, 160)

	// pause and resume transitions
	require.NoError(t, s.PauseMedia())
	assert.Equal(t, StatePaused, s.State())
	require.NoError(t, s.ResumeMedia())
	assert.Equal(t, StateActive, s.State())

	s.Terminate()
	assert.Equal(t, StateTerminated, s.State())
}

func TestSessionOwnerDeathTerminates(t *testing.T) {
	owner := make(chan struct{})

	s := NewSession(SessionConfig{
		Role:      RoleUAS,
		LocalIP:   net.IPv4(127, 0, 0, 1),
		OwnerDone: owner,
	})

	_, err := s.ProcessOffer(crlf(remoteOffer))
	require.NoError(t, err)

	close(owner)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("owner death must terminate session")
	}
	assert.Equal(t, StateTerminated, s.State())
}

func TestSessionHandlerCodecDelegation(t *testing.T) {
	h := &pickPCMUHandler{}
	s := NewSession(SessionConfig{
		Role:            RoleUAS,
		LocalIP:         net.IPv4(127, 0, 0, 1),
		SupportedCodecs: []Codec{CodecPCMA, CodecPCMU},
		Handler:         h,
	})
	t.Cleanup(s.Terminate)

	answer, err := s.ProcessOffer(crlf(remoteOffer))
	require.NoError(t, err)

	// handler overrode local preference of PCMA
	assert.Equal(t, "PCMU", s.Codec().Name)
	assert.Contains(t, string(answer), "RTP/AVP 0\r\n")
	assert.True(t, h.negotiationDone)
}

type pickPCMUHandler struct {
	NoopHandler
	negotiationDone bool
}

func (h *pickPCMUHandler) OnCodecNegotiation(s *Session, offered []Codec, supported []Codec) (Codec, bool) {
	for _, c := range offered {
		if c.Name == "PCMU" {
			return c, true
		}
	}
	return Codec{}, false
}

func (h *pickPCMUHandler) OnNegotiationComplete(s *Session, codec Codec) {
	h.negotiationDone = true
}

type playHandler struct {
	NoopHandler
	done chan struct{}
}

func (h *playHandler) OnPlayComplete(s *Session) {
	select {
	case h.done <- struct{}{}:
	default:
	}
}
