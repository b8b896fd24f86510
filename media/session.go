package media

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Role of the session in the offer/answer exchange.
type Role string

const (
	RoleUAC Role = "uac"
	RoleUAS Role = "uas"
)

// Session lifecycle states.
const (
	StateIdle        = "idle"
	StateNegotiating = "negotiating"
	StateReady       = "ready"
	StateActive      = "active"
	StatePaused      = "paused"
	StateTerminated  = "terminated"
)

// session fsm events
const (
	eventGenerateOffer = "generate_offer"
	eventProcessOffer  = "process_offer"
	eventProcessAnswer = "process_answer"
	eventStartMedia    = "start_media"
	eventPauseMedia    = "pause_media"
	eventResumeMedia   = "resume_media"
	eventMediaFailure  = "media_failure"
	eventTerminate     = "terminate_session"
)

// SessionConfig describes one media session.
type SessionConfig struct {
	// ID defaults to random UUID.
	ID string
	// DialogID ties the session to its SIP dialog.
	DialogID string
	Role     Role

	// LocalIP is the address advertised in SDP connection lines.
	LocalIP net.IP

	// SupportedCodecs in preference order. DefaultCodecs when empty.
	SupportedCodecs []Codec

	AudioSource AudioSourceKind
	AudioSink   AudioSinkKind
	// AudioFile is WAV path for SourceFile.
	AudioFile string
	// OutputFile is WAV path for SinkFile.
	OutputFile string

	Handler Handler
	Factory PipelineFactory

	PortAllocator *PortAllocator

	// OwnerDone when non nil is watched, owner death terminates the
	// session and releases every resource.
	OwnerDone <-chan struct{}
}

// Session owns one SDP offer/answer exchange, one RTP port, one codec
// selection and one running media pipeline.
type Session struct {
	id       string
	dialogID string
	role     Role

	cfg       SessionConfig
	handler   Handler
	factory   PipelineFactory
	allocator *PortAllocator

	fsm *fsm.FSM

	mu         sync.Mutex
	localSDP   []byte
	remoteSDP  []byte
	localPort  int
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	codec      Codec
	pipeline   *Pipeline

	done     chan struct{}
	doneOnce sync.Once

	log zerolog.Logger
}

// NewSession creates session in idle state.
func NewSession(cfg SessionConfig) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if len(cfg.SupportedCodecs) == 0 {
		cfg.SupportedCodecs = DefaultCodecs
	}
	if cfg.Handler == nil {
		cfg.Handler = NoopHandler{}
	}
	if cfg.Factory == nil {
		cfg.Factory = DefaultPipelineFactory{}
	}
	if cfg.PortAllocator == nil {
		cfg.PortAllocator = NewPortAllocator()
	}
	if cfg.LocalIP == nil {
		cfg.LocalIP = net.IPv4(127, 0, 0, 1)
	}

	s := &Session{
		id:        cfg.ID,
		dialogID:  cfg.DialogID,
		role:      cfg.Role,
		cfg:       cfg,
		handler:   cfg.Handler,
		factory:   cfg.Factory,
		allocator: cfg.PortAllocator,
		done:      make(chan struct{}),
		log:       log.Logger.With().Str("caller", "media.Session").Str("id", cfg.ID).Logger(),
	}

	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventGenerateOffer, Src: []string{StateIdle}, Dst: StateNegotiating},
			{Name: eventProcessOffer, Src: []string{StateIdle}, Dst: StateReady},
			{Name: eventProcessAnswer, Src: []string{StateNegotiating}, Dst: StateReady},
			{Name: eventStartMedia, Src: []string{StateReady}, Dst: StateActive},
			{Name: eventPauseMedia, Src: []string{StateActive}, Dst: StatePaused},
			{Name: eventResumeMedia, Src: []string{StatePaused}, Dst: StateActive},
			{Name: eventMediaFailure, Src: []string{StateActive}, Dst: StateReady},
			{Name: eventTerminate, Src: []string{
				StateIdle, StateNegotiating, StateReady, StateActive, StatePaused,
			}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)

	if cfg.OwnerDone != nil {
		go s.watchOwner(cfg.OwnerDone)
	}

	return s
}

// watchOwner terminates session when owner dies.
func (s *Session) watchOwner(ownerDone <-chan struct{}) {
	select {
	case <-ownerDone:
		s.log.Debug().Msg("owner died, terminating session")
		s.Terminate()
	case <-s.done:
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) DialogID() string { return s.dialogID }
func (s *Session) Role() Role       { return s.role }

// State returns current lifecycle state.
func (s *Session) State() string {
	return s.fsm.Current()
}

// Codec returns negotiated codec. Zero until negotiation completes.
func (s *Session) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// LocalPort returns allocated RTP port, 0 before allocation.
func (s *Session) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// LocalSDP returns last SDP this session produced.
func (s *Session) LocalSDP() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSDP
}

// RemoteSDP returns last SDP the far end produced.
func (s *Session) RemoteSDP() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSDP
}

// RemoteAddr returns negotiated far end RTP endpoint.
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// Done closes when session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// bindRTP allocates and binds local RTP socket once.
func (s *Session) bindRTP() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	conn, port, err := s.allocator.Bind(s.cfg.LocalIP)
	if err != nil {
		return err
	}
	s.conn = conn
	s.localPort = port
	return nil
}

// GenerateOffer allocates the RTP port and produces the SDP offer listing
// supported codecs in preference order. UAC side only.
func (s *Session) GenerateOffer() ([]byte, error) {
	if s.role != RoleUAC {
		return nil, fmt.Errorf("generate offer requires UAC role")
	}

	if err := s.bindRTP(); err != nil {
		return nil, err
	}

	offer, err := BuildOffer(s.cfg.LocalIP.String(), s.LocalPort(), s.cfg.SupportedCodecs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrSDPParse)
	}

	if err := s.event(eventGenerateOffer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.localSDP = offer
	s.mu.Unlock()

	s.handler.OnSessionStart(s)
	return offer, nil
}

// ProcessOffer parses the remote offer, negotiates one codec, allocates
// the RTP port and returns the SDP answer. UAS side only.
// Negotiation errors are returned without state transition.
func (s *Session) ProcessOffer(offer []byte) ([]byte, error) {
	if s.role != RoleUAS {
		return nil, fmt.Errorf("process offer requires UAS role")
	}

	s.handler.OnOffer(s, offer)

	remote, err := ParseRemoteSDP(offer, s.cfg.SupportedCodecs)
	if err != nil {
		return nil, err
	}

	codec, picked := s.handler.OnCodecNegotiation(s, remote.Codecs, s.cfg.SupportedCodecs)
	if !picked {
		codec, err = NegotiateCodec(remote, s.cfg.SupportedCodecs)
		if err != nil {
			return nil, err
		}
	}

	if err := s.bindRTP(); err != nil {
		return nil, err
	}

	answer, err := BuildAnswer(s.cfg.LocalIP.String(), s.LocalPort(), codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrSDPParse)
	}

	if err := s.event(eventProcessOffer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.remoteSDP = offer
	s.localSDP = answer
	s.codec = codec
	s.remoteAddr = &net.UDPAddr{IP: net.ParseIP(remote.Address), Port: remote.Port}
	s.mu.Unlock()

	s.handler.OnSessionStart(s)
	s.handler.OnNegotiationComplete(s, codec)
	return answer, nil
}

// ProcessAnswer applies the remote answer to a pending offer. UAC side only.
func (s *Session) ProcessAnswer(answer []byte) error {
	if s.role != RoleUAC {
		return fmt.Errorf("process answer requires UAC role")
	}

	s.handler.OnAnswer(s, answer)

	remote, err := ParseRemoteSDP(answer, s.cfg.SupportedCodecs)
	if err != nil {
		return err
	}
	if len(remote.Codecs) == 0 {
		return ErrNoCommonCodec
	}
	codec := remote.Codecs[0]

	if err := s.event(eventProcessAnswer); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSDP = answer
	s.codec = codec
	s.remoteAddr = &net.UDPAddr{IP: net.ParseIP(remote.Address), Port: remote.Port}
	s.mu.Unlock()

	s.handler.OnNegotiationComplete(s, codec)
	return nil
}

// StartMedia builds the pipeline for the negotiated codec and starts
// streaming both directions.
func (s *Session) StartMedia() error {
	s.mu.Lock()
	conn := s.conn
	remoteAddr := s.remoteAddr
	codec := s.codec
	s.mu.Unlock()

	if conn == nil || remoteAddr == nil {
		return fmt.Errorf("media not negotiated: %w", ErrPipelineStartFailed)
	}

	source, sink, err := s.buildEndpoints(codec)
	if err != nil {
		return err
	}

	if action := s.handler.OnStreamStart(s); action != nil && action.PlayFile != "" {
		fileSource, err := NewFileSource(action.PlayFile, codec)
		if err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrPipelineStartFailed)
		}
		source = fileSource
	}

	pipeline, err := s.factory.NewPipeline(PipelineConfig{
		Codec:      codec,
		Conn:       conn,
		RemoteAddr: remoteAddr,
		Source:     source,
		Sink:       sink,
		OnSendDone: func() {
			s.handler.OnPlayComplete(s)
		},
		OnError: s.onPipelineError,
	})
	if err != nil {
		return err
	}

	if err := pipeline.Start(); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), ErrPipelineStartFailed)
	}

	if err := s.event(eventStartMedia); err != nil {
		pipeline.Stop()
		return err
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()

	return nil
}

func (s *Session) buildEndpoints(codec Codec) (AudioSource, AudioSink, error) {
	var source AudioSource
	switch s.cfg.AudioSource {
	case SourceFile:
		fs, err := NewFileSource(s.cfg.AudioFile, codec)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", err.Error(), ErrPipelineStartFailed)
		}
		source = fs
	case SourceSilence, "":
		source = SilenceSource{}
	default:
		return nil, nil, fmt.Errorf("audio source %q needs custom pipeline factory: %w", s.cfg.AudioSource, ErrPipelineStartFailed)
	}

	var sink AudioSink
	switch s.cfg.AudioSink {
	case SinkFile:
		sink = NewFileSink(s.cfg.OutputFile, codec)
	case SinkNone, "":
		sink = DiscardSink{}
	default:
		return nil, nil, fmt.Errorf("audio sink %q needs custom pipeline factory: %w", s.cfg.AudioSink, ErrPipelineStartFailed)
	}

	return source, sink, nil
}

// onPipelineError reverts active session to ready and notifies owner.
func (s *Session) onPipelineError(err error) {
	s.handler.OnStreamError(s, err)

	if ferr := s.event(eventMediaFailure); ferr != nil {
		return
	}

	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	if pipeline != nil {
		go pipeline.Stop()
	}
	s.handler.OnStreamStop(s)
}

// PauseMedia holds the running pipeline. Reserved contract, outbound pacer
// is released again by ResumeMedia.
func (s *Session) PauseMedia() error {
	if err := s.event(eventPauseMedia); err != nil {
		return err
	}
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Pause()
	}
	return nil
}

// ResumeMedia releases a paused pipeline.
func (s *Session) ResumeMedia() error {
	if err := s.event(eventResumeMedia); err != nil {
		return err
	}
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Resume()
	}
	return nil
}

// Terminate ends the session from any state and releases every owned
// resource: the pipeline, the RTP socket, the port.
func (s *Session) Terminate() {
	if s.fsm.Current() == StateTerminated {
		return
	}
	if err := s.event(eventTerminate); err != nil {
		return
	}

	s.mu.Lock()
	pipeline := s.pipeline
	conn := s.conn
	s.pipeline = nil
	s.conn = nil
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
		s.handler.OnStreamStop(s)
	} else if conn != nil {
		conn.Close()
	}

	s.handler.OnSessionStop(s)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) event(name string) error {
	if err := s.fsm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("%s in state %s: %w", name, s.fsm.Current(), ErrInvalidTransition)
	}
	return nil
}
