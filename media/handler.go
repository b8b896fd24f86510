package media

// StreamAction is what a handler wants done when streaming starts.
type StreamAction struct {
	// PlayFile when set plays the WAV file into the call.
	PlayFile string
}

// Handler receives media session lifecycle callbacks. Embed NoopHandler
// and override what you need.
type Handler interface {
	// OnSessionStart is called when session leaves idle.
	OnSessionStart(s *Session)
	// OnSessionStop is called on session termination.
	OnSessionStop(s *Session)

	// OnOffer sees every remote offer before negotiation.
	OnOffer(s *Session, offer []byte)
	// OnAnswer sees every remote answer before it is applied.
	OnAnswer(s *Session, answer []byte)

	// OnCodecNegotiation may pick the codec from the remote offer.
	// Returning ok=false delegates the choice back to preference order.
	OnCodecNegotiation(s *Session, offered []Codec, supported []Codec) (Codec, bool)
	// OnNegotiationComplete is called with the agreed codec.
	OnNegotiationComplete(s *Session, codec Codec)

	// OnStreamStart is called when media starts flowing. Returned action
	// can redirect the audio source.
	OnStreamStart(s *Session) *StreamAction
	OnStreamStop(s *Session)
	OnStreamError(s *Session, err error)

	// OnPlayComplete fires when a file source reaches end of stream.
	OnPlayComplete(s *Session)
}

// NoopHandler implements Handler with no behavior.
type NoopHandler struct{}

func (NoopHandler) OnSessionStart(s *Session) {}
func (NoopHandler) OnSessionStop(s *Session)  {}

func (NoopHandler) OnOffer(s *Session, offer []byte)   {}
func (NoopHandler) OnAnswer(s *Session, answer []byte) {}

func (NoopHandler) OnCodecNegotiation(s *Session, offered []Codec, supported []Codec) (Codec, bool) {
	return Codec{}, false
}

func (NoopHandler) OnNegotiationComplete(s *Session, codec Codec) {}

func (NoopHandler) OnStreamStart(s *Session) *StreamAction { return nil }
func (NoopHandler) OnStreamStop(s *Session)                {}
func (NoopHandler) OnStreamError(s *Session, err error)    {}

func (NoopHandler) OnPlayComplete(s *Session) {}
