package media

import "errors"

// Media plane error taxonomy. SDP failures are returned synchronously to
// the caller and cause no session state transition.
var (
	ErrSDPParse             = errors.New("sdp parse error")
	ErrNoAudioMedia         = errors.New("no audio media in sdp")
	ErrNoCommonCodec        = errors.New("no common codec")
	ErrPortAllocationFailed = errors.New("rtp port allocation failed")
	ErrPipelineStartFailed  = errors.New("pipeline start failed")
	ErrInvalidTransition    = errors.New("invalid session state transition")
	ErrSessionTerminated    = errors.New("session terminated")
)
