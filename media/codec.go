package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec specification used for SDP negotiation
// and RTP timing.
type Codec struct {
	Name        string        // Codec name as it appears in rtpmap (e.g. "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA, dynamic for Opus)
	SampleRate  uint32        // RTP clock rate in Hz
	SampleDur   time.Duration // Duration per frame, 20ms for telephony
	Channels    int           // Number of channels
}

// Pre-defined codecs for common VoIP use cases.
var (
	// CodecPCMU is G.711 µ-law
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecOpus uses dynamic payload type 111 at 48kHz stereo clocking
	CodecOpus = Codec{"opus", 111, 48000, 20 * time.Millisecond, 2}
)

// DefaultCodecs is preference ordered codec list used when session gives none.
var DefaultCodecs = []Codec{CodecPCMA, CodecPCMU, CodecOpus}

// SamplesPerFrame returns the number of samples per channel in one frame.
// For 8kHz with 20ms frames this returns 160, for Opus at 48kHz it is 960.
func (c Codec) SamplesPerFrame() int {
	return int(int64(c.SampleRate) * int64(c.SampleDur) / int64(time.Second))
}

// BytesPerFrame returns the raw PCM bytes feeding one encoded frame,
// 16-bit samples.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels * 2
}

// EncodedFrameSize returns wire payload bytes per frame where fixed,
// 0 for variable bitrate codecs.
func (c Codec) EncodedFrameSize() int {
	switch c.Name {
	case "PCMU", "PCMA":
		// G.711 is 1 byte per sample
		return c.SamplesPerFrame()
	}
	return 0
}

// TimestampIncrement returns the RTP timestamp advance per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// RTPMap renders the rtpmap attribute value, e.g. "8 PCMA/8000".
func (c Codec) RTPMap() string {
	if c.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", c.PayloadType, c.Name, c.SampleRate, c.Channels)
	}
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate)
}

// CodecByPayloadType finds codec in list by RTP payload type.
func CodecByPayloadType(codecs []Codec, pt uint8) (Codec, bool) {
	for _, c := range codecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// CodecByName finds codec in list by case insensitive rtpmap name.
func CodecByName(codecs []Codec, name string) (Codec, bool) {
	for _, c := range codecs {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Codec{}, false
}

// Encoder turns raw 16-bit little endian PCM frames into codec payloads.
type Encoder interface {
	// Encode converts one PCM frame to wire payload.
	Encode(pcm []byte) []byte
}

// Decoder turns codec payloads back into 16-bit little endian PCM.
type Decoder interface {
	Decode(payload []byte) []byte
}

type alawCodec struct{}

func (alawCodec) Encode(pcm []byte) []byte     { return g711.EncodeAlaw(pcm) }
func (alawCodec) Decode(payload []byte) []byte { return g711.DecodeAlaw(payload) }

type ulawCodec struct{}

func (ulawCodec) Encode(pcm []byte) []byte     { return g711.EncodeUlaw(pcm) }
func (ulawCodec) Decode(payload []byte) []byte { return g711.DecodeUlaw(payload) }

// passthroughCodec hands frames through untouched. Opus payloads are
// expected pre-encoded by the source and are not decoded locally.
type passthroughCodec struct{}

func (passthroughCodec) Encode(pcm []byte) []byte     { return pcm }
func (passthroughCodec) Decode(payload []byte) []byte { return payload }

// NewEncoder returns encoder for codec.
func NewEncoder(c Codec) (Encoder, error) {
	switch c.Name {
	case "PCMA":
		return alawCodec{}, nil
	case "PCMU":
		return ulawCodec{}, nil
	case "opus":
		return passthroughCodec{}, nil
	}
	return nil, fmt.Errorf("codec %s not supported for sending", c.Name)
}

// NewDecoder returns decoder for codec.
func NewDecoder(c Codec) (Decoder, error) {
	switch c.Name {
	case "PCMA":
		return alawCodec{}, nil
	case "PCMU":
		return ulawCodec{}, nil
	case "opus":
		return passthroughCodec{}, nil
	}
	return nil, fmt.Errorf("codec %s not supported for receiving", c.Name)
}
