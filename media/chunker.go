package media

import (
	"time"
)

// Buffer is unit of data flowing through pipeline stages: raw bytes plus
// a monotonic presentation timestamp.
type Buffer struct {
	Data []byte
	// PTS is presentation timestamp of first sample in Data.
	PTS time.Duration
}

// Chunker normalizes arbitrary sized input buffers into fixed size frames
// with monotonically increasing timestamps, as frame based encoders need.
// Partial data is held until the next input, end of stream zero-pads the
// residue into one final frame.
type Chunker struct {
	frameSize int
	frameDur  time.Duration

	residue []byte
	nextPTS time.Duration
}

// NewChunker creates chunker emitting frames of frameSize bytes, each
// advancing the timestamp by frameDur.
func NewChunker(frameSize int, frameDur time.Duration) *Chunker {
	return &Chunker{
		frameSize: frameSize,
		frameDur:  frameDur,
		residue:   make([]byte, 0, frameSize),
	}
}

// NewChunkerForCodec sizes frames by codec PCM frame requirements.
func NewChunkerForCodec(c Codec) *Chunker {
	return NewChunker(c.BytesPerFrame(), c.SampleDur)
}

// Push feeds data in and returns every complete frame it produced.
// Residual input never exceeds frameSize-1 bytes.
func (c *Chunker) Push(data []byte) []Buffer {
	var out []Buffer

	if len(c.residue) > 0 {
		need := c.frameSize - len(c.residue)
		if len(data) < need {
			c.residue = append(c.residue, data...)
			return nil
		}
		frame := make([]byte, 0, c.frameSize)
		frame = append(frame, c.residue...)
		frame = append(frame, data[:need]...)
		out = append(out, c.emit(frame))
		c.residue = c.residue[:0]
		data = data[need:]
	}

	for len(data) >= c.frameSize {
		frame := make([]byte, c.frameSize)
		copy(frame, data[:c.frameSize])
		out = append(out, c.emit(frame))
		data = data[c.frameSize:]
	}

	if len(data) > 0 {
		c.residue = append(c.residue, data...)
	}

	return out
}

// Flush handles end of stream: residual bytes are zero-padded into exactly
// one final frame. Nil when no residue is held.
func (c *Chunker) Flush() *Buffer {
	if len(c.residue) == 0 {
		return nil
	}

	frame := make([]byte, c.frameSize)
	copy(frame, c.residue)
	c.residue = c.residue[:0]
	b := c.emit(frame)
	return &b
}

// Residue returns number of bytes currently held back.
func (c *Chunker) Residue() int {
	return len(c.residue)
}

func (c *Chunker) emit(frame []byte) Buffer {
	b := Buffer{
		Data: frame,
		PTS:  c.nextPTS,
	}
	c.nextPTS += c.frameDur
	return b
}
