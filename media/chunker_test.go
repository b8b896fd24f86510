package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opus style framing: 960 samples at 48kHz mono 16-bit, 1920 bytes, 20ms.
func opusChunker() *Chunker {
	return NewChunker(1920, 20*time.Millisecond)
}

func TestChunkerNormalization(t *testing.T) {
	c := opusChunker()

	// source emits buffers of 512, 1024, 256, 768 samples, 2 bytes each
	inputs := []int{512 * 2, 1024 * 2, 256 * 2, 768 * 2}
	totalIn := 0

	var frames []Buffer
	for _, size := range inputs {
		totalIn += size
		frames = append(frames, c.Push(make([]byte, size))...)
	}

	// 5120 bytes in -> 2 full frames out, 1280 bytes residue
	require.Len(t, frames, 2)
	totalOut := 0
	for i, f := range frames {
		assert.Len(t, f.Data, 1920)
		assert.Equal(t, time.Duration(i)*20*time.Millisecond, f.PTS)
		totalOut += len(f.Data)
	}

	assert.LessOrEqual(t, totalOut, totalIn)
	assert.LessOrEqual(t, totalIn-totalOut, 1919)
	assert.Equal(t, totalIn-totalOut, c.Residue())
}

func TestChunkerTimestampsMonotonic(t *testing.T) {
	c := NewChunker(160, 20*time.Millisecond)

	frames := c.Push(make([]byte, 160*5))
	require.Len(t, frames, 5)

	for i, f := range frames {
		assert.Equal(t, time.Duration(i)*20*time.Millisecond, f.PTS)
	}

	// continues across pushes
	more := c.Push(make([]byte, 160))
	require.Len(t, more, 1)
	assert.Equal(t, 100*time.Millisecond, more[0].PTS)
}

func TestChunkerResidueBounds(t *testing.T) {
	c := NewChunker(160, 20*time.Millisecond)

	for _, size := range []int{1, 7, 159, 160, 161, 320, 33} {
		c.Push(make([]byte, size))
		assert.Less(t, c.Residue(), 160)
	}
}

func TestChunkerFlushZeroPads(t *testing.T) {
	c := NewChunker(160, 20*time.Millisecond)

	frames := c.Push(make([]byte, 100))
	require.Empty(t, frames)

	final := c.Flush()
	require.NotNil(t, final)
	assert.Len(t, final.Data, 160)
	assert.Equal(t, time.Duration(0), final.PTS)
	for _, b := range final.Data[100:] {
		assert.Equal(t, byte(0), b)
	}

	// no residue left, second flush emits nothing
	assert.Nil(t, c.Flush())
}

func TestChunkerFlushEmptyIsNil(t *testing.T) {
	c := NewChunker(160, 20*time.Millisecond)
	c.Push(make([]byte, 320))
	assert.Nil(t, c.Flush())
}

func TestChunkerSplicesAcrossInputs(t *testing.T) {
	c := NewChunker(10, time.Millisecond)

	data1 := []byte{1, 2, 3, 4, 5, 6}
	data2 := []byte{7, 8, 9, 10, 11, 12}

	require.Empty(t, c.Push(data1))
	frames := c.Push(data2)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, frames[0].Data)
	assert.Equal(t, 2, c.Residue())
}

func TestChunkerForCodecSizing(t *testing.T) {
	c := NewChunkerForCodec(CodecPCMA)
	// 160 samples, 16-bit PCM input
	assert.Equal(t, 320, c.frameSize)

	opus := NewChunkerForCodec(CodecOpus)
	// 960 samples, stereo, 16-bit
	assert.Equal(t, 960*2*2, opus.frameSize)
}
