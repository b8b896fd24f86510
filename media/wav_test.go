package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestWAV(t *testing.T, sampleRate uint32, channels uint16, samples int) string {
	t.Helper()

	pcm := make([]byte, samples*int(channels)*2)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "test.wav")
	require.NoError(t, WriteWAVFile(path, sampleRate, channels, pcm))
	return path
}

func TestWAVWriteReadRoundTrip(t *testing.T) {
	path := writeTestWAV(t, 8000, 1, 1600)

	af, err := ReadWAVFile(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), af.AudioFormat)
	assert.Equal(t, uint32(8000), af.SampleRate)
	assert.Equal(t, uint16(1), af.NumChannels)
	assert.Equal(t, uint16(16), af.BitsPerSample)
	assert.Len(t, af.PCMData, 3200)
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a wav"), 0o644))

	_, err := ReadWAVFile(path)
	assert.Error(t, err)
}

func TestResampleStereoToMono(t *testing.T) {
	af := &AudioFile{
		AudioFormat:   1,
		SampleRate:    8000,
		NumChannels:   2,
		BitsPerSample: 16,
		PCMData:       make([]byte, 400), // 100 stereo samples
	}

	mono, err := ResamplePCM(af, 8000)
	require.NoError(t, err)
	assert.Len(t, mono, 200)
}

func TestResampleDownrate(t *testing.T) {
	af := &AudioFile{
		AudioFormat:   1,
		SampleRate:    16000,
		NumChannels:   1,
		BitsPerSample: 16,
		PCMData:       make([]byte, 3200), // 100ms at 16kHz
	}

	out, err := ResamplePCM(af, 8000)
	require.NoError(t, err)
	// about 100ms at 8kHz, linear interpolation may drop the tail sample
	assert.InDelta(t, 1600, len(out), 4)
}

func TestFileSourceServesResampledPCM(t *testing.T) {
	// 100ms of 16kHz mono audio feeding an 8kHz codec
	path := writeTestWAV(t, 16000, 1, 1600)

	src, err := NewFileSource(path, CodecPCMA)
	require.NoError(t, err)

	total := 0
	buf := make([]byte, 320)
	for {
		n, err := src.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	// 100ms at 8kHz 16-bit is about 1600 bytes
	assert.InDelta(t, 1600, total, 8)
}

func TestSilenceSource(t *testing.T) {
	var s SilenceSource
	buf := make([]byte, 320)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 320, n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestFileSinkWritesWAVOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")

	sink := NewFileSink(path, CodecPCMA)
	_, err := sink.Write(make([]byte, 640))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	af, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), af.SampleRate)
	assert.Len(t, af.PCMData, 640)
}
