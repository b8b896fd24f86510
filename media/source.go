package media

import (
	"fmt"
	"io"
)

// AudioSourceKind selects where outgoing audio comes from.
type AudioSourceKind string

const (
	SourceFile    AudioSourceKind = "file"
	SourceDevice  AudioSourceKind = "device"
	SourceSilence AudioSourceKind = "silence"
)

// AudioSinkKind selects where incoming audio goes.
type AudioSinkKind string

const (
	SinkNone   AudioSinkKind = "none"
	SinkDevice AudioSinkKind = "device"
	SinkFile   AudioSinkKind = "file"
)

// AudioSource produces raw 16-bit little endian PCM at the codec rate.
// Read follows io.Reader semantics, io.EOF ends the stream.
type AudioSource interface {
	io.Reader
	Close() error
}

// AudioSink consumes raw 16-bit little endian PCM at the codec rate.
type AudioSink interface {
	io.Writer
	Close() error
}

// FileSource reads a WAV file and serves its PCM resampled to codec rate.
type FileSource struct {
	pcm []byte
	pos int
}

// NewFileSource loads and resamples path for codec.
func NewFileSource(path string, codec Codec) (*FileSource, error) {
	af, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	if af.BitsPerSample != 16 {
		return nil, fmt.Errorf("only 16-bit WAV is supported, got %d bits", af.BitsPerSample)
	}

	pcm, err := ResamplePCM(af, codec.SampleRate)
	if err != nil {
		return nil, err
	}

	return &FileSource{pcm: pcm}, nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.pcm) {
		return 0, io.EOF
	}
	n := copy(p, s.pcm[s.pos:])
	s.pos += n
	return n, nil
}

func (s *FileSource) Close() error { return nil }

// SilenceSource produces endless zero samples.
type SilenceSource struct{}

func (SilenceSource) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (SilenceSource) Close() error { return nil }

// DiscardSink throws received audio away.
type DiscardSink struct{}

func (DiscardSink) Write(p []byte) (int, error) { return len(p), nil }

func (DiscardSink) Close() error { return nil }

// FileSink buffers received PCM and writes one WAV file on Close.
type FileSink struct {
	path       string
	sampleRate uint32
	channels   uint16
	pcm        []byte
}

func NewFileSink(path string, codec Codec) *FileSink {
	return &FileSink{
		path:       path,
		sampleRate: codec.SampleRate,
		channels:   uint16(codec.Channels),
	}
}

func (s *FileSink) Write(p []byte) (int, error) {
	s.pcm = append(s.pcm, p...)
	return len(p), nil
}

func (s *FileSink) Close() error {
	return WriteWAVFile(s.path, s.sampleRate, s.channels, s.pcm)
}
