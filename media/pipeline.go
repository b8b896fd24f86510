package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PipelineConfig selects stages for one media flow.
type PipelineConfig struct {
	Codec Codec

	// Conn is the bound local RTP socket, owned by the pipeline after Start.
	Conn net.PacketConn
	// RemoteAddr is where outbound RTP goes.
	RemoteAddr net.Addr

	Source AudioSource
	Sink   AudioSink

	// OnSendDone fires when the source hits end of stream.
	OnSendDone func()
	// OnError fires on a pipeline failure while running.
	OnError func(err error)
}

// PipelineFactory builds a pipeline for codec, source and sink combination.
// The default factory covers G.711 both ways and pass-through Opus,
// implementations can swap in hardware or library backed pipelines.
type PipelineFactory interface {
	NewPipeline(cfg PipelineConfig) (*Pipeline, error)
}

// DefaultPipelineFactory builds software pipelines from the built in stages.
type DefaultPipelineFactory struct{}

func (DefaultPipelineFactory) NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("pipeline requires bound RTP socket: %w", ErrPipelineStartFailed)
	}
	if cfg.RemoteAddr == nil {
		return nil, fmt.Errorf("pipeline requires remote address: %w", ErrPipelineStartFailed)
	}

	encoder, err := NewEncoder(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrPipelineStartFailed)
	}
	decoder, err := NewDecoder(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrPipelineStartFailed)
	}

	source := cfg.Source
	if source == nil {
		source = SilenceSource{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = DiscardSink{}
	}

	p := &Pipeline{
		codec:      cfg.Codec,
		conn:       cfg.Conn,
		source:     source,
		sink:       sink,
		encoder:    encoder,
		chunker:    NewChunkerForCodec(cfg.Codec),
		writer:     NewRTPWriter(cfg.Conn, cfg.RemoteAddr, cfg.Codec),
		onSendDone: cfg.OnSendDone,
		onError:    cfg.OnError,
		log:        log.Logger.With().Str("caller", "media.Pipeline").Logger(),
	}
	p.reader = NewRTPReader(cfg.Conn, decoder, sink)
	return p, nil
}

// Pipeline runs the outbound chain source -> chunker -> encoder ->
// payloader -> pacer -> socket, and the inbound mirror socket ->
// depayloader -> decoder -> sink.
type Pipeline struct {
	codec   Codec
	conn    net.PacketConn
	source  AudioSource
	sink    AudioSink
	encoder Encoder
	chunker *Chunker
	writer  *RTPWriter
	reader  *RTPReader

	onSendDone func()
	onError    func(err error)

	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once

	log zerolog.Logger
}

// Start launches send and receive loops.
func (p *Pipeline) Start() error {
	p.stopped = make(chan struct{})

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.sendLoop()
	}()
	go func() {
		defer p.wg.Done()
		p.reader.Run()
	}()

	return nil
}

func (p *Pipeline) sendLoop() {
	buf := make([]byte, p.codec.BytesPerFrame())
	for {
		select {
		case <-p.stopped:
			return
		default:
		}

		n, err := p.source.Read(buf)
		if n > 0 {
			for _, frame := range p.chunker.Push(buf[:n]) {
				if werr := p.writeFrame(frame); werr != nil {
					p.fail(werr)
					return
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if final := p.chunker.Flush(); final != nil {
					if werr := p.writeFrame(*final); werr != nil {
						p.fail(werr)
						return
					}
				}
				if p.onSendDone != nil {
					p.onSendDone()
				}
				return
			}
			p.fail(err)
			return
		}
	}
}

func (p *Pipeline) writeFrame(frame Buffer) error {
	payload := p.encoder.Encode(frame.Data)
	_, err := p.writer.Write(payload)
	return err
}

func (p *Pipeline) fail(err error) {
	select {
	case <-p.stopped:
		// failure during teardown is expected
		return
	default:
	}
	p.log.Error().Err(err).Msg("pipeline failed")
	if p.onError != nil {
		p.onError(err)
	}
}

// Pause holds the pacer, freezing outbound flow.
func (p *Pipeline) Pause() {
	p.writer.Hold()
}

// Resume releases the pacer. Marker bit is set on next packet.
func (p *Pipeline) Resume() {
	p.writer.Resume()
}

// Stop tears both directions down and releases the socket.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		close(p.stopped)
		p.writer.Close()
		p.reader.Close()
		p.conn.Close()
		p.source.Close()
		p.sink.Close()
	})
	p.wg.Wait()
}

// Writer exposes the outbound RTP state, for inspection.
func (p *Pipeline) Writer() *RTPWriter {
	return p.writer
}

// Reader exposes inbound statistics.
func (p *Pipeline) Reader() *RTPReader {
	return p.reader
}
