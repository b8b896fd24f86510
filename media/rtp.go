package media

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// GenerateSSRC generates a cryptographically random 32-bit SSRC.
// Per RFC 3550 the SSRC should be chosen randomly to minimize
// collisions in multi-party sessions.
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSequenceStart generates a random starting sequence number.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart generates a random starting timestamp.
func GenerateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// RTPWriter packetizes codec payloads and paces them to wire clock.
// Sequence numbers start randomly and increment by one, timestamps advance
// by the codec samples per frame, marker bit is set only on the first
// packet of a talkspurt.
type RTPWriter struct {
	conn       net.PacketConn
	remoteAddr net.Addr

	// RTP header state
	ssrc      uint32
	pt        uint8
	seq       uint16
	timestamp uint32

	// Codec timing
	codec  Codec
	ticker *time.Ticker

	firstPacket bool

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewRTPWriter creates a clock-paced RTP writer towards remote.
func NewRTPWriter(conn net.PacketConn, remote net.Addr, codec Codec) *RTPWriter {
	return &RTPWriter{
		conn:        conn,
		remoteAddr:  remote,
		ssrc:        GenerateSSRC(),
		pt:          codec.PayloadType,
		seq:         GenerateSequenceStart(),
		timestamp:   GenerateTimestampStart(),
		codec:       codec,
		ticker:      time.NewTicker(codec.SampleDur),
		firstPacket: true,
		done:        make(chan struct{}),
	}
}

// Write sends one payload as RTP packet, blocking until the next clock
// tick so that wall-clock send rate equals real time. A held writer
// blocks here until Resume or Close.
func (w *RTPWriter) Write(payload []byte) (int, error) {
	// Wait for the tick outside the state lock so Hold, Resume and Close
	// stay responsive while a write is pending.
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, net.ErrClosed
	}
	tick := w.ticker.C
	w.mu.Unlock()

	select {
	case <-tick:
	case <-w.done:
		return 0, net.ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, net.ErrClosed
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         w.firstPacket,
			PayloadType:    w.pt,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	w.firstPacket = false

	data, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}

	_, err = w.conn.WriteTo(data, w.remoteAddr)
	if err != nil {
		return 0, err
	}

	// Advance sequence and timestamp
	w.seq++
	w.timestamp += w.codec.TimestampIncrement()

	return len(payload), nil
}

// Hold pauses pacing. Held writer blocks every Write until Resume.
func (w *RTPWriter) Hold() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticker.Stop()
}

// Resume restarts pacing after Hold. Next packet starts a new talkspurt
// so it carries the marker bit.
func (w *RTPWriter) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticker.Reset(w.codec.SampleDur)
	w.firstPacket = true
}

// SSRC returns the stream SSRC.
func (w *RTPWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// SequenceNumber returns the next sequence number that will be used.
func (w *RTPWriter) SequenceNumber() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Timestamp returns the next timestamp that will be used.
func (w *RTPWriter) Timestamp() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timestamp
}

// Close stops the ticker, releases pending writes and marks the writer closed.
func (w *RTPWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	w.mu.Unlock()

	w.closeOnce.Do(func() { close(w.done) })
	return nil
}

// SequenceTracker tracks RTP sequence numbers with rollover handling.
// RTP sequence numbers are 16-bit and wrap around at 65535. The tracker
// maintains an extended 32-bit counter for loss calculation across rollovers.
type SequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32 // Rollover count (upper 16 bits of extended seq)
	lost        uint64 // Total packets detected as lost
	received    uint64 // Total packets received
}

// NewSequenceTracker creates a new sequence tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Update records a received sequence number. Returns the extended 32-bit
// sequence number and packets lost since the previous one.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	// Forward distance with wrap-around per RFC 3550, reinterpreted as
	// signed for direction.
	udiff := seq - s.lastSeq
	diff := int16(udiff)

	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	// diff <= 0 means out-of-order or duplicated packet, nothing to count.

	// Rollover: lastSeq was near top and new seq is near bottom.
	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}

	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// Stats returns cumulative statistics.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}

// LossRate returns the packet loss rate as a fraction (0.0 to 1.0).
func (s *SequenceTracker) LossRate() float64 {
	if s.received == 0 && s.lost == 0 {
		return 0.0
	}
	total := s.received + s.lost
	return float64(s.lost) / float64(total)
}

// RTPReader drains inbound RTP packets from conn, depayloads and decodes
// them into sink.
type RTPReader struct {
	conn    net.PacketConn
	decoder Decoder
	sink    AudioSink
	tracker *SequenceTracker

	closed chan struct{}
	once   sync.Once
}

func NewRTPReader(conn net.PacketConn, decoder Decoder, sink AudioSink) *RTPReader {
	return &RTPReader{
		conn:    conn,
		decoder: decoder,
		sink:    sink,
		tracker: NewSequenceTracker(),
		closed:  make(chan struct{}),
	}
}

// Run blocks reading packets until the socket closes.
func (r *RTPReader) Run() {
	buf := make([]byte, 4096)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		r.tracker.Update(pkt.SequenceNumber)

		pcm := r.decoder.Decode(pkt.Payload)
		if _, err := r.sink.Write(pcm); err != nil {
			return
		}
	}
}

// Tracker exposes receive statistics.
func (r *RTPReader) Tracker() *SequenceTracker {
	return r.tracker
}

func (r *RTPReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
