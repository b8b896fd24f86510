package fakes

import (
	"sync"

	"github.com/sipkit/sipkit/sip"
)

// MsgConnection is in-memory transport connection recording every written
// message, for driving transaction state machines in tests.
type MsgConnection struct {
	mu      sync.Mutex
	written []sip.Message

	// WriteErr when set is returned on every WriteMsg call.
	WriteErr error

	// OnWrite when set is called for every written message.
	OnWrite func(msg sip.Message)
}

func (c *MsgConnection) WriteMsg(msg sip.Message) error {
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	cb := c.OnWrite
	c.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
	return nil
}

func (c *MsgConnection) Ref(i int) int { return 0 }

func (c *MsgConnection) TryClose() (int, error) { return 0, nil }

func (c *MsgConnection) Close() error { return nil }

// Written returns snapshot of messages written so far.
func (c *MsgConnection) Written() []sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sip.Message, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenCount returns number of written messages.
func (c *MsgConnection) WrittenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

// LastWritten returns last written message or nil.
func (c *MsgConnection) LastWritten() sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}
