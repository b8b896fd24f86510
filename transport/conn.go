package transport

import (
	"bytes"
	"sync"

	"github.com/sipkit/sipkit/sip"
)

// Connection is writable endpoint bound to one socket.
type Connection interface {
	// WriteMsg marshals message and sends to socket
	WriteMsg(msg sip.Message) error
	// Ref increases connection reference count to prevent closing too early.
	Ref(i int) int
	// TryClose decreases reference and if ref = 0 closes connection. Returns last ref.
	TryClose() (int, error)

	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		b := new(bytes.Buffer)
		return b
	},
}
