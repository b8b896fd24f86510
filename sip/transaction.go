package sip

// Transaction is common behavior of client and server transactions.
type Transaction interface {
	// Terminate will terminate transaction and remove it from transaction layer.
	Terminate()

	// Done when transaction fsm terminates. Can be selected multiple times.
	Done() <-chan struct{}

	// Err that stopped transaction. Useful to check when transaction terminates.
	Err() error
}

// ClientTransaction is behavior exposed to the transaction user on client side.
type ClientTransaction interface {
	Transaction

	// Responses returns channel with all responses received for this transaction.
	Responses() <-chan *Response

	// Cancel sends CANCEL in a paired transaction with the same branch.
	Cancel() error
}

// ServerTransaction is behavior exposed to the transaction user on server side.
type ServerTransaction interface {
	Transaction

	// Respond sends response. It is expected it is prebuilt with correct headers.
	// Use NewResponseFromRequest to build response from request.
	Respond(res *Response) error

	// Acks returns channel receiving ACK for non 2xx final response.
	Acks() <-chan *Request

	// Cancels returns channel receiving CANCEL for this transaction.
	Cancels() <-chan *Request
}
