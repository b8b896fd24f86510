// transaction package implements SIP Transaction Layer - RFC 3261 17.
package transaction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipkit/sipkit/sip"
)

// SIP timers are exposed for manipulation but best approach is using SetTimers
// where all derived timers get populated from T1, T2 and T4.
var (
	// T1: Round-trip time (RTT) estimate, default 500ms
	T1,
	// T2: Maximum retransmission interval for non-INVITE requests and INVITE responses
	T2,
	// T4: Maximum duration that a message can remain in the network
	T4,
	// Timer_A controls INVITE request retransmissions, doubling every fire.
	Timer_A,
	// Timer_B is the maximum amount of time a sender waits for an INVITE final response.
	Timer_B,
	Timer_D,
	Timer_E,
	// Timer_F is the maximum amount of time a sender waits for a non INVITE final response.
	Timer_F,
	Timer_G,
	Timer_H,
	Timer_I,
	Timer_J,
	Timer_K,
	Timer_L,
	Timer_M time.Duration

	// Timer_1xx is the deadline for automatic 100 Trying on INVITE server transaction.
	Timer_1xx = 200 * time.Millisecond
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers recomputes all derived timers from the base values - RFC 3261 17 table.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_E = T1
	Timer_F = 64 * T1
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
	Timer_L = 64 * T1
	Timer_M = 64 * T1
}

const TxSeperator = sip.TxSeperator

var (
	// Transaction Layer Errors can be detected and handled with different response on caller side
	// https://www.rfc-editor.org/rfc/rfc3261#section-8.1.3.1
	ErrTimeout   = errors.New("transaction timeout")
	ErrTransport = errors.New("transaction transport error")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransport)
}

type FnTxTerminate func(key string)

// MakeServerTxKey creates server key for matching retransmitting requests - RFC 3261 17.2.3.
// Key is branch + sent-by host + sent-by port + CSeq method.
func MakeServerTxKey(msg sip.Message) (string, error) {
	firstViaHop := msg.Via()
	if firstViaHop == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", sip.MessageShortString(msg))
	}

	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", sip.MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == sip.ACK || method == sip.CANCEL {
		method = sip.INVITE
	}

	branch := firstViaHop.Branch()
	if !sip.IsBranchCompliant(branch) {
		// RFC 2543 style matching is not supported by this stack.
		return "", fmt.Errorf("'branch' not found or not RFC 3261 compliant in message '%s'", sip.MessageShortString(msg))
	}

	var port int
	if firstViaHop.Port <= 0 {
		port = sip.DefaultPort(firstViaHop.Transport)
	} else {
		port = firstViaHop.Port
	}

	var builder strings.Builder
	builder.Grow(len(branch) + len(firstViaHop.Host) + len(method) + 3*len(TxSeperator) + 5)
	builder.WriteString(branch)
	builder.WriteString(TxSeperator)
	builder.WriteString(firstViaHop.Host)
	builder.WriteString(TxSeperator)
	builder.WriteString(strconv.Itoa(port))
	builder.WriteString(TxSeperator)
	builder.WriteString(string(method))

	return builder.String(), nil
}

// MakeClientTxKey creates client key for matching responses - RFC 3261 17.1.3.
// Key is branch + CSeq method.
func MakeClientTxKey(msg sip.Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", sip.MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == sip.ACK || method == sip.CANCEL {
		method = sip.INVITE
	}

	firstViaHop := msg.Via()
	if firstViaHop == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", sip.MessageShortString(msg))
	}

	branch := firstViaHop.Branch()
	if !sip.IsBranchCompliant(branch) {
		return "", fmt.Errorf("'branch' not found or empty in 'Via' header of message '%s'", sip.MessageShortString(msg))
	}

	var builder strings.Builder
	builder.Grow(len(branch) + len(method) + len(TxSeperator))
	builder.WriteString(branch)
	builder.WriteString(TxSeperator)
	builder.WriteString(string(method))
	return builder.String(), nil
}

type transactionStore struct {
	transactions map[string]sip.Transaction
	mu           sync.RWMutex
}

func newTransactionStore() *transactionStore {
	return &transactionStore{
		transactions: make(map[string]sip.Transaction),
	}
}

func (store *transactionStore) put(key string, tx sip.Transaction) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.transactions[key] = tx
}

func (store *transactionStore) get(key string) (sip.Transaction, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	tx, ok := store.transactions[key]
	return tx, ok
}

func (store *transactionStore) drop(key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, exists := store.transactions[key]
	delete(store.transactions, key)
	return exists
}

func (store *transactionStore) size() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.transactions)
}

func (store *transactionStore) all() []sip.Transaction {
	all := make([]sip.Transaction, 0)
	store.mu.RLock()
	defer store.mu.RUnlock()
	for _, tx := range store.transactions {
		all = append(all, tx)
	}

	return all
}
