package sipkit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sipkit/sipkit/sip"
)

var (
	ErrDialogOutsideDialog   = errors.New("call/transaction outside dialog")
	ErrDialogDoesNotExists   = errors.New("call/transaction does not exist")
	ErrDialogInviteNoContact = errors.New("no Contact header")
	ErrDialogCanceled        = errors.New("dialog canceled")
	ErrDialogOutOfOrder      = errors.New("out of order request")
	ErrDialogTerminated      = errors.New("dialog terminated")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e *ErrDialogResponse) Error() string {
	return fmt.Sprintf("invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)

// Dialog is peer to peer SIP relationship identified by Call-ID and the
// two tags - RFC 3261 12. It owns the local and remote sequence counters
// and the route set of the call leg.
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. Use it read only.
	InviteRequest *sip.Request

	// InviteResponse is last response received or sent. Use it read only.
	InviteResponse *sip.Response

	// lastCSeqNo is local sequence number, incremented for every request
	// within dialog except ACK and CANCEL.
	lastCSeqNo atomic.Uint32

	// remoteCSeqNo tracks highest seen remote sequence number. In-dialog
	// requests below or at it are rejected as out of order - RFC 3261 12.2.2.
	remoteCSeqNo atomic.Uint32

	// routeSet is the reversed Record-Route of the dialog establishing
	// response on UAC side, or its straight order on UAS side - RFC 3261 12.1.
	routeSet []sip.Uri

	// remoteTarget is Contact of the far end, request URI for in-dialog requests.
	remoteTarget sip.Uri

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]
}

// Init setups dialog state
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if d.InviteRequest != nil {
		if cseq := d.InviteRequest.CSeq(); cseq != nil {
			d.lastCSeqNo.Store(cseq.SeqNo)
		}
	}
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		// Safety
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

// StateRead returns channel receiving every dialog state change.
func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo.Load()
}

func (d *Dialog) RemoteCSEQ() uint32 {
	return d.remoteCSeqNo.Load()
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

// RouteSet returns copy of dialog route set.
func (d *Dialog) RouteSet() []sip.Uri {
	rs := make([]sip.Uri, len(d.routeSet))
	copy(rs, d.routeSet)
	return rs
}

// RemoteTarget returns remote Contact URI of the dialog.
func (d *Dialog) RemoteTarget() sip.Uri {
	return d.remoteTarget
}

// checkRemoteCSeq enforces strictly increasing remote sequence numbers.
func (d *Dialog) checkRemoteCSeq(req *sip.Request) error {
	cseq := req.CSeq()
	if cseq == nil {
		return ErrDialogOutOfOrder
	}

	for {
		last := d.remoteCSeqNo.Load()
		if cseq.SeqNo <= last {
			return ErrDialogOutOfOrder
		}
		if d.remoteCSeqNo.CompareAndSwap(last, cseq.SeqNo) {
			return nil
		}
	}
}

// extractRouteSetUAC reverses the Record-Route list of the dialog
// establishing response - RFC 3261 12.1.2.
func extractRouteSetUAC(res *sip.Response) []sip.Uri {
	var set []sip.Uri
	for _, h := range res.GetHeaders("Record-Route") {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		for hop := rr; hop != nil; hop = hop.Next {
			set = append(set, *hop.Address.Clone())
		}
	}
	// reverse in place
	for i, j := 0, len(set)-1; i < j; i, j = i+1, j-1 {
		set[i], set[j] = set[j], set[i]
	}
	return set
}

// extractRouteSetUAS takes the Record-Route list of the request in
// straight order - RFC 3261 12.1.1.
func extractRouteSetUAS(req *sip.Request) []sip.Uri {
	var set []sip.Uri
	for _, h := range req.GetHeaders("Record-Route") {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		for hop := rr; hop != nil; hop = hop.Next {
			set = append(set, *hop.Address.Clone())
		}
	}
	return set
}

// newInDialogRequest builds request within dialog per RFC 3261 12.2.1.1:
// request URI is remote target, Route headers carry the route set, To is
// remote party with remote tag, From local party with local tag, CSeq is
// incremented local sequence (ACK and CANCEL reuse the number they refer to).
func (d *Dialog) newInDialogRequest(method sip.RequestMethod, from *sip.FromHeader, to *sip.ToHeader, callID *sip.CallIDHeader) *sip.Request {
	req := sip.NewRequest(method, *d.remoteTarget.Clone())

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(sip.HeaderClone(callID))

	var seqNo uint32
	switch method {
	case sip.ACK, sip.CANCEL:
		seqNo = d.lastCSeqNo.Load()
	default:
		seqNo = d.lastCSeqNo.Add(1)
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seqNo, MethodName: method})

	for i := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: *d.routeSet[i].Clone()})
	}

	if len(d.routeSet) > 0 {
		req.SetDestination(d.routeSet[0].HostPort())
	}

	return req
}
