package sipkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipkit/sipkit/sip"
)

// DialogClient manages UAC dialogs keyed by dialog ID.
// Contact header must be provided for correct invite.
type DialogClient struct {
	c          *Client
	dialogs    *Registry[*DialogClientSession]
	contactHDR sip.ContactHeader
}

// NewDialogClient provides handle for managing UAC dialogs.
func NewDialogClient(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	s := &DialogClient{
		c:          client,
		dialogs:    NewRegistry[*DialogClientSession](),
		contactHDR: contactHDR,
	}
	return s
}

func (dc *DialogClient) loadDialog(id string) *DialogClientSession {
	d, _ := dc.dialogs.Get(id)
	return d
}

// Len returns number of tracked dialogs.
func (dc *DialogClient) Len() int {
	return dc.dialogs.Len()
}

// Invite sends INVITE request and creates early dialog session.
// You need to call WaitAnswer after for establishing dialog.
// For passing custom Invite request use WriteInvite.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
	}

	for _, h := range headers {
		req.AppendHeader(h)
	}
	return dc.WriteInvite(ctx, req)
}

func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	cli := dc.c

	if inviteRequest.Contact() == nil {
		inviteRequest.AppendHeader(&dc.contactHDR)
	}

	tx, err := cli.TransactionRequest(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteRequest,
		},
		dc:       dc,
		inviteTx: tx,
	}
	dtx.Init()

	return dtx, nil
}

// ReadBye should be called from OnBye handler to process in-dialog BYE.
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callid := req.CallID()
	from := req.From()
	to := req.To()
	if callid == nil || from == nil || to == nil {
		return ErrDialogOutsideDialog
	}

	// For UAC, local tag is From tag of our invite which is To tag of
	// incoming request within dialog.
	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	id := sip.MakeDialogID(callid.Value(), toTag, fromTag)

	dt := dc.loadDialog(id)
	if dt == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return fmt.Errorf("callid=%q: %w", callid.Value(), ErrDialogDoesNotExists)
	}

	if err := dt.checkRemoteCSeq(req); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "CSeq out of order", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return ErrDialogOutOfOrder
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	dt.setState(sip.DialogStateEnded)
	defer dt.Close()
	defer dt.inviteTx.Terminate()
	return nil
}

// MatchRequestDialog returns dialog of incoming in-dialog request.
func (dc *DialogClient) MatchRequestDialog(req *sip.Request) (*DialogClientSession, error) {
	callid := req.CallID()
	from := req.From()
	to := req.To()
	if callid == nil || from == nil || to == nil {
		return nil, ErrDialogOutsideDialog
	}
	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	id := sip.MakeDialogID(callid.Value(), toTag, fromTag)

	dt := dc.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

type DialogClientSession struct {
	Dialog
	dc       *DialogClient
	inviteTx sip.ClientTransaction
}

// Close must be always called in order to cleanup some internal resources.
// Consider that this will not send BYE or CANCEL or change dialog state.
func (s *DialogClientSession) Close() error {
	if s.ID != "" {
		s.dc.dialogs.Delete(s.ID)
	}
	return nil
}

type AnswerOptions struct {
	// OnResponse is called for every received response before classification.
	OnResponse func(res *sip.Response)
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx.
// Canceling context while waiting will send CANCEL request.
// A 1xx with To tag moves the dialog to early state.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	tx := s.inviteTx

	var r *sip.Response
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			// Send cancel
			defer tx.Terminate()
			if err := tx.Cancel(); err != nil {
				return errors.Join(err, ctx.Err())
			}
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if r.IsProvisional() {
			// 1xx with To tag creates early dialog - RFC 3261 12.1.
			if to := r.To(); to != nil {
				if _, hasTag := to.Params.Get("tag"); hasTag && s.LoadState() == 0 {
					s.InviteResponse = r
					s.setState(sip.DialogStateEarly)
				}
			}
		}

		if opts.OnResponse != nil {
			opts.OnResponse(r)
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			continue
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}

	s.InviteResponse = r
	s.ID = id
	s.routeSet = extractRouteSetUAC(r)
	if cont := r.Contact(); cont != nil {
		s.remoteTarget = *cont.Address.Clone()
	} else {
		// Fall back on request URI when far end put no Contact in 2xx
		s.remoteTarget = *s.InviteRequest.Recipient.Clone()
	}
	s.setState(sip.DialogStateEstablished)
	s.dc.dialogs.Put(id, s)
	return nil
}

// Ack sends ack for 2xx. It is a new transaction with a fresh branch but
// the CSeq number of the INVITE - RFC 3261 13.2.2.4.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := s.buildAck()
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) buildAck() *sip.Request {
	from := s.InviteRequest.From()
	to := s.InviteResponse.To()
	callID := s.InviteRequest.CallID()

	ack := s.newInDialogRequest(
		sip.ACK,
		sip.HeaderClone(from).(*sip.FromHeader),
		sip.HeaderClone(to).(*sip.ToHeader),
		callID,
	)
	ack.SetTransport(s.InviteRequest.Transport())
	return ack
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	if err := s.dc.c.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := s.buildBye()
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) buildBye() *sip.Request {
	from := s.InviteRequest.From()
	to := s.InviteResponse.To()
	callID := s.InviteRequest.CallID()

	bye := s.newInDialogRequest(
		sip.BYE,
		sip.HeaderClone(from).(*sip.FromHeader),
		sip.HeaderClone(to).(*sip.ToHeader),
		callID,
	)
	bye.SetTransport(s.InviteRequest.Transport())
	return bye
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	dc := s.dc
	defer s.Close()

	state := s.LoadState()
	// In case dialog terminated
	if state == sip.DialogStateEnded {
		return nil
	}

	// In case dialog was not updated
	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("dialog not confirmed. ACK not send?")
	}

	tx, err := dc.c.TransactionRequest(ctx, bye, ClientRequestBuild)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases
	defer tx.Terminate()         // Terminates current transaction

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return &ErrDialogResponse{Res: res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
