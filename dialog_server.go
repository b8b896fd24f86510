package sipkit

import (
	"context"
	"fmt"
	"time"

	"github.com/sipkit/sipkit/sip"
	"github.com/sipkit/sipkit/transaction"

	uuid "github.com/satori/go.uuid"
)

// DialogServer manages UAS dialogs keyed by dialog ID.
// Contact header is default that is provided for responses.
// Client is needed for sending in-dialog requests like BYE.
type DialogServer struct {
	dialogs    *Registry[*DialogServerSession]
	contactHDR sip.ContactHeader
	c          *Client
}

// NewDialogServer provides handle for managing UAS dialogs.
func NewDialogServer(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	s := &DialogServer{
		dialogs:    NewRegistry[*DialogServerSession](),
		contactHDR: contactHDR,
		c:          client,
	}
	return s
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	d, _ := s.dialogs.Get(id)
	return d
}

// Len returns number of tracked dialogs.
func (s *DialogServer) Len() int {
	return s.dialogs.Len()
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDialogOutsideDialog, err.Error())
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// ReadInvite should be called from your OnInvite handler. It creates dialog context.
// You need to use DialogServerSession for all further responses.
// Do not forget to add ReadAck and ReadBye for confirming and terminating dialog.
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	cont := req.Contact()
	if cont == nil {
		return nil, ErrDialogInviteNoContact
	}
	if req.CSeq() == nil {
		return nil, fmt.Errorf("no CSeq header present")
	}

	// Prebuild To tag for responses as it must be same for all responds.
	// NewResponseFromRequest will skip this for 100.
	to := req.To()
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		uid, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
		}
		to.Params.Add("tag", uid.String())
	}

	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, err
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id, // this id has already prebuilt tag
			InviteRequest: req,
		},
		inviteTx: tx,
		s:        s,
	}
	dtx.Init()
	dtx.remoteCSeqNo.Store(req.CSeq().SeqNo)
	dtx.routeSet = extractRouteSetUAS(req)
	dtx.remoteTarget = *cont.Address.Clone()

	// CANCEL arrives on the INVITE transaction, not as a routable request.
	// Answer it with 487 on the INVITE unless a final response won the race.
	go func() {
		select {
		case cancelReq := <-tx.Cancels():
			if err := dtx.ReadCancel(cancelReq, tx); err != nil {
				s.c.log.Error().Err(err).Msg("cancel handling failed")
			}
		case <-tx.Done():
		}
	}()

	s.dialogs.Put(id, dtx)
	return dtx, nil
}

// ReadAck should be called from your OnAck handler.
// It confirms the matching dialog.
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}

	dt.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye should be called from your OnBye handler.
// Out of order BYE is rejected with 500, unmatched with 481.
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.2
		// If the BYE does not match an existing dialog, the UAS core
		// SHOULD generate a 481 (Call/Transaction Does Not Exist)
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "", nil)
		if rerr := tx.Respond(res); rerr != nil {
			return rerr
		}
		return err
	}

	if err := dt.checkRemoteCSeq(req); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "CSeq out of order", nil)
		if rerr := tx.Respond(res); rerr != nil {
			return rerr
		}
		return ErrDialogOutOfOrder
	}

	defer dt.Close()
	defer dt.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	dt.setState(sip.DialogStateEnded)

	return nil
}

type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	s        *DialogServer
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	s.s.dialogs.Delete(s.ID)
	return nil
}

// Respond should be called for Invite request. You may want to call this
// multiple times like 100 Trying or 180 Ringing, then 2xx to establish
// or other final code to reject.
//
// In case CANCEL was received in meantime, 487 Request Terminated is sent
// on the INVITE transaction and ErrDialogCanceled is returned.
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondSDP is wrapper to answer 200 with SDP.
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing custom response.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil && !res.IsProvisional() {
		// Add our default contact header
		cont := s.s.contactHDR
		res.AppendHeader(&cont)
	}

	s.Dialog.InviteResponse = res

	// Do we have cancel in meantime. Transaction already answered 200 on
	// the CANCEL itself, the INVITE must get 487 - RFC 3261 9.2.
	select {
	case <-tx.Cancels():
		terminated := sip.NewResponseFromRequest(s.InviteRequest, sip.StatusRequestTerminated, "", nil)
		if err := tx.Respond(terminated); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return ErrDialogCanceled
	case <-tx.Done():
		// There must be some error
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			if err := tx.Respond(res); err != nil {
				return err
			}
			// 1xx with tag creates early dialog
			if s.LoadState() == 0 && res.StatusCode != sip.StatusTrying {
				s.setState(sip.DialogStateEarly)
			}
			return nil
		}

		// For final response we want to set dialog ended state
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	if err := tx.Respond(res); err != nil {
		return err
	}
	s.setState(sip.DialogStateEstablished)

	// https://datatracker.ietf.org/doc/html/rfc3261#section-13.3.1.4
	// The 2xx is retransmitted by the UAS core until ACK arrives.
	go s.retransmit2xx(res)

	return nil
}

// retransmit2xx resends the success response at T1 doubling up to T2 until
// the dialog confirms or 64*T1 passes, then gives up and ends the dialog.
func (s *DialogServerSession) retransmit2xx(res *sip.Response) {
	interval := transaction.T1
	deadline := time.NewTimer(64 * transaction.T1)
	defer deadline.Stop()

	for {
		retry := time.NewTimer(interval)
		select {
		case <-retry.C:
			if s.LoadState() != sip.DialogStateEstablished {
				return
			}
			if err := s.inviteTx.Respond(res); err != nil {
				return
			}
			interval *= 2
			if interval > transaction.T2 {
				interval = transaction.T2
			}
		case <-deadline.C:
			retry.Stop()
			if s.LoadState() == sip.DialogStateEstablished {
				// ACK never arrived
				s.inviteTx.Terminate()
				s.setState(sip.DialogStateEnded)
			}
			return
		case <-s.Context().Done():
			retry.Stop()
			return
		}
	}
}

// ReadCancel handles CANCEL for this dialog INVITE outside of WriteResponse
// flow. Transaction layer already answered 200 OK on CANCEL, here the INVITE
// gets 487 and the dialog terminates.
func (s *DialogServerSession) ReadCancel(req *sip.Request, tx sip.ServerTransaction) error {
	if s.LoadState() >= sip.DialogStateEstablished {
		// Too late, final response was sent.
		return nil
	}

	terminated := sip.NewResponseFromRequest(s.InviteRequest, sip.StatusRequestTerminated, "", nil)
	if err := s.inviteTx.Respond(terminated); err != nil {
		return err
	}
	s.setState(sip.DialogStateEnded)
	s.Close()
	return nil
}

// Bye sends BYE within dialog from UAS side.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.LoadState()
	// In case dialog terminated
	if state == sip.DialogStateEnded {
		return nil
	}

	res := s.Dialog.InviteResponse
	if res == nil || !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// The callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		state = s.LoadState()
		if state < sip.DialogStateConfirmed {
			select {
			case <-s.inviteTx.Done():
				// Wait until we timeout
			case <-time.After(transaction.T1):
				// Recheck state
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	bye := s.buildBye()
	tx, err := s.s.c.TransactionRequest(ctx, bye, ClientRequestBuild)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return &ErrDialogResponse{Res: res}
		}
		s.setState(sip.DialogStateEnded)
		s.Close()
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildBye reverses From and To of the dialog as UAS is the sender.
func (s *DialogServerSession) buildBye() *sip.Request {
	res := s.Dialog.InviteResponse

	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params.Clone(),
	}

	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params.Clone(),
	}

	bye := s.newInDialogRequest(sip.BYE, newFrom, newTo, callid)
	bye.SetTransport(s.InviteRequest.Transport())
	// Requests go back over the flow the INVITE arrived on.
	if len(s.routeSet) == 0 {
		bye.SetDestination(s.InviteRequest.Source())
	}
	return bye
}
