package sipkit

import (
	"context"

	"github.com/sipkit/sipkit/sip"

	"github.com/rs/zerolog/log"
)

// OutboundHandler is capability set a UAC application implements.
// Responses are bucketed by status class. Embed UnimplementedOutboundHandler
// and override only what you need, defaults log and continue.
type OutboundHandler interface {
	OnProvisional(res *sip.Response)
	OnSuccess(res *sip.Response)
	// OnRedirect returns true when the call should follow the Contact of
	// the 3xx response.
	OnRedirect(res *sip.Response) bool
	OnClientError(res *sip.Response)
	OnServerError(res *sip.Response)
	OnGlobalFailure(res *sip.Response)
	// OnError is called for transport failures and transaction timeouts.
	OnError(err error)
	OnCallEstablished(d *DialogClientSession)
	OnCallEnded(d *DialogClientSession)
}

// UnimplementedOutboundHandler logs every response class and continues.
type UnimplementedOutboundHandler struct{}

func (UnimplementedOutboundHandler) OnProvisional(res *sip.Response) {
	log.Debug().Int("status", int(res.StatusCode)).Msg("provisional response")
}

func (UnimplementedOutboundHandler) OnSuccess(res *sip.Response) {
	log.Debug().Int("status", int(res.StatusCode)).Msg("success response")
}

func (UnimplementedOutboundHandler) OnRedirect(res *sip.Response) bool {
	log.Debug().Int("status", int(res.StatusCode)).Msg("redirect response")
	return false
}

func (UnimplementedOutboundHandler) OnClientError(res *sip.Response) {
	log.Debug().Int("status", int(res.StatusCode)).Msg("client error response")
}

func (UnimplementedOutboundHandler) OnServerError(res *sip.Response) {
	log.Debug().Int("status", int(res.StatusCode)).Msg("server error response")
}

func (UnimplementedOutboundHandler) OnGlobalFailure(res *sip.Response) {
	log.Debug().Int("status", int(res.StatusCode)).Msg("global failure response")
}

func (UnimplementedOutboundHandler) OnError(err error) {
	log.Error().Err(err).Msg("call failed")
}

func (UnimplementedOutboundHandler) OnCallEstablished(d *DialogClientSession) {}

func (UnimplementedOutboundHandler) OnCallEnded(d *DialogClientSession) {}

// dispatchResponse fans one response out to the handler bucket of its class.
// Returns followRedirect decision for 3xx.
func dispatchResponse(h OutboundHandler, res *sip.Response) (followRedirect bool) {
	switch sip.StatusClass(res.StatusCode) {
	case 1:
		h.OnProvisional(res)
	case 2:
		h.OnSuccess(res)
	case 3:
		return h.OnRedirect(res)
	case 4:
		h.OnClientError(res)
	case 5:
		h.OnServerError(res)
	case 6:
		h.OnGlobalFailure(res)
	}
	return false
}

// Call drives an outbound INVITE through the handler: dials, buckets every
// response, follows a redirect when the handler asks for it, ACKs the 2xx
// and reports the established dialog. Returned session is nil when the call
// did not establish.
func (dc *DialogClient) Call(ctx context.Context, recipient sip.Uri, body []byte, h OutboundHandler) (*DialogClientSession, error) {
	for {
		sess, err := dc.Invite(ctx, recipient, body)
		if err != nil {
			h.OnError(err)
			return nil, err
		}

		var redirected bool
		err = sess.WaitAnswer(ctx, AnswerOptions{
			OnResponse: func(res *sip.Response) {
				if res.IsSuccess() {
					// handled below once dialog state is set
					return
				}
				if res.IsRedirection() {
					redirected = dispatchResponse(h, res)
					if redirected {
						if cont := res.Contact(); cont != nil {
							recipient = *cont.Address.Clone()
						} else {
							redirected = false
						}
					}
					return
				}
				dispatchResponse(h, res)
			},
		})
		if err != nil {
			sess.Close()
			if redirected {
				continue
			}
			var respErr *ErrDialogResponse
			if !asDialogResponseErr(err, &respErr) {
				h.OnError(err)
			}
			return nil, err
		}

		h.OnSuccess(sess.InviteResponse)

		if err := sess.Ack(ctx); err != nil {
			h.OnError(err)
			sess.Close()
			return nil, err
		}

		h.OnCallEstablished(sess)
		sess.OnState(func(s sip.DialogState) {
			if s == sip.DialogStateEnded {
				h.OnCallEnded(sess)
			}
		})
		return sess, nil
	}
}

func asDialogResponseErr(err error, target **ErrDialogResponse) bool {
	e, ok := err.(*ErrDialogResponse)
	if ok {
		*target = e
	}
	return ok
}
