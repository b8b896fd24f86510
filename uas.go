package sipkit

import (
	"github.com/sipkit/sipkit/sip"
)

// InboundHandler is capability set a UAS application implements.
// Embed UnimplementedInboundHandler and override only what you need,
// everything else answers 501 Not Implemented.
type InboundHandler interface {
	OnInvite(req *sip.Request, tx sip.ServerTransaction)
	OnAck(req *sip.Request, tx sip.ServerTransaction)
	OnBye(req *sip.Request, tx sip.ServerTransaction)
	OnCancel(req *sip.Request, tx sip.ServerTransaction)
	OnOptions(req *sip.Request, tx sip.ServerTransaction)
	OnRegister(req *sip.Request, tx sip.ServerTransaction)
	OnSubscribe(req *sip.Request, tx sip.ServerTransaction)
	OnNotify(req *sip.Request, tx sip.ServerTransaction)
	OnPublish(req *sip.Request, tx sip.ServerTransaction)
	OnMessage(req *sip.Request, tx sip.ServerTransaction)
	OnInfo(req *sip.Request, tx sip.ServerTransaction)
}

// RegisterHandler wires every InboundHandler capability into server dispatch.
func (srv *Server) RegisterHandler(h InboundHandler) {
	srv.OnInvite(h.OnInvite)
	srv.OnAck(h.OnAck)
	srv.OnBye(h.OnBye)
	srv.OnCancel(h.OnCancel)
	srv.OnOptions(h.OnOptions)
	srv.OnRegister(h.OnRegister)
	srv.OnSubscribe(h.OnSubscribe)
	srv.OnNotify(h.OnNotify)
	srv.OnPublish(h.OnPublish)
	srv.OnMessage(h.OnMessage)
	srv.OnInfo(h.OnInfo)
}

// UnimplementedInboundHandler answers 501 Not Implemented on every method.
type UnimplementedInboundHandler struct{}

func (UnimplementedInboundHandler) respondNotImplemented(req *sip.Request, tx sip.ServerTransaction) {
	if tx == nil {
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "", nil)
	_ = tx.Respond(res)
}

func (h UnimplementedInboundHandler) OnInvite(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnAck(req *sip.Request, tx sip.ServerTransaction) {
	// ACK never gets a response
}

func (h UnimplementedInboundHandler) OnBye(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnCancel(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnOptions(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnRegister(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnNotify(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnPublish(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnMessage(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}

func (h UnimplementedInboundHandler) OnInfo(req *sip.Request, tx sip.ServerTransaction) {
	h.respondNotImplemented(req, tx)
}
