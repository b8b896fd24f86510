package sipkit

import (
	"context"
	"net"

	"github.com/sipkit/sipkit/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler is a callback that will be called on the incoming request
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// UASOptions tune request admission checks before handler dispatch.
type UASOptions struct {
	// CheckScheme validates request URI scheme. Default accepts sip, sips and tel.
	CheckScheme func(scheme string) bool
	// MaxForwards default for generated requests.
	MaxForwards int
}

// Server is a SIP UAS handle dispatching server transactions to registered handlers.
type Server struct {
	*UserAgent

	// requestHandlers map of all registered request handlers
	requestHandlers map[sip.RequestMethod]RequestHandler
	noRouteHandler  RequestHandler

	// allowedMethods when set rejects any other method with 405.
	allowedMethods map[sip.RequestMethod]bool

	uasOptions UASOptions

	log zerolog.Logger

	requestMiddlewares  []func(r *sip.Request)
	responseMiddlewares []func(r *sip.Response)
}

type ServerOption func(s *Server) error

// WithServerLogger allows customizing server logger
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// WithServerAllowedMethods restricts accepted methods. Requests outside the
// set are answered 405 Method Not Allowed.
func WithServerAllowedMethods(methods ...sip.RequestMethod) ServerOption {
	return func(s *Server) error {
		s.allowedMethods = make(map[sip.RequestMethod]bool, len(methods))
		for _, m := range methods {
			s.allowedMethods[m] = true
		}
		return nil
	}
}

// WithServerUASOptions overrides default admission checks.
func WithServerUASOptions(opts UASOptions) ServerOption {
	return func(s *Server) error {
		if opts.CheckScheme != nil {
			s.uasOptions.CheckScheme = opts.CheckScheme
		}
		if opts.MaxForwards > 0 {
			s.uasOptions.MaxForwards = opts.MaxForwards
		}
		return nil
	}
}

// NewServer creates new instance of SIP server handle.
// It uses User Agent transport and transaction layer.
func NewServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	s := &Server{
		UserAgent:           ua,
		requestMiddlewares:  make([]func(r *sip.Request), 0),
		responseMiddlewares: make([]func(r *sip.Response), 0),
		requestHandlers:     make(map[sip.RequestMethod]RequestHandler),
		uasOptions: UASOptions{
			CheckScheme: sip.SupportedScheme,
			MaxForwards: 70,
		},
		log: log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	s.noRouteHandler = s.defaultUnhandledHandler

	// Handle our transaction layer requests
	s.tx.OnRequest(s.onRequest)
	return s, nil
}

// ListenAndServe starts serving on network address. This function blocks.
// Network supported: udp
func (srv *Server) ListenAndServe(ctx context.Context, network string, addr string) error {
	return srv.tp.ListenAndServe(ctx, network, addr)
}

// ServeUDP starts serving request on UDP type listener.
func (srv *Server) ServeUDP(l net.PacketConn) error {
	return srv.tp.ServeUDP(l)
}

// onRequest gets request from Transaction layer
func (srv *Server) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	go srv.handleRequest(req, tx)
}

// handleRequest must be run in seperate goroutine
func (srv *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	for _, mid := range srv.requestMiddlewares {
		mid(req)
	}

	if !srv.admitRequest(req, tx) {
		if tx != nil {
			tx.Terminate()
		}
		return
	}

	handler := srv.getHandler(req.Method)
	handler(req, tx)
	if tx != nil {
		// Must be called to prevent any transaction leaks
		tx.Terminate()
	}
}

// admitRequest runs protocol checks before user handler sees the request.
func (srv *Server) admitRequest(req *sip.Request, tx sip.ServerTransaction) bool {
	if req.IsAck() {
		// ACK gets no response ever
		return true
	}

	if srv.allowedMethods != nil && !srv.allowedMethods[req.Method] {
		srv.respondAdmission(req, tx, sip.StatusMethodNotAllowed)
		return false
	}

	if !srv.uasOptions.CheckScheme(req.Recipient.Scheme) {
		srv.respondAdmission(req, tx, sip.StatusUnsupportedURIScheme)
		return false
	}

	if mf := req.MaxForwards(); mf != nil && mf.Val() <= 0 {
		srv.respondAdmission(req, tx, sip.StatusTooManyHops)
		return false
	}

	return true
}

func (srv *Server) respondAdmission(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode) {
	res := sip.NewResponseFromRequest(req, code, "", nil)
	if tx != nil {
		if err := tx.Respond(res); err != nil {
			srv.log.Error().Err(err).Int("status", int(code)).Msg("admission respond failed")
		}
		return
	}
	if err := srv.WriteResponse(res); err != nil {
		srv.log.Error().Err(err).Int("status", int(code)).Msg("admission respond failed")
	}
}

// WriteResponse will proxy message to transport layer. Use it in stateless mode
func (srv *Server) WriteResponse(r *sip.Response) error {
	return srv.tp.WriteMsg(r)
}

// Close server handle. UserAgent must be closed for full transaction and transport layer closing.
func (srv *Server) Close() error {
	return nil
}

// OnRequest registers new request callback. Can be used as generic way to add handler
func (srv *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	srv.requestHandlers[method] = handler
}

// OnInvite registers Invite request handler
func (srv *Server) OnInvite(handler RequestHandler) {
	srv.requestHandlers[sip.INVITE] = handler
}

// OnAck registers Ack request handler
func (srv *Server) OnAck(handler RequestHandler) {
	srv.requestHandlers[sip.ACK] = handler
}

// OnCancel registers Cancel request handler
func (srv *Server) OnCancel(handler RequestHandler) {
	srv.requestHandlers[sip.CANCEL] = handler
}

// OnBye registers Bye request handler
func (srv *Server) OnBye(handler RequestHandler) {
	srv.requestHandlers[sip.BYE] = handler
}

// OnRegister registers Register request handler
func (srv *Server) OnRegister(handler RequestHandler) {
	srv.requestHandlers[sip.REGISTER] = handler
}

// OnOptions registers Options request handler
func (srv *Server) OnOptions(handler RequestHandler) {
	srv.requestHandlers[sip.OPTIONS] = handler
}

// OnSubscribe registers Subscribe request handler
func (srv *Server) OnSubscribe(handler RequestHandler) {
	srv.requestHandlers[sip.SUBSCRIBE] = handler
}

// OnNotify registers Notify request handler
func (srv *Server) OnNotify(handler RequestHandler) {
	srv.requestHandlers[sip.NOTIFY] = handler
}

// OnRefer registers Refer request handler
func (srv *Server) OnRefer(handler RequestHandler) {
	srv.requestHandlers[sip.REFER] = handler
}

// OnInfo registers Info request handler
func (srv *Server) OnInfo(handler RequestHandler) {
	srv.requestHandlers[sip.INFO] = handler
}

// OnMessage registers Message request handler
func (srv *Server) OnMessage(handler RequestHandler) {
	srv.requestHandlers[sip.MESSAGE] = handler
}

// OnPrack registers Prack request handler
func (srv *Server) OnPrack(handler RequestHandler) {
	srv.requestHandlers[sip.PRACK] = handler
}

// OnUpdate registers Update request handler
func (srv *Server) OnUpdate(handler RequestHandler) {
	srv.requestHandlers[sip.UPDATE] = handler
}

// OnPublish registers Publish request handler
func (srv *Server) OnPublish(handler RequestHandler) {
	srv.requestHandlers[sip.PUBLISH] = handler
}

// OnNoRoute registers no route handler
// default is handling is responding 501 Not Implemented
// This allows customizing your response for any non handled message
func (srv *Server) OnNoRoute(handler RequestHandler) {
	srv.noRouteHandler = handler
}

// RegisteredMethods returns list of registered handlers.
// Can be used for constructing Allow header
func (srv *Server) RegisteredMethods() []string {
	r := make([]string, 0, len(srv.requestHandlers))
	for k := range srv.requestHandlers {
		r = append(r, k.String())
	}
	return r
}

func (srv *Server) getHandler(method sip.RequestMethod) (handler RequestHandler) {
	handler, ok := srv.requestHandlers[method]
	if !ok {
		return srv.noRouteHandler
	}
	return handler
}

func (srv *Server) defaultUnhandledHandler(req *sip.Request, tx sip.ServerTransaction) {
	if req.IsAck() {
		return
	}
	srv.log.Warn().Str("method", req.Method.String()).Msg("SIP request handler not found")
	res := sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "", nil)
	if tx != nil {
		if err := tx.Respond(res); err != nil {
			srv.log.Error().Err(err).Msg("respond '501 Not Implemented' failed")
		}
		return
	}
	if err := srv.WriteResponse(res); err != nil {
		srv.log.Error().Err(err).Msg("respond '501 Not Implemented' failed")
	}
}

// ServeRequest can be used as middleware for preprocessing message
func (srv *Server) ServeRequest(f func(r *sip.Request)) {
	srv.requestMiddlewares = append(srv.requestMiddlewares, f)
}
