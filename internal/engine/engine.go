package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/prxtunnel/internal/config"
	"github.com/sammck-go/prxtunnel/internal/discovery"
	"github.com/sammck-go/prxtunnel/internal/lifecycle"
	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/palsocket"
	"github.com/sammck-go/prxtunnel/internal/ref"
	"github.com/sammck-go/prxtunnel/internal/sched"
	"github.com/sammck-go/prxtunnel/internal/transport"
)

// Engine owns the control listener, the reference-keyed socket table, and
// the GC worker (spec §4.5 responsibilities 1-3).
type Engine struct {
	lifecycle.Helper

	logger    logging.Logger
	selfRef   ref.Ref
	scheduler *sched.Scheduler
	cfg       *config.Store

	listener *transport.Connection

	mu    sync.Mutex
	table map[ref.Ref]*ServerSocket

	exiting bool

	browser      discovery.ServiceBrowser
	browseCtx    context.Context
	browseCancel context.CancelFunc
}

// SetServiceBrowser wires a real mDNS/DNS-SD collaborator into the browse
// internal service (spec §6.4: "Collaborator interfaces (consumed, not
// implemented)"); without one, "service" browse requests answer
// not_supported while "scan" requests still work.
func (e *Engine) SetServiceBrowser(b discovery.ServiceBrowser) {
	e.mu.Lock()
	e.browser = b
	e.mu.Unlock()
}

// New creates an engine identified by selfRef, listening for control
// messages on listener. The GC worker is started immediately (spec §4.5:
// "Run a periodic worker (every 10s)"). Routed through newEngineCore so
// every construction path - New, NewListener, NewAccepted - shares the
// same browse context setup.
func New(logger logging.Logger, selfRef ref.Ref, listener *transport.Connection, cfg *config.Store) *Engine {
	e := newEngineCore(logger, selfRef, cfg)
	e.listener = listener
	e.scheduleWorker(workerTick)
	return e
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler: begin
// orderly teardown and block until the shared scheduler (the engine plus
// every socket's child scheduler) has fully drained, which only happens
// once the socket table is empty (spec §4.5.4: "the engine frees itself
// from the worker" once empty).
func (e *Engine) HandleOnceShutdown(completionErr error) error {
	e.Shutdown()
	e.scheduler.AtExit()
	if e.browseCancel != nil {
		e.browseCancel()
	}
	return completionErr
}

func newEngineCore(logger logging.Logger, selfRef ref.Ref, cfg *config.Store) *Engine {
	browseCtx, browseCancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:       logger,
		selfRef:      selfRef,
		scheduler:    sched.New(logger.Fork("sched")),
		cfg:          cfg,
		table:        make(map[ref.Ref]*ServerSocket),
		browseCtx:    browseCtx,
		browseCancel: browseCancel,
	}
	e.Helper.Init(logger.Fork("engine"), e)
	return e
}

// NewListener creates an Engine that owns its own control listener,
// dialed at entry (spec §4.5 responsibility 1: "Host a process-wide
// control listener bound to the proxy's own reference"). Inbound
// envelopes are routed through Dispatch and responses are sent back over
// the same listener connection.
func NewListener(ctx context.Context, logger logging.Logger, selfRef ref.Ref, entry transport.Entry, codecID msg.CodecID, cfg *config.Store) (*Engine, error) {
	e := newEngineCore(logger, selfRef, cfg)
	e.Helper.ShutdownOnContext(ctx)

	conn, err := transport.Create(ctx, logger.Fork("listener"), entry, codecID, func(ev transport.Event) {
		e.handleListenerEvent(ev)
	})
	if err != nil {
		e.scheduler.Release(nil)
		return nil, err
	}
	e.listener = conn
	e.scheduleWorker(workerTick)
	return e, nil
}

// NewAccepted creates an Engine around a control connection an HTTP server
// has already accepted and upgraded (spec §4.5 responsibility 1's
// process-wide control listener, accept side: one Engine per accepted
// client session, mirroring the teacher's per-connection handleWebsocket).
// The caller owns accepting and upgrading the HTTP request; this only wires
// the resulting *websocket.Conn into an Engine via transport.FromConn.
func NewAccepted(parent context.Context, logger logging.Logger, selfRef ref.Ref, ws *websocket.Conn, codecID msg.CodecID, cfg *config.Store) (*Engine, error) {
	e := newEngineCore(logger, selfRef, cfg)
	e.Helper.ShutdownOnContext(parent)

	conn, err := transport.FromConn(parent, logger.Fork("listener"), ws, codecID, func(ev transport.Event) {
		e.handleListenerEvent(ev)
	})
	if err != nil {
		e.scheduler.Release(nil)
		return nil, err
	}
	e.listener = conn
	e.scheduleWorker(workerTick)
	return e, nil
}

func (e *Engine) handleListenerEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventReceived:
		if resp := e.Dispatch(ev.Message); resp != nil {
			e.sendToListener(resp)
		}
	case transport.EventReconnecting:
		e.logger.WLogf("engine: control listener reconnecting: %s", ev.Err)
	case transport.EventClosed:
		e.logger.ILogf("engine: control listener closed")
		e.Shutdown()
	}
}

// Dispatch routes one inbound control-channel envelope (spec §4.5.1).
func (e *Engine) Dispatch(env *msg.Envelope) *msg.Envelope {
	if env.TargetRef.IsNull() {
		switch env.Type {
		case msg.TypePingReq:
			return e.handlePing(env)
		case msg.TypeLinkReq:
			return e.handleLink(env)
		default:
			return errorResponse(env, responseType(env.Type), msg.ErrNotSupported)
		}
	}

	sock := e.lookup(env.TargetRef)
	if sock == nil {
		return errorResponse(env, responseType(env.Type), msg.ErrClosed)
	}
	return e.controlHandler(sock, env)
}

func responseType(reqType msg.Type) msg.Type {
	switch reqType {
	case msg.TypePingReq:
		return msg.TypePingResp
	case msg.TypeLinkReq:
		return msg.TypeLinkResp
	case msg.TypeOpenReq:
		return msg.TypeOpenResp
	case msg.TypeCloseReq:
		return msg.TypeCloseResp
	case msg.TypeSetoptReq:
		return msg.TypeSetoptResp
	case msg.TypeGetoptReq:
		return msg.TypeGetoptResp
	case msg.TypePollReq:
		return msg.TypePollResp
	default:
		return reqType
	}
}

func errorResponse(req *msg.Envelope, respType msg.Type, code msg.ErrorCode) *msg.Envelope {
	return &msg.Envelope{
		Version:       msg.CurrentVersion,
		Type:          respType,
		SourceRef:     req.TargetRef,
		TargetRef:     req.SourceRef,
		ProxyRef:      req.ProxyRef,
		CorrelationID: req.CorrelationID,
		ErrorCode:     code,
	}
}

func (e *Engine) lookup(id ref.Ref) *ServerSocket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table[id]
}

func (e *Engine) insert(sock *ServerSocket) {
	e.mu.Lock()
	e.table[sock.ID] = sock
	e.mu.Unlock()
}

func (e *Engine) remove(id ref.Ref) {
	e.mu.Lock()
	delete(e.table, id)
	empty := len(e.table) == 0
	exiting := e.exiting
	e.mu.Unlock()
	if empty && exiting {
		e.scheduler.Release(nil)
	}
}

// handlePing implements spec §4.5.2.
func (e *Engine) handlePing(req *msg.Envelope) *msg.Envelope {
	ping, ok := req.Payload.(*msg.PingReq)
	if !ok {
		return errorResponse(req, msg.TypePingResp, msg.ErrArg)
	}
	switch ping.Address.Family {
	case msg.AFInet, msg.AFInet6, msg.AFProxy:
	default:
		return errorResponse(req, msg.TypePingResp, msg.ErrAddressFamily)
	}
	if e.isRestricted(ping.Address.Port) {
		return errorResponse(req, msg.TypePingResp, msg.ErrRefused)
	}

	resolved, err := resolveAddress(context.Background(), ping.Address)
	if err != nil {
		return errorResponse(req, msg.TypePingResp, msg.ErrNoHost)
	}
	resp := errorResponse(req, msg.TypePingResp, msg.ErrOk)
	resp.Payload = &msg.PingResp{ResolvedAddress: resolved}
	return resp
}

func (e *Engine) isRestricted(port uint16) bool {
	if e.cfg == nil {
		return false
	}
	return e.cfg.Get().IsRestricted(port)
}

// handleLink implements spec §4.5.3.
func (e *Engine) handleLink(req *msg.Envelope) *msg.Envelope {
	link, ok := req.Payload.(*msg.LinkReq)
	if !ok {
		return errorResponse(req, msg.TypeLinkResp, msg.ErrArg)
	}

	if !link.Props.IsInternal() && !link.Props.IsPassive() && e.isRestricted(link.Props.Address.Port) {
		return errorResponse(req, msg.TypeLinkResp, msg.ErrRefused)
	}

	id, err := ref.New()
	if err != nil {
		return errorResponse(req, msg.TypeLinkResp, msg.ErrFatal)
	}

	sock := &ServerSocket{
		ID:         id,
		OwnerRef:   req.SourceRef,
		props:      link.Props,
		state:      StateCreated,
		lastActive: now(),
		childSched: e.scheduler.NewChild(),
	}
	sock.timeout = normalizeGCTimeout(link.Props.TimeoutMsec)
	e.insert(sock)

	if link.Props.IsInternal() {
		return e.linkInternal(req, sock)
	}
	return e.linkExternal(req, sock)
}

func normalizeGCTimeout(msec uint32) time.Duration {
	d := time.Duration(msec) * time.Millisecond
	if d == 0 {
		return DefaultGCTimeout
	}
	if d < MinGCTimeout {
		return MinGCTimeout
	}
	return d
}

// linkExternal begins an asynchronous platform-socket open; the link
// response is parked until the open callback fires (spec §4.5.3 step 4,
// §4.5.7 "opened").
func (e *Engine) linkExternal(req *msg.Envelope, sock *ServerSocket) *msg.Envelope {
	resp := errorResponse(req, msg.TypeLinkResp, msg.ErrOk)
	resp.Payload = &msg.LinkResp{Version: msg.CurrentVersion, LinkID: sock.ID}
	sock.linkMessage = resp

	client := &socketCallbacks{engine: e, sock: sock}
	sock.plat = palsocket.Create(sock.props, client)
	sock.plat.Open(context.Background())

	// The caller receives nothing synchronously: the response rides the
	// parked link_message once open completes, so Dispatch returns nil here.
	return nil
}

// linkInternal implements spec §4.5.3 step 5: the only internal service is
// "browse"; palsocket.Pair wires an already-open local pair and the
// visible half becomes this socket.
func (e *Engine) linkInternal(req *msg.Envelope, sock *ServerSocket) *msg.Envelope {
	if sock.props.Address.Host != "" {
		e.remove(sock.ID)
		return errorResponse(req, msg.TypeLinkResp, msg.ErrArg)
	}
	if sock.props.Address.Port != internalServiceBrowse {
		e.remove(sock.ID)
		return errorResponse(req, msg.TypeLinkResp, msg.ErrNotSupported)
	}

	e.mu.Lock()
	browser := e.browser
	e.mu.Unlock()

	visibleClient := &socketCallbacks{engine: e, sock: sock}
	internalClient, err := newBrowseServiceClient(e.browseCtx, e.logger.Fork("browse"), browser)
	if err != nil {
		e.remove(sock.ID)
		return errorResponse(req, msg.TypeLinkResp, msg.ErrFault)
	}
	visible, internal := palsocket.Pair(visibleClient, internalClient)
	internal.CanSend(true)
	internal.CanRecv(true)
	sock.plat = visible
	// Internal sockets still require an explicit open (spec §3 lifecycle:
	// created by link -> created; open transitions to opened), even though
	// the platform pair is already connected.

	resp := errorResponse(req, msg.TypeLinkResp, msg.ErrOk)
	resp.Payload = &msg.LinkResp{Version: msg.CurrentVersion, LinkID: sock.ID}
	return resp
}

// internalServiceBrowse is the only internal service port name recognized
// (spec §4.5.3 step 5 / §4.7): "currently only browse".
const internalServiceBrowse = 1

// internalServiceClient is a no-op palsocket.Client, useful as a throwaway
// peer when a test needs a Pair or a bare Create without driving real I/O.
// Production internal links use browseServiceClient instead (browse.go).
type internalServiceClient struct{}

func (internalServiceClient) OnOpened(*palsocket.Socket, error)                             {}
func (internalServiceClient) OnBeginSend() ([]byte, *msg.SocketAddress)                      { return nil, nil }
func (internalServiceClient) OnEndSend(palsocket.IOResult, error)                            {}
func (internalServiceClient) OnBeginRecv() []byte                                            { return nil }
func (internalServiceClient) OnEndRecv(int, *msg.SocketAddress, palsocket.IOResult, error)    {}
func (internalServiceClient) OnBeginAccept() palsocket.Client                                { return nil }
func (internalServiceClient) OnEndAccept(*palsocket.Socket, error)                            {}
func (internalServiceClient) OnClosed(error)                                                  {}

func resolveAddress(ctx context.Context, addr msg.SocketAddress) (msg.SocketAddress, error) {
	if addr.Family != msg.AFProxy {
		return addr, nil
	}
	ips, err := resolverLookup(ctx, addr.Host)
	if err != nil || len(ips) == 0 {
		return msg.SocketAddress{}, fmt.Errorf("engine: resolve %s: %w", addr.Host, err)
	}
	return msg.SocketAddress{Family: msg.AFInet, IP: ips[0], Port: addr.Port}, nil
}

// Shutdown begins orderly engine teardown: the worker is told to drain the
// table before releasing the shared scheduler (spec §4.5.4: "When the
// engine is marked exit and its table becomes empty, the engine frees
// itself from the worker").
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.exiting = true
	empty := len(e.table) == 0
	e.mu.Unlock()
	if empty {
		e.scheduler.Release(nil)
	}
}

// Stats returns the live socket count per lifecycle state, the restored
// process-stats dump of spec's supplemented features (original engine's
// periodic scheduler-queue log, reachable here by signal instead of timer;
// see main.go's SIGUSR2 handler).
func (e *Engine) Stats() map[State]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[State]int, 5)
	for _, sock := range e.table {
		counts[sock.State()]++
	}
	return counts
}

func now() time.Time { return time.Now() }
