package engine

import (
	"context"
	"net"
	"time"

	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/transport"
)

// controlHandler dispatches one per-socket control message (spec §4.5.5).
// It always runs logically "on the socket's scheduler"; callers that need
// strict serialization should route through sock.childSched.Queue rather
// than calling this directly from multiple goroutines.
func (e *Engine) controlHandler(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	switch req.Type {
	case msg.TypeOpenReq:
		return e.handleOpen(sock, req)
	case msg.TypeData:
		return e.handleData(sock, req)
	case msg.TypePollReq:
		return e.handlePoll(sock, req)
	case msg.TypeCloseReq:
		return e.handleClose(sock, req)
	case msg.TypeSetoptReq:
		return e.handleSetopt(sock, req)
	case msg.TypeGetoptReq:
		return e.handleGetopt(sock, req)
	default:
		return errorResponse(req, responseType(req.Type), msg.ErrNotSupported)
	}
}

// handleOpen implements spec §4.5.5 "open".
func (e *Engine) handleOpen(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	if sock.State() != StateCreated {
		return errorResponse(req, msg.TypeOpenResp, msg.ErrBadState)
	}
	open, ok := req.Payload.(*msg.OpenReq)
	if !ok {
		return errorResponse(req, msg.TypeOpenResp, msg.ErrArg)
	}

	sock.StreamRef = open.StreamID
	sock.mu.Lock()
	sock.polled = open.Polled
	sock.bufferSize = int(open.MaxRecv)
	if sock.bufferSize == 0 {
		sock.bufferSize = 64 * 1024 // default to SO_RCVBUF-equivalent / 64 KiB
	}
	sock.poolSize = RecvPoolMax / sock.bufferSize
	if sock.poolSize < RecvPoolMin {
		sock.poolSize = RecvPoolMin
	}
	sock.mu.Unlock()

	sock.pool = newMessagePool(sock, sock.bufferSize)

	if open.ConnectionString != "" {
		if open.Type != 0 {
			return errorResponse(req, msg.TypeOpenResp, msg.ErrNotSupported)
		}
		codecID := open.Encoding
		if codecID != msg.CodecAuto && codecID != msg.CodecJSON && codecID != msg.CodecMsgpack {
			return errorResponse(req, msg.TypeOpenResp, msg.ErrArg)
		}
		conn, err := e.dialStream(open.ConnectionString, codecID, sock)
		if err != nil {
			return errorResponse(req, msg.TypeOpenResp, msg.ErrConnecting)
		}
		sock.stream = conn
	} else {
		if !open.Polled {
			return errorResponse(req, msg.TypeOpenResp, msg.ErrArg)
		}
		sock.stream = e.listener
		sock.mu.Lock()
		sock.serverStream = true
		sock.mu.Unlock()
	}

	if sock.plat != nil {
		sock.plat.CanRecv(true)
	}

	sock.setState(StateOpened)
	sock.mu.Lock()
	sock.timeOpened = now()
	sock.mu.Unlock()
	sock.touch(now())

	resp := errorResponse(req, msg.TypeOpenResp, msg.ErrOk)
	return resp
}

// dialStream creates a private stream connection for a non-polled (or
// explicitly-addressed) open, using the default WebSocket transport (spec
// §4.5.5 step 4: "type==0 -> create a new stream connection using the
// default transport and codec").
func (e *Engine) dialStream(connectionString string, codecID msg.CodecID, sock *ServerSocket) (*transport.Connection, error) {
	return transport.Create(context.Background(), e.logger.Fork("stream"), transport.Entry{URL: connectionString}, codecID,
		func(ev transport.Event) { e.onStreamEvent(sock, ev) })
}

func (e *Engine) onStreamEvent(sock *ServerSocket, ev transport.Event) {
	switch ev.Kind {
	case transport.EventReceived:
		if resp := e.controlHandler(sock, ev.Message); resp != nil {
			if err := e.sendOnStream(sock, resp); err != nil {
				e.logger.DLogf("engine: stream response undelivered for %s: %s", sock.ID, err)
			}
		}
	case transport.EventReconnecting:
		// Every reconnecting event drains the socket through collect,
		// whatever the transport error was; no event returns it to created.
		sock.setState(StateCollect)
		e.pokeWorker()
	case transport.EventClosed:
		sock.setState(StateCollect)
		e.pokeWorker()
	}
}

// handleData implements spec §4.5.5 "data".
func (e *Engine) handleData(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	if sock.State() != StateOpened {
		sock.mu.Lock()
		polled := sock.polled
		sock.mu.Unlock()
		if polled {
			return errorResponse(req, msg.TypeData, msg.ErrClosed)
		}
		return nil // swallow
	}
	sock.sendLock.Lock()
	sock.sendQ = append(sock.sendQ, queuedMessage{env: req})
	sock.sendLock.Unlock()
	if sock.plat != nil {
		sock.plat.CanSend(true)
	}
	sock.touch(now())
	return nil
}

// handlePoll implements spec §4.5.5 "poll".
func (e *Engine) handlePoll(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	sock.mu.Lock()
	polled := sock.polled
	sock.mu.Unlock()

	if sock.State() != StateOpened && polled {
		return errorResponse(req, msg.TypePollResp, msg.ErrClosed)
	}
	poll, ok := req.Payload.(*msg.PollReq)
	if !ok {
		return errorResponse(req, msg.TypePollResp, msg.ErrArg)
	}

	sock.setTimeout(3 * time.Duration(poll.TimeoutMsec) * time.Millisecond)
	sock.touch(now())

	if !polled {
		return nil // keepalive only
	}

	// Park the poll and arm its timeout before releasing recvLock, so the
	// timeout task (which itself takes recvLock to fire) can never run
	// against a readQ that doesn't yet know its own task id (spec §4.5.5
	// step 3 / §5: "resolved exactly poll.timeout ms after it arrives").
	sock.recvLock.Lock()
	sock.readQ = append(sock.readQ, queuedMessage{env: req})
	idx := len(sock.readQ) - 1
	timeoutID, _ := sock.childSched.Queue(func(interface{}) {
		e.expirePoll(sock, req)
	}, nil, time.Duration(poll.TimeoutMsec)*time.Millisecond)
	sock.readQ[idx].pollTimeout = timeoutID
	sock.recvLock.Unlock()

	e.runDelivery(sock)

	sock.recvLock.Lock()
	remaining := len(sock.readQ)
	sock.recvLock.Unlock()
	if remaining > 0 && sock.plat != nil {
		sock.plat.CanRecv(true)
	}
	return nil
}

// expirePoll answers a parked poll with an empty poll_response once its
// timeout elapses with no data having arrived to piggyback on (spec
// §4.5.5 step 3): "a poll with no data pending is resolved exactly
// poll.timeout ms after it arrives". If the poll was already resolved by
// deliverData or drained by beginClosing, req no longer appears in readQ
// and this is a no-op.
func (e *Engine) expirePoll(sock *ServerSocket, req *msg.Envelope) {
	sock.recvLock.Lock()
	idx := -1
	for i, qm := range sock.readQ {
		if qm.env == req {
			idx = i
			break
		}
	}
	if idx < 0 {
		sock.recvLock.Unlock()
		return
	}
	sock.readQ = append(sock.readQ[:idx], sock.readQ[idx+1:]...)
	sock.recvLock.Unlock()

	resp := errorResponse(req, msg.TypePollResp, msg.ErrOk)
	if poll, ok := req.Payload.(*msg.PollReq); ok {
		resp.Payload = &msg.PollResp{SequenceNumber: poll.SequenceNumber}
	}
	if err := e.sendOnStream(sock, resp); err != nil {
		e.logger.DLogf("engine: poll timeout response undelivered for %s: %s", sock.ID, err)
	}
}

// handleClose implements spec §4.5.5 "close".
func (e *Engine) handleClose(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	sock.mu.Lock()
	opened := sock.timeOpened
	bytesSent := sock.bytesSent
	bytesRecvd := sock.bytesRecvd
	st := sock.state
	sock.mu.Unlock()

	resp := errorResponse(req, msg.TypeCloseResp, msg.ErrOk)
	var elapsed uint64
	if !opened.IsZero() {
		elapsed = uint64(time.Since(opened).Milliseconds())
	}
	resp.Payload = &msg.CloseResp{TimeOpenMsec: elapsed, BytesSent: bytesSent, BytesReceived: bytesRecvd}

	if st == StateCreated || st == StateOpened {
		sock.setState(StateCollect)
		e.pokeWorker()
		return resp
	}
	resp.ErrorCode = msg.ErrClosed
	return resp
}

// handleSetopt implements spec §4.5.5 "setopt".
func (e *Engine) handleSetopt(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	opt, ok := req.Payload.(*msg.SetoptReq)
	if !ok {
		return errorResponse(req, msg.TypeSetoptResp, msg.ErrArg)
	}
	switch opt.Kind {
	case msg.OptIPMulticastJoin, msg.OptIPMulticastLeave:
		if sock.plat == nil {
			return errorResponse(req, msg.TypeSetoptResp, msg.ErrBadState)
		}
		group := parseIP(opt.Property)
		var err error
		if opt.Kind == msg.OptIPMulticastJoin {
			err = sock.plat.JoinMulticastGroup(group)
		} else {
			err = sock.plat.LeaveMulticastGroup(group)
		}
		if err != nil {
			return errorResponse(req, msg.TypeSetoptResp, msg.ErrFault)
		}
	case msg.OptPropsTimeout:
		sock.setTimeout(time.Duration(beToUint32(opt.Property)) * time.Millisecond)
	case msg.OptSocketOption:
		if sock.plat == nil {
			return errorResponse(req, msg.TypeSetoptResp, msg.ErrBadState)
		}
		if err := sock.plat.SetSockOpt(opt.SockOpt, opt.Property); err != nil {
			return errorResponse(req, msg.TypeSetoptResp, msg.ErrFault)
		}
	default:
		return errorResponse(req, msg.TypeSetoptResp, msg.ErrNotSupported)
	}
	return errorResponse(req, msg.TypeSetoptResp, msg.ErrOk)
}

// handleGetopt implements spec §4.5.5 "getopt".
func (e *Engine) handleGetopt(sock *ServerSocket, req *msg.Envelope) *msg.Envelope {
	opt, ok := req.Payload.(*msg.GetoptReq)
	if !ok {
		return errorResponse(req, msg.TypeGetoptResp, msg.ErrArg)
	}
	resp := errorResponse(req, msg.TypeGetoptResp, msg.ErrOk)
	switch opt.Kind {
	case msg.OptPropsTimeout:
		resp.Payload = &msg.GetoptResp{Property: uint32ToBytes(uint32(sock.effectiveTimeout() / time.Millisecond))}
	case msg.OptIPMulticastJoin, msg.OptIPMulticastLeave:
		return errorResponse(req, msg.TypeGetoptResp, msg.ErrNotSupported)
	case msg.OptSocketOption:
		if sock.plat == nil {
			return errorResponse(req, msg.TypeGetoptResp, msg.ErrBadState)
		}
		v, err := sock.plat.GetSockOpt(opt.SockOpt)
		if err != nil {
			return errorResponse(req, msg.TypeGetoptResp, msg.ErrNotFound)
		}
		resp.Payload = &msg.GetoptResp{Property: v}
	default:
		return errorResponse(req, msg.TypeGetoptResp, msg.ErrNotSupported)
	}
	return resp
}

func parseIP(b []byte) net.IP {
	return net.IP(b)
}

func beToUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
