package engine

import (
	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/palsocket"
	"github.com/sammck-go/prxtunnel/internal/ref"
)

// socketCallbacks adapts one ServerSocket to the palsocket.Client contract
// (spec §4.3 event table / §4.5.7 "Platform socket callbacks -> socket
// state"). One instance is created per platform socket: the socket's own
// ServerSocket for an outbound link, and a fresh one per accepted child on
// a passive listener.
//
// pendingSend/pendingRecv/pendingAccept stash the value handed out by the
// most recent OnBeginSend/OnBeginRecv/OnBeginAccept: the palsocket adapter
// runs its send/recv/accept loops strictly sequentially per socket (begin
// then end, never overlapped), so these fields need no lock of their own.
type socketCallbacks struct {
	engine *Engine
	sock   *ServerSocket

	pendingSend   *msg.Envelope
	pendingRecv   []byte
	pendingAccept *ServerSocket
}

// OnOpened implements the "opened" row: latch last_error and schedule
// open_complete on the socket's own scheduler.
func (c *socketCallbacks) OnOpened(s *palsocket.Socket, err error) {
	sock := c.sock
	sock.mu.Lock()
	sock.lastError = err
	sock.mu.Unlock()
	sock.schedule(func() { c.engine.openComplete(sock, s, err) })
}

// openComplete sends the parked link response once the platform open
// completes (success or failure), or on failure rewinds the socket to
// created and pokes the worker (spec §4.5.7 "open_complete").
func (e *Engine) openComplete(sock *ServerSocket, s *palsocket.Socket, err error) {
	sock.mu.Lock()
	linkMsg := sock.linkMessage
	sock.linkMessage = nil
	sock.mu.Unlock()

	if err != nil {
		sock.setState(StateCreated)
		if linkMsg != nil {
			resp := *linkMsg
			resp.ErrorCode = msg.ErrNetwork
			e.sendToListener(&resp)
		}
		e.pokeWorker()
		return
	}

	var local, peer msg.SocketAddress
	if a, gerr := s.GetSockName(); gerr == nil {
		local = a
	}
	if a, gerr := s.GetPeerName(); gerr == nil {
		peer = a
	}

	if linkMsg != nil {
		resp := *linkMsg
		if lr, ok := resp.Payload.(*msg.LinkResp); ok {
			cp := *lr
			cp.LocalAddress = local
			cp.PeerAddress = peer
			resp.Payload = &cp
		}
		e.sendToListener(&resp)
	}
}

func (e *Engine) sendToListener(env *msg.Envelope) {
	if e.listener == nil {
		return
	}
	if err := e.listener.Send(env); err != nil {
		e.logger.DLogf("engine: link response undelivered: %s", err)
	}
}

// OnBeginSend pops one message from send_queue and hands its buffer to the
// adapter (spec "begin_send").
func (c *socketCallbacks) OnBeginSend() ([]byte, *msg.SocketAddress) {
	sock := c.sock
	sock.sendLock.Lock()
	if len(sock.sendQ) == 0 {
		sock.sendLock.Unlock()
		return nil, nil
	}
	qm := sock.sendQ[0]
	sock.sendQ = sock.sendQ[1:]
	sock.sendLock.Unlock()

	c.pendingSend = qm.env
	dp, ok := qm.env.Payload.(*msg.DataPayload)
	if !ok || dp == nil {
		return nil, nil
	}
	return dp.Buffer, dp.SourceAddress
}

// OnEndSend implements spec "end_send": retry unshifts, ok releases (and,
// in polled mode, converts to a poll_response carrying the original
// sequence number onto write_queue), closed/reset collects the socket.
func (c *socketCallbacks) OnEndSend(result palsocket.IOResult, err error) {
	sock := c.sock
	e := c.engine
	env := c.pendingSend
	c.pendingSend = nil
	if env == nil {
		return
	}
	dp, _ := env.Payload.(*msg.DataPayload)

	switch result {
	case palsocket.ResultRetry:
		sock.sendLock.Lock()
		sock.sendQ = append([]queuedMessage{{env: env}}, sock.sendQ...)
		sock.sendLock.Unlock()
		return
	case palsocket.ResultClosed, palsocket.ResultReset:
		sock.setState(StateCollect)
		e.pokeWorker()
		return
	case palsocket.ResultAborted:
		if sock.pool != nil && dp != nil {
			sock.pool.release(dp.Buffer)
		}
		return
	}

	// ResultOK
	sock.mu.Lock()
	if dp != nil {
		sock.bytesSent += uint64(len(dp.Buffer))
	}
	polled := sock.polled
	sock.mu.Unlock()

	if polled {
		resp := errorResponse(env, msg.TypePollResp, msg.ErrOk)
		var seq uint64
		if dp != nil {
			seq = dp.SequenceNumber
		}
		resp.Payload = &msg.PollResp{SequenceNumber: seq}
		sock.sendLock.Lock()
		sock.writeQ = append(sock.writeQ, queuedMessage{env: resp})
		sock.sendLock.Unlock()
		sock.schedule(func() { e.runDelivery(sock) })
	}
	if sock.pool != nil && dp != nil {
		sock.pool.release(dp.Buffer)
	}
}

// OnBeginRecv allocates a fresh data message buffer from the socket's
// message pool (spec "begin_recv"); nil on pool exhaustion parks the loop.
func (c *socketCallbacks) OnBeginRecv() []byte {
	sock := c.sock
	sock.mu.Lock()
	pool := sock.pool
	bufSize := sock.bufferSize
	sock.mu.Unlock()
	if pool == nil || bufSize == 0 {
		return nil
	}
	buf := pool.alloc(bufSize)
	c.pendingRecv = buf
	return buf
}

// OnEndRecv implements spec "end_recv": aborted/retry release the message,
// closed/reset collect the socket, ok enqueues the filled message onto
// recv_queue and schedules delivery.
func (c *socketCallbacks) OnEndRecv(n int, src *msg.SocketAddress, result palsocket.IOResult, err error) {
	sock := c.sock
	e := c.engine
	buf := c.pendingRecv
	c.pendingRecv = nil

	switch result {
	case palsocket.ResultAborted, palsocket.ResultRetry:
		if sock.pool != nil && buf != nil {
			sock.pool.release(buf)
		}
		return
	case palsocket.ResultClosed, palsocket.ResultReset:
		if sock.pool != nil && buf != nil {
			sock.pool.release(buf)
		}
		sock.setState(StateCollect)
		e.pokeWorker()
		return
	}

	// ResultOK
	if buf == nil {
		return
	}
	data := buf[:n]
	env := &msg.Envelope{
		Version:   msg.CurrentVersion,
		Type:      msg.TypeData,
		SourceRef: sock.ID,
		TargetRef: sock.OwnerRef,
		ProxyRef:  sock.StreamRef,
		Payload:   &msg.DataPayload{SourceAddress: src, Buffer: data},
	}

	sock.mu.Lock()
	sock.bytesRecvd += uint64(n)
	sock.mu.Unlock()
	sock.touch(now())

	sock.recvLock.Lock()
	sock.recvQ = append(sock.recvQ, queuedMessage{env: env})
	sock.recvLock.Unlock()

	sock.schedule(func() { e.runDelivery(sock) })
}

// OnBeginAccept allocates a new server socket and link-request notification
// for the next inbound connection on a passive listener (spec
// "begin_accept").
func (c *socketCallbacks) OnBeginAccept() palsocket.Client {
	e := c.engine
	parent := c.sock

	id, err := ref.New()
	if err != nil {
		return nil
	}
	child := &ServerSocket{
		ID:         id,
		OwnerRef:   parent.OwnerRef,
		state:      StateCreated,
		lastActive: now(),
		timeout:    parent.effectiveTimeout(),
		childSched: e.scheduler.NewChild(),
	}
	e.insert(child)

	child.linkMessage = &msg.Envelope{
		Version:   msg.CurrentVersion,
		Type:      msg.TypeLinkReq,
		SourceRef: e.selfRef,
		TargetRef: parent.OwnerRef,
		ProxyRef:  parent.ID,
		Payload:   &msg.LinkResp{Version: msg.CurrentVersion, LinkID: id},
	}

	c.pendingAccept = child
	return &socketCallbacks{engine: e, sock: child}
}

// OnEndAccept implements spec "end_accept": on success the parked link
// message is filled in with the accepted socket's addresses and enqueued
// on the parent's recv_queue so it reaches the client that opened the
// listener (scenario 5: "three link_request messages on the owner's
// stream"); on failure the accepted object is freed and dropped.
func (c *socketCallbacks) OnEndAccept(s *palsocket.Socket, err error) {
	e := c.engine
	parent := c.sock
	child := c.pendingAccept
	c.pendingAccept = nil
	if child == nil {
		return
	}
	if err != nil {
		e.remove(child.ID)
		return
	}

	child.plat = s
	child.setState(StateOpened)
	child.mu.Lock()
	child.timeOpened = now()
	linkMsg := child.linkMessage
	child.linkMessage = nil
	child.mu.Unlock()
	if linkMsg == nil {
		return
	}

	var local, peer msg.SocketAddress
	if a, gerr := s.GetSockName(); gerr == nil {
		local = a
	}
	if a, gerr := s.GetPeerName(); gerr == nil {
		peer = a
	}
	if lr, ok := linkMsg.Payload.(*msg.LinkResp); ok {
		lr.LocalAddress = local
		lr.PeerAddress = peer
	}

	parent.recvLock.Lock()
	parent.recvQ = append(parent.recvQ, queuedMessage{env: linkMsg})
	parent.recvLock.Unlock()
	parent.schedule(func() { e.runDelivery(parent) })
}

// OnClosed implements spec "closed": schedule close_complete, which
// finishes the state transition and pokes the worker.
func (c *socketCallbacks) OnClosed(err error) {
	sock := c.sock
	e := c.engine
	sock.mu.Lock()
	sock.lastError = err
	sock.mu.Unlock()
	sock.schedule(func() {
		sock.setState(StateClosed)
		e.pokeWorker()
	})
}
