package engine

import (
	"time"

	"github.com/sammck-go/prxtunnel/internal/msg"
)

// workerTask is queued on the engine's own scheduler every workerTick and
// re-armed at the end of every pass (spec §4.5.4: "Reschedules itself
// every 10s"). It is also the task identity poked by pokeWorker, so Clear
// matches it by function pointer regardless of which call site queued it.
func (e *Engine) workerTask(interface{}) { e.runWorker() }

// scheduleWorker cancels any pending worker pass and arms a fresh one after
// delay. Using Clear first keeps exactly one worker task pending at a time
// even when pokeWorker and the periodic tick race.
func (e *Engine) scheduleWorker(delay time.Duration) {
	e.scheduler.Clear(e.workerTask, nil)
	e.scheduler.Queue(e.workerTask, nil, delay)
}

// pokeWorker requests an out-of-band worker pass as soon as the scheduler
// gets to it, matching the many "... and pokes the worker" actions in spec
// §4.5.4/§4.5.5/§4.5.7 that want collection to proceed without waiting out
// the full 10s tick.
func (e *Engine) pokeWorker() { e.scheduleWorker(0) }

// runWorker implements the GC/lifecycle transition table of spec §4.5.4.
// It runs on the engine's own scheduler, never touching socket state
// directly without going through each socket's own locks.
func (e *Engine) runWorker() {
	e.mu.Lock()
	exiting := e.exiting
	socks := make([]*ServerSocket, 0, len(e.table))
	for _, s := range e.table {
		socks = append(socks, s)
	}
	e.mu.Unlock()

	n := now()
	for _, sock := range socks {
		e.tickSocket(sock, n, exiting)
	}

	e.mu.Lock()
	empty := len(e.table) == 0
	stillExiting := e.exiting
	e.mu.Unlock()
	if empty && stillExiting {
		e.scheduler.Release(nil)
		return
	}
	e.scheduleWorker(workerTick)
}

// tickSocket applies one row of the spec §4.5.4 transition table to sock.
func (e *Engine) tickSocket(sock *ServerSocket, n time.Time, exiting bool) {
	sock.mu.Lock()
	state := sock.state
	lastActive := sock.lastActive
	timeout := sock.timeout
	sock.mu.Unlock()

	timedOut := timeout != 0 && n.Sub(lastActive) >= timeout

	switch state {
	case StateOpened:
		if timedOut || exiting {
			e.beginCollect(sock)
		}
	case StateCreated:
		if timedOut {
			e.beginCollect(sock)
		}
	case StateCollect:
		e.tickCollect(sock, timedOut)
	case StateClosing:
		if timedOut {
			e.logger.WLogf("engine: force-closing socket %s: closing timeout elapsed", sock.ID)
			sock.setState(StateClosed)
			e.finalizeClosed(sock)
		}
	case StateClosed:
		e.finalizeClosed(sock)
	}
}

// beginCollect drives opened/created -> collect: platform-side send_queue
// is emptied and a synthesized local close message is parked on recv_queue
// so it reaches the stream like any other delivery (spec §4.5.4 row 1/3).
func (e *Engine) beginCollect(sock *ServerSocket) {
	if sock.State() == StateCollect {
		return
	}

	sock.sendLock.Lock()
	sock.sendQ = nil
	sock.sendLock.Unlock()

	closeNotice := &msg.Envelope{
		Version:   msg.CurrentVersion,
		Type:      msg.TypeCloseReq,
		SourceRef: sock.ID,
		TargetRef: sock.OwnerRef,
		ProxyRef:  sock.StreamRef,
	}
	sock.recvLock.Lock()
	sock.recvQ = append(sock.recvQ, queuedMessage{env: closeNotice})
	sock.recvLock.Unlock()

	sock.setState(StateCollect)
	e.runDelivery(sock)
}

// tickCollect implements the "collect" rows: extend the linger timeout
// while queues drain, or move on to closing once they are empty or the
// linger itself has timed out.
func (e *Engine) tickCollect(sock *ServerSocket, timedOut bool) {
	if sock.plat == nil {
		sock.setState(StateClosed)
		e.finalizeClosed(sock)
		return
	}

	sock.sendLock.Lock()
	sendEmpty := len(sock.sendQ) == 0
	sock.sendLock.Unlock()
	sock.recvLock.Lock()
	recvEmpty := len(sock.recvQ) == 0
	sock.recvLock.Unlock()

	if !sendEmpty || !recvEmpty {
		if !timedOut {
			sock.setTimeout(LingerTimeout)
			return
		}
	}
	e.beginClosing(sock)
}

// beginClosing answers every pending poll request with closed, arms the
// closing timeout, and issues the platform close (spec §4.5.4 "collect ->
// closing").
func (e *Engine) beginClosing(sock *ServerSocket) {
	sock.recvLock.Lock()
	pending := sock.readQ
	sock.readQ = nil
	sock.recvLock.Unlock()

	for _, qm := range pending {
		sock.childSched.Kill(qm.pollTimeout)
		resp := errorResponse(qm.env, msg.TypePollResp, msg.ErrClosed)
		if err := e.sendOnStream(sock, resp); err != nil {
			e.logger.DLogf("engine: closing poll response undelivered for %s: %s", sock.ID, err)
		}
	}

	sock.setTimeout(ClosingTimeout)
	sock.setState(StateClosing)

	if sock.plat == nil {
		sock.setState(StateClosed)
		return
	}
	sock.plat.Close()
}

// finalizeClosed implements the terminal "closed" row: drop every queue,
// close a private stream, and defer the table removal by freeDeferDelay to
// debounce hang-up races (spec §4.5.4 "deferred briefly to debounce
// hang-up races").
func (e *Engine) finalizeClosed(sock *ServerSocket) {
	sock.mu.Lock()
	if sock.freeScheduled {
		sock.mu.Unlock()
		return
	}
	sock.freeScheduled = true
	stream := sock.stream
	private := !sock.serverStream
	childSched := sock.childSched
	sock.mu.Unlock()

	sock.sendLock.Lock()
	sock.sendQ = nil
	sock.writeQ = nil
	sock.sendLock.Unlock()
	sock.recvLock.Lock()
	sock.recvQ = nil
	sock.readQ = nil
	sock.recvLock.Unlock()

	if stream != nil && private {
		stream.Close()
	}

	id := sock.ID
	e.scheduler.Queue(func(interface{}) {
		e.remove(id)
		if childSched != nil {
			childSched.Release(nil)
		}
	}, nil, freeDeferDelay)
}
