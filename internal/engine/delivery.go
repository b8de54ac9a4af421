package engine

import (
	"errors"

	"github.com/sammck-go/prxtunnel/internal/msg"
)

var errNoStream = errors.New("engine: socket has no stream to deliver on")

// runDelivery implements spec §4.5.6: it drains write_queue (phase 1,
// piggybacking a recv_queue data message onto a poll response when
// possible) and then recv_queue (phase 2, matched against read_queue in
// polled mode). It only runs while the socket is opened or draining.
//
// sendLock guards the "outgoing" pair {send_queue, write_queue} and
// recvLock guards the "incoming" pair {recv_queue, read_queue} (design
// note "the two locks guard disjoint queue pairs (send/write vs.
// recv/read)"), so phase 1 needs both locks and phase 2 needs only
// recvLock.
func (e *Engine) runDelivery(sock *ServerSocket) {
	st := sock.State()
	if st != StateOpened && st != StateCollect {
		return
	}

	sock.mu.Lock()
	polled := sock.polled
	sock.mu.Unlock()

	e.deliverResponses(sock, polled)
	e.deliverData(sock, polled)
}

// deliverResponses is delivery phase 1 (spec §4.5.6 "Phase 1").
func (e *Engine) deliverResponses(sock *ServerSocket, polled bool) {
	for {
		sock.sendLock.Lock()
		if len(sock.writeQ) == 0 {
			sock.sendLock.Unlock()
			return
		}
		resp := sock.writeQ[0]

		var toSend *msg.Envelope
		var piggybacked *msg.Envelope
		if polled {
			sock.recvLock.Lock()
			if len(sock.recvQ) > 0 {
				data := sock.recvQ[0].env
				piggy := *data
				piggy.CorrelationID = resp.env.CorrelationID
				piggy.SourceRef = resp.env.SourceRef
				piggy.TargetRef = resp.env.TargetRef
				piggy.ProxyRef = resp.env.ProxyRef
				toSend = &piggy
				piggybacked = data
			}
			sock.recvLock.Unlock()
		}
		if toSend == nil {
			toSend = resp.env
		}
		sock.sendLock.Unlock()

		if err := e.sendOnStream(sock, toSend); err != nil {
			// resp was only peeked, so it is still at the head of writeQ.
			return
		}

		sock.sendLock.Lock()
		sock.writeQ = sock.writeQ[1:]
		sock.sendLock.Unlock()
		if piggybacked != nil {
			sock.recvLock.Lock()
			if len(sock.recvQ) > 0 && sock.recvQ[0].env == piggybacked {
				sock.recvQ = sock.recvQ[1:]
			}
			sock.recvLock.Unlock()
			releaseDataBuffer(sock, piggybacked)
		}
	}
}

// deliverData is delivery phase 2 (spec §4.5.6 "Phase 2").
func (e *Engine) deliverData(sock *ServerSocket, polled bool) {
	for {
		sock.recvLock.Lock()
		if len(sock.recvQ) == 0 {
			sock.recvLock.Unlock()
			return
		}
		data := sock.recvQ[0].env

		var toSend *msg.Envelope
		var poll *msg.Envelope
		if polled {
			if len(sock.readQ) == 0 {
				sock.recvLock.Unlock()
				return
			}
			poll = sock.readQ[0].env
			resp := *data
			resp.CorrelationID = poll.CorrelationID
			resp.SourceRef = poll.TargetRef
			resp.TargetRef = poll.SourceRef
			resp.ProxyRef = poll.ProxyRef
			toSend = &resp
		} else {
			toSend = data
		}
		sock.recvLock.Unlock()

		if err := e.sendOnStream(sock, toSend); err != nil {
			// data was only peeked, so it is still at the head of recvQ.
			return
		}

		sock.recvLock.Lock()
		sock.recvQ = sock.recvQ[1:]
		if poll != nil && len(sock.readQ) > 0 && sock.readQ[0].env == poll {
			sock.childSched.Kill(sock.readQ[0].pollTimeout)
			sock.readQ = sock.readQ[1:]
		}
		sock.recvLock.Unlock()

		releaseDataBuffer(sock, data)
	}
}

// releaseDataBuffer returns a delivered data message's pool-backed payload
// buffer once the stream Send has copied it onto the wire (spec §4.2:
// buffers are pool-backed and shared, not copied, while queued).
func releaseDataBuffer(sock *ServerSocket, env *msg.Envelope) {
	if env.Type != msg.TypeData || sock.pool == nil {
		return
	}
	if dp, ok := env.Payload.(*msg.DataPayload); ok && dp != nil {
		sock.pool.release(dp.Buffer)
	}
}

func (e *Engine) sendOnStream(sock *ServerSocket, env *msg.Envelope) error {
	sock.mu.Lock()
	stream := sock.stream
	sock.mu.Unlock()
	if stream == nil {
		return errNoStream
	}
	return stream.Send(env)
}
