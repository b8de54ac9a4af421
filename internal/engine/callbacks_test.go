package engine

import (
	"testing"
	"time"

	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/palsocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnBeginSendPopsFromSendQueueAndStashesPending(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	env := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{Buffer: []byte("abc")}}
	sock.sendQ = []queuedMessage{{env: env}}

	cb := &socketCallbacks{engine: e, sock: sock}
	buf, addr := cb.OnBeginSend()

	assert.Equal(t, []byte("abc"), buf)
	assert.Nil(t, addr)
	assert.Empty(t, sock.sendQ)
	assert.Same(t, env, cb.pendingSend)
}

func TestOnBeginSendOnEmptyQueueReturnsNil(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	cb := &socketCallbacks{engine: e, sock: sock}
	buf, addr := cb.OnBeginSend()
	assert.Nil(t, buf)
	assert.Nil(t, addr)
}

func TestOnEndSendOkInPolledModeQueuesPollResponse(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	sock.polled = true
	sock.poolSize = RecvPoolMin
	sock.pool = newMessagePool(sock, 64)
	buf := sock.pool.alloc(64)

	env := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{SequenceNumber: 11, Buffer: buf}}
	cb := &socketCallbacks{engine: e, sock: sock, pendingSend: env}

	cb.OnEndSend(palsocket.ResultOK, nil)

	require.Len(t, sock.writeQ, 1)
	resp := sock.writeQ[0].env
	assert.Equal(t, msg.TypePollResp, resp.Type)
	pr, ok := resp.Payload.(*msg.PollResp)
	require.True(t, ok)
	assert.Equal(t, uint64(11), pr.SequenceNumber)
	assert.Equal(t, uint64(len(buf)), sock.bytesSent)
	assert.Nil(t, cb.pendingSend)
}

func TestOnEndSendRetryUnshiftsOntoSendQueue(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	existing := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{}}
	sock.sendQ = []queuedMessage{{env: existing}}
	env := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{}}
	cb := &socketCallbacks{engine: e, sock: sock, pendingSend: env}

	cb.OnEndSend(palsocket.ResultRetry, nil)

	require.Len(t, sock.sendQ, 2)
	assert.Same(t, env, sock.sendQ[0].env)
	assert.Same(t, existing, sock.sendQ[1].env)
}

func TestOnEndSendClosedTransitionsToCollect(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	cb := &socketCallbacks{engine: e, sock: sock, pendingSend: &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{}}}

	cb.OnEndSend(palsocket.ResultClosed, nil)

	assert.Equal(t, StateCollect, sock.State())
}

func TestOnBeginRecvAllocatesFromPool(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	sock.bufferSize = 128
	sock.poolSize = RecvPoolMin
	sock.pool = newMessagePool(sock, sock.bufferSize)

	cb := &socketCallbacks{engine: e, sock: sock}
	buf := cb.OnBeginRecv()

	require.Len(t, buf, 128)
	assert.Equal(t, buf, cb.pendingRecv)
}

func TestOnEndRecvOkEnqueuesDataAndSchedulesDelivery(t *testing.T) {
	e := newTestEngine(t, nil)
	conn, events := newEchoConn(t, e)
	sock := newBareSocket(t, e, StateOpened)
	sock.stream = conn
	sock.bufferSize = 16
	sock.poolSize = RecvPoolMin
	sock.pool = newMessagePool(sock, sock.bufferSize)

	cb := &socketCallbacks{engine: e, sock: sock}
	buf := cb.OnBeginRecv()
	copy(buf, []byte("hello"))

	cb.OnEndRecv(5, nil, palsocket.ResultOK, nil)

	require.Len(t, sock.recvQ, 1)
	env := sock.recvQ[0].env
	dp, ok := env.Payload.(*msg.DataPayload)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), dp.Buffer)
	assert.Equal(t, uint64(5), sock.bytesRecvd)

	select {
	case ev := <-events:
		assert.Equal(t, msg.TypeData, ev.Message.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule(runDelivery) should have drained recvQ onto the stream shortly")
	}
}

func TestOnEndRecvClosedTransitionsToCollect(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	sock.bufferSize = 16
	sock.poolSize = RecvPoolMin
	sock.pool = newMessagePool(sock, sock.bufferSize)
	cb := &socketCallbacks{engine: e, sock: sock}
	cb.pendingRecv = sock.pool.alloc(16)

	cb.OnEndRecv(0, nil, palsocket.ResultClosed, nil)

	assert.Equal(t, StateCollect, sock.State())
}
