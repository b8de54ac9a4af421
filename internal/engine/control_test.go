package engine

import (
	"testing"
	"time"

	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareSocket(t *testing.T, e *Engine, state State) *ServerSocket {
	t.Helper()
	sock := &ServerSocket{
		ID:         mustRef(t),
		OwnerRef:   mustRef(t),
		state:      state,
		lastActive: now(),
		childSched: e.scheduler.NewChild(),
	}
	e.insert(sock)
	return sock
}

func TestHandleOpenRejectsWrongState(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	req := &msg.Envelope{Type: msg.TypeOpenReq, Payload: &msg.OpenReq{Polled: true}}
	resp := e.handleOpen(sock, req)
	assert.Equal(t, msg.ErrBadState, resp.ErrorCode)
}

func TestHandleOpenWithoutConnectionStringRequiresPolled(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateCreated)
	req := &msg.Envelope{Type: msg.TypeOpenReq, Payload: &msg.OpenReq{Polled: false}}
	resp := e.handleOpen(sock, req)
	assert.Equal(t, msg.ErrArg, resp.ErrorCode)
	assert.Equal(t, StateCreated, sock.State())
}

func TestHandleOpenOnControlListenerUsesSharedStream(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateCreated)
	req := &msg.Envelope{Type: msg.TypeOpenReq, Payload: &msg.OpenReq{Polled: true, MaxRecv: 4096}}
	resp := e.handleOpen(sock, req)
	require.Equal(t, msg.ErrOk, resp.ErrorCode)
	assert.Equal(t, StateOpened, sock.State())
	assert.True(t, sock.serverStream)
	assert.False(t, sock.timeOpened.IsZero())
}

func TestHandleDataEnqueuesOnSendQueueWhenOpened(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	req := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{Buffer: []byte("hi")}}
	resp := e.handleData(sock, req)
	assert.Nil(t, resp)
	require.Len(t, sock.sendQ, 1)
	assert.Same(t, req, sock.sendQ[0].env)
}

func TestHandleDataOnClosedPolledSocketReturnsError(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateClosed)
	sock.polled = true
	req := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{}}
	resp := e.handleData(sock, req)
	require.NotNil(t, resp)
	assert.Equal(t, msg.ErrClosed, resp.ErrorCode)
}

func TestHandleDataOnClosedUnpolledSocketIsSwallowed(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateClosed)
	req := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{}}
	resp := e.handleData(sock, req)
	assert.Nil(t, resp)
}

func TestHandleCloseMarksOpenedSocketCollectAndReturnsStats(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	sock.timeOpened = time.Now().Add(-time.Second)
	sock.bytesSent = 10
	sock.bytesRecvd = 20

	resp := e.handleClose(sock, &msg.Envelope{Type: msg.TypeCloseReq})
	require.Equal(t, msg.ErrOk, resp.ErrorCode)
	stats, ok := resp.Payload.(*msg.CloseResp)
	require.True(t, ok)
	assert.Equal(t, uint64(10), stats.BytesSent)
	assert.Equal(t, uint64(20), stats.BytesReceived)
	assert.GreaterOrEqual(t, stats.TimeOpenMsec, uint64(900))
	assert.Equal(t, StateCollect, sock.State())
}

func TestHandleCloseOnAlreadyClosedSocketReturnsClosed(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateClosed)
	resp := e.handleClose(sock, &msg.Envelope{Type: msg.TypeCloseReq})
	assert.Equal(t, msg.ErrClosed, resp.ErrorCode)
	assert.Equal(t, StateClosed, sock.State())
}

func TestHandleSetoptTimeoutUpdatesSocketTimeout(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	resp := e.handleSetopt(sock, &msg.Envelope{Type: msg.TypeSetoptReq,
		Payload: &msg.SetoptReq{Kind: msg.OptPropsTimeout, Property: uint32ToBytes(5000)}})
	require.Equal(t, msg.ErrOk, resp.ErrorCode)
	assert.Equal(t, 5000*time.Millisecond, sock.effectiveTimeout())
}

func TestHandleGetoptTimeoutRoundTrips(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	sock.setTimeout(7000 * time.Millisecond)
	resp := e.handleGetopt(sock, &msg.Envelope{Type: msg.TypeGetoptReq, Payload: &msg.GetoptReq{Kind: msg.OptPropsTimeout}})
	require.Equal(t, msg.ErrOk, resp.ErrorCode)
	got, ok := resp.Payload.(*msg.GetoptResp)
	require.True(t, ok)
	assert.Equal(t, uint32(7000), beToUint32(got.Property))
}
