package engine

import (
	"testing"
	"time"

	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOnStreamReturnsErrNoStreamWhenUnset(t *testing.T) {
	e := newTestEngine(t, nil)
	sock := newBareSocket(t, e, StateOpened)
	err := e.sendOnStream(sock, &msg.Envelope{Type: msg.TypePingReq})
	assert.ErrorIs(t, err, errNoStream)
}

func TestDeliverDataSendsQueuedMessageDirectlyWhenUnpolled(t *testing.T) {
	e := newTestEngine(t, nil)
	conn, events := newEchoConn(t, e)
	sock := newBareSocket(t, e, StateOpened)
	sock.stream = conn

	dataEnv := &msg.Envelope{Type: msg.TypeData, SourceRef: sock.ID, Payload: &msg.DataPayload{Buffer: []byte("hi")}}
	sock.recvQ = []queuedMessage{{env: dataEnv}}

	e.deliverData(sock, false)

	assert.Empty(t, sock.recvQ)
	select {
	case ev := <-events:
		require.Equal(t, transport.EventReceived, ev.Kind)
		assert.Equal(t, msg.TypeData, ev.Message.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("unpolled data was never delivered")
	}
}

func TestDeliverDataWaitsForReadQueueWhenPolled(t *testing.T) {
	e := newTestEngine(t, nil)
	conn, events := newEchoConn(t, e)
	sock := newBareSocket(t, e, StateOpened)
	sock.stream = conn
	sock.polled = true

	dataEnv := &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{Buffer: []byte("hi")}}
	sock.recvQ = []queuedMessage{{env: dataEnv}}

	e.deliverData(sock, true)

	assert.Len(t, sock.recvQ, 1, "data must stay queued until a poll request arrives")
	select {
	case ev := <-events:
		t.Fatalf("unexpected delivery with no pending poll: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	sock.readQ = []queuedMessage{{env: &msg.Envelope{CorrelationID: 7, SourceRef: mustRef(t), TargetRef: mustRef(t)}}}
	e.deliverData(sock, true)

	assert.Empty(t, sock.recvQ)
	assert.Empty(t, sock.readQ)
	select {
	case ev := <-events:
		require.Equal(t, transport.EventReceived, ev.Kind)
		assert.Equal(t, msg.TypeData, ev.Message.Type)
		assert.Equal(t, uint64(7), ev.Message.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("polled data was never delivered once a poll request arrived")
	}
}

func TestDeliverResponsesPiggybacksPendingDataOntoPollResponse(t *testing.T) {
	e := newTestEngine(t, nil)
	conn, events := newEchoConn(t, e)
	sock := newBareSocket(t, e, StateOpened)
	sock.stream = conn
	sock.polled = true

	pollResp := errorResponse(&msg.Envelope{CorrelationID: 99}, msg.TypePollResp, msg.ErrOk)
	sock.writeQ = []queuedMessage{{env: pollResp}}
	sock.recvQ = []queuedMessage{{env: &msg.Envelope{Type: msg.TypeData, Payload: &msg.DataPayload{Buffer: []byte("payload")}}}}

	e.deliverResponses(sock, true)

	assert.Empty(t, sock.writeQ)
	assert.Empty(t, sock.recvQ)
	select {
	case ev := <-events:
		require.Equal(t, transport.EventReceived, ev.Kind)
		assert.Equal(t, msg.TypeData, ev.Message.Type)
		assert.Equal(t, uint64(99), ev.Message.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("piggybacked data was never delivered")
	}
}

func TestDeliverResponsesSendsPlainResponseWhenNothingToPiggyback(t *testing.T) {
	e := newTestEngine(t, nil)
	conn, events := newEchoConn(t, e)
	sock := newBareSocket(t, e, StateOpened)
	sock.stream = conn
	sock.polled = true
	sock.writeQ = []queuedMessage{{env: errorResponse(&msg.Envelope{CorrelationID: 5}, msg.TypePollResp, msg.ErrOk)}}

	e.deliverResponses(sock, true)

	assert.Empty(t, sock.writeQ)
	select {
	case ev := <-events:
		require.Equal(t, transport.EventReceived, ev.Kind)
		assert.Equal(t, msg.TypePollResp, ev.Message.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("plain poll response was never delivered")
	}
}
