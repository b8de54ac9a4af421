package engine

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/palsocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowseServiceClientOnBeginSendReadsFromConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cb := &browseServiceClient{conn: a}

	go func() { b.Write([]byte("hello")) }()

	buf, addr := cb.OnBeginSend()
	assert.Nil(t, addr)
	assert.Equal(t, []byte("hello"), buf)
}

func TestBrowseServiceClientOnBeginSendReturnsNilAfterConnCloses(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	b.Close()
	cb := &browseServiceClient{conn: a}

	buf, addr := cb.OnBeginSend()
	assert.Nil(t, buf)
	assert.Nil(t, addr)
}

func TestBrowseServiceClientOnEndRecvWritesToConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cb := &browseServiceClient{conn: a}

	buf := cb.OnBeginRecv()
	require.Len(t, buf, 4096)
	copy(buf, []byte("world"))

	got := make(chan []byte, 1)
	go func() {
		out := make([]byte, 16)
		n, _ := b.Read(out)
		got <- out[:n]
	}()

	cb.OnEndRecv(5, nil, palsocket.ResultOK, nil)

	select {
	case written := <-got:
		assert.Equal(t, []byte("world"), written)
	case <-time.After(2 * time.Second):
		t.Fatal("OnEndRecv never wrote to conn")
	}
}

func TestBrowseServiceClientOnEndRecvIgnoresNonOkResult(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cb := &browseServiceClient{conn: a}
	cb.pendingRecv = cb.OnBeginRecv()

	done := make(chan struct{})
	go func() {
		cb.OnEndRecv(0, nil, palsocket.ResultAborted, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEndRecv blocked unexpectedly on an aborted result")
	}
}

func TestNewBrowseServiceClientServesScanRequestsRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cb, err := newBrowseServiceClient(ctx, logging.New("test", logging.LevelError), nil)
	require.NoError(t, err)
	defer cb.conn.Close()

	req := []byte(`{"kind":"scan","hosts":["127.0.0.1"],"ports":[` + strconv.Itoa(port) + `]}` + "\n")
	buf := cb.OnBeginRecv()
	n := copy(buf, req)
	cb.OnEndRecv(n, nil, palsocket.ResultOK, nil)

	respCh := make(chan []byte, 1)
	go func() {
		out, _ := cb.OnBeginSend()
		respCh <- out
	}()

	select {
	case out := <-respCh:
		assert.Contains(t, string(out), `"Address"`)
	case <-time.After(3 * time.Second):
		t.Fatal("browse scan round trip never produced a response")
	}
}
