package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/msg"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectionRoundTripsEnvelope(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	events := make(chan Event, 8)
	conn, err := Create(context.Background(), logging.New("test", logging.LevelError),
		Entry{URL: wsURL(srv.URL)}, msg.CodecJSON, func(e Event) { events <- e })
	require.NoError(t, err)
	defer conn.Close()

	env := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypePingReq, Payload: &msg.PingReq{}}
	require.NoError(t, conn.Send(env))

	select {
	case e := <-events:
		require.Equal(t, EventReceived, e.Kind)
		assert.Equal(t, msg.TypePingReq, e.Message.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("never received echoed envelope")
	}
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := Create(context.Background(), logging.New("test", logging.LevelError),
		Entry{URL: wsURL(srv.URL)}, msg.CodecJSON, func(Event) {})
	require.NoError(t, err)
	conn.Close()

	err = conn.Send(&msg.Envelope{Type: msg.TypePingReq})
	assert.Error(t, err)
}

func TestCreateRejectsInvalidURL(t *testing.T) {
	_, err := Create(context.Background(), logging.New("test", logging.LevelError),
		Entry{URL: "://not-a-url"}, msg.CodecJSON, func(Event) {})
	assert.Error(t, err)
}
