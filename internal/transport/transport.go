// Package transport implements the message-oriented bidirectional channel
// of spec §4.4 over a WebSocket binding, reconnecting automatically with
// exponential backoff. Grounded on the teacher's share/client.go
// connectionLoop (gorilla/websocket dialer + jpillora/backoff) and
// share/server_handler.go's handleWebsocket (upgrade + per-connection
// message pump).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/msg"
)

// EventKind identifies a callback event delivered to a Connection's owner.
type EventKind int

const (
	EventReceived EventKind = iota
	EventReconnecting
	EventClosed
)

// Event is the value passed to a Connection's event callback.
type Event struct {
	Kind    EventKind
	Message *msg.Envelope // set when Kind == EventReceived
	Err     error         // set for Reconnecting/Closed
}

// EventFunc receives connection events; it is invoked on an internal
// goroutine and must not block for long (spec: "the callback decides
// whether to fail outstanding work").
type EventFunc func(Event)

// Entry describes the remote endpoint a Connection dials (spec:
// "create(transport, entry, codec_id, ...)" — entry carries host/auth/path).
type Entry struct {
	URL          string
	Header       http.Header
	MaxRetryTime time.Duration // 0 == default of 30s (see connectionLoop's backoff)
}

// Connection is a reconnecting, message-oriented WebSocket channel.
type Connection struct {
	logger logging.Logger
	entry  Entry
	codec  msg.Codec
	onEvt  EventFunc

	sendCh chan *msg.Envelope
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	closed         bool
	closeEventSent bool
	ws             *websocket.Conn

	wg sync.WaitGroup
}

var errClosed = errors.New("transport: connection closed")

// Create dials entry and starts the receive/send pumps (spec:
// create(transport, entry, codec_id, event_cb, ctx, scheduler, &conn)).
// The scheduler argument from the spec contract is not required here:
// event delivery already happens on a dedicated goroutine per connection,
// so callers that need serialization with other scheduler-bound state
// should hop via their own scheduler inside onEvt.
func Create(parent context.Context, logger logging.Logger, entry Entry, codecID msg.CodecID, onEvt EventFunc) (*Connection, error) {
	if _, err := url.Parse(entry.URL); err != nil {
		return nil, fmt.Errorf("transport: invalid url: %w", err)
	}
	codec, err := msg.ForID(codecID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		logger: logger,
		entry:  entry,
		codec:  codec,
		onEvt:  onEvt,
		sendCh: make(chan *msg.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.connectionLoop()
	return c, nil
}

// FromConn wraps a WebSocket connection already accepted and upgraded by an
// HTTP server — the process-wide control listener's accept side (spec:
// "host a process-wide control listener bound to the proxy's own
// reference"). Grounded on share/server_handler.go's handleWebsocket, which
// upgrades the incoming request and hands the live *websocket.Conn to a
// per-client session loop. Unlike Create, FromConn never redials: once the
// accepted connection drops, the Connection reports EventClosed for good.
func FromConn(parent context.Context, logger logging.Logger, ws *websocket.Conn, codecID msg.CodecID, onEvt EventFunc) (*Connection, error) {
	codec, err := msg.ForID(codecID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		logger: logger,
		codec:  codec,
		onEvt:  onEvt,
		sendCh: make(chan *msg.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
		ws:     ws,
	}
	c.wg.Add(1)
	go c.acceptedSessionLoop(ws)
	return c, nil
}

func (c *Connection) acceptedSessionLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	c.runSession(ws)
	c.mu.Lock()
	c.closed = true
	c.ws = nil
	c.mu.Unlock()
	c.cancel()
	c.fireClosed()
}

func (c *Connection) fireClosed() {
	c.mu.Lock()
	if c.closeEventSent {
		c.mu.Unlock()
		return
	}
	c.closeEventSent = true
	c.mu.Unlock()
	c.onEvt(Event{Kind: EventClosed})
}

// Send enqueues message for transmission and returns immediately. It
// returns an error at once when the connection is closed or its send queue
// is full; later transmission failures surface via an
// EventReconnecting/EventClosed event (spec:
// "send(conn, message) ... failure is surfaced by the next
// reconnecting/closed event").
func (c *Connection) Send(m *msg.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}
	select {
	case c.sendCh <- m:
		return nil
	default:
		return fmt.Errorf("transport: send queue full")
	}
}

// Close cancels the connection, waits for its pumps to exit, and delivers
// EventClosed before returning.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	c.cancel()
	if ws != nil {
		ws.Close()
	}
	c.wg.Wait()
	c.fireClosed()
}

func (c *Connection) connectionLoop() {
	defer c.wg.Done()
	b := &backoff.Backoff{Max: c.entry.MaxRetryTime}
	if b.Max == 0 {
		b.Max = 30 * time.Second
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		dialer := websocket.Dialer{
			HandshakeTimeout: 45 * time.Second,
		}
		ws, _, err := dialer.DialContext(c.ctx, c.entry.URL, c.entry.Header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			d := b.Duration()
			c.onEvt(Event{Kind: EventReconnecting, Err: err})
			c.logger.DLogf("transport: dial failed: %s, retrying in %s", err, d)
			select {
			case <-time.After(d):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		b.Reset()

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		c.runSession(ws)

		c.mu.Lock()
		c.ws = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.onEvt(Event{Kind: EventReconnecting, Err: errors.New("transport: connection dropped")})
	}
}

// runSession pumps sends and receives for one WebSocket connection until it
// errors out or the Connection is closed.
func (c *Connection) runSession(ws *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var e msg.Envelope
			if err := c.codec.Unmarshal(data, &e); err != nil {
				c.logger.WLogf("transport: discarding malformed message: %s", err)
				continue
			}
			c.onEvt(Event{Kind: EventReceived, Message: &e})
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case m := <-c.sendCh:
			data, err := c.codec.Marshal(m)
			if err != nil {
				c.logger.WLogf("transport: dropping unencodable message: %s", err)
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}
