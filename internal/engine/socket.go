// Package engine implements the server engine of spec §4.5: a control
// listener, a reference-keyed socket table, a periodic GC worker, and the
// per-socket state machine that ties the message envelope, buffer pool,
// platform socket, and transport components together. Grounded on
// original_source/src/prx_server.c, structured the way the teacher's
// share/server.go structures its session table and accept loop.
package engine

import (
	"sync"
	"time"

	"github.com/sammck-go/prxtunnel/internal/bufpool"
	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/palsocket"
	"github.com/sammck-go/prxtunnel/internal/ref"
	"github.com/sammck-go/prxtunnel/internal/sched"
	"github.com/sammck-go/prxtunnel/internal/transport"
)

// Timeout constants, taken verbatim from the original engine's
// prx_server.c (#define MIN_GC_TIMEOUT 10000 etc, all milliseconds).
const (
	MinGCTimeout      = 10000 * time.Millisecond
	DefaultGCTimeout  = 30000 * time.Millisecond
	LingerTimeout     = DefaultGCTimeout
	ClosingTimeout    = DefaultGCTimeout
	workerTick        = 10 * time.Second
	freeDeferDelay    = 2 * time.Second
	RecvPoolMin       = 4
	RecvPoolMax       = 0x20000
	RecvPoolLWM       = 1
	RecvPoolHWM       = 1
)

// State is the per-socket lifecycle state of spec §3/§4.5.4.
type State int

const (
	StateCreated State = iota
	StateOpened
	StateCollect
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateCollect:
		return "collect"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// queuedMessage is one envelope parked on a socket's send/recv/read/write
// queue (spec §3). pollTimeout is only meaningful on readQ entries: it is
// the childSched task id that will answer the poll with an empty
// poll_response if nothing resolves it first (spec §4.5.5 step 3).
type queuedMessage struct {
	env         *msg.Envelope
	pollTimeout sched.TaskID
}

// ServerSocket is the state-bearing entity of the core (spec §3 "Server
// socket").
type ServerSocket struct {
	ID        ref.Ref
	OwnerRef  ref.Ref
	StreamRef ref.Ref

	mu    sync.Mutex
	state State

	props       msg.SocketProperties
	timeout     time.Duration
	lastActive  time.Time
	timeOpened  time.Time
	polled      bool
	bufferSize  int
	poolSize    int
	serverStream bool // true when stream is the shared control listener

	stream *transport.Connection
	plat   *palsocket.Socket

	pool *messagePool

	sendLock sync.Mutex
	sendQ    []queuedMessage // outbound payload pending platform write
	recvQ    []queuedMessage // inbound payload awaiting delivery to stream

	recvLock sync.Mutex
	readQ    []queuedMessage // pending poll requests awaiting a response (polled only)
	writeQ   []queuedMessage // responses to send on the stream

	bytesSent   uint64
	bytesRecvd  uint64
	lastError   error
	linkMessage *msg.Envelope // parked link response, sent on open completion

	freeScheduled bool // guards against re-queuing the deferred free more than once

	childSched *sched.Scheduler
}

// schedule serializes fn on sock's own child scheduler, matching the "post
// back onto the socket's scheduler" requirement for platform-socket
// completions (spec §4.5.7).
func (s *ServerSocket) schedule(fn func()) {
	s.childSched.Queue(func(interface{}) { fn() }, nil, 0)
}

// messagePool wraps a bufpool.Factory with the flow-control callback wired
// to a platform socket's CanRecv (spec §4.5.5 step 3, invariant 7).
type messagePool struct {
	factory bufpool.Factory
}

func newMessagePool(sock *ServerSocket, bufferSize int) *messagePool {
	low := RecvPoolLWM
	high := sock.poolSize - RecvPoolHWM
	if high < low {
		high = low + 1
	}
	mp := &messagePool{}
	mp.factory = bufpool.NewFixedPool(bufferSize, bufpool.Config{
		InitialCount:  sock.poolSize,
		MaxCount:      sock.poolSize,
		LowWatermark:  low,
		HighWatermark: high,
		OnWatermark: func(empty bool) {
			if sock.plat == nil {
				return
			}
			// low=true (dipping below low watermark) must pause recv;
			// low=false (recovered to high watermark) resumes it.
			sock.plat.CanRecv(!empty)
		},
	})
	return mp
}

func (p *messagePool) alloc(size int) []byte { return p.factory.Alloc(size) }
func (p *messagePool) release(buf []byte)     { p.factory.Release(buf) }

// touch advances last_activity (invariant 3: "monotonically advances on
// every I/O completion, received message, or accepted poll request").
func (s *ServerSocket) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
	s.mu.Unlock()
}

func (s *ServerSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ServerSocket) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *ServerSocket) effectiveTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *ServerSocket) setTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}
