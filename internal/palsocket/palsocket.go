// Package palsocket implements the platform socket abstraction of spec
// §4.3: a uniform asynchronous, event-callback socket interface layered
// over Go's net package, standing in for the original engine's
// BSD-event-port and Windows-IOCP backends (inc/pal_net.h,
// original_source/src/pal_net.h). Go's net package already multiplexes
// readiness notifications behind goroutines, so a single backend serves
// both roles the original split across platform-specific adapters.
package palsocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/sammck-go/prxtunnel/internal/msg"
)

// Event identifies the callback event delivered to a Client (spec §4.3
// event table).
type Event int

const (
	EventOpened Event = iota
	EventBeginSend
	EventEndSend
	EventBeginRecv
	EventEndRecv
	EventBeginAccept
	EventEndAccept
	EventClosed
)

// IOResult is the outcome reported by end_send/end_recv/closed.
type IOResult int

const (
	ResultOK IOResult = iota
	ResultRetry
	ResultAborted
	ResultClosed
	ResultReset
)

// Client is the callback interface a socket owner supplies at Create time
// (spec's client_itf = {props, cb, ctx}).
type Client interface {
	// OnOpened reports the outcome of Open. err is nil on success.
	OnOpened(s *Socket, err error)
	// OnBeginSend asks for the next buffer and datagram destination to
	// send. Returning (nil, ...) disables the send loop until can_send(true)
	// is called again.
	OnBeginSend() (buf []byte, dst *msg.SocketAddress)
	// OnEndSend reports the result of transmitting the buffer returned by
	// the most recent OnBeginSend.
	OnEndSend(result IOResult, err error)
	// OnBeginRecv asks for a fresh buffer to fill. Returning nil disables
	// the receive loop (pool exhaustion, matching begin_recv's
	// "return null to park" contract).
	OnBeginRecv() []byte
	// OnEndRecv reports a completed receive: n bytes landed in the buffer
	// returned by the most recent OnBeginRecv, src is set for datagrams.
	OnEndRecv(n int, src *msg.SocketAddress, result IOResult, err error)
	// OnBeginAccept asks for a Client to bind to the next inbound
	// connection on a passive socket.
	OnBeginAccept() Client
	// OnEndAccept reports a newly accepted socket, or err on failure.
	OnEndAccept(s *Socket, err error)
	// OnClosed reports close completion.
	OnClosed(err error)
}

// state mirrors the adapter's enforced state machine (spec §4.3:
// "closed -> opening -> open -> closing -> closed").
type state int

const (
	stateClosed state = iota
	stateOpening
	stateOpen
	stateClosing
)

// Socket is a single asynchronous, event-driven socket.
type Socket struct {
	props  msg.SocketProperties
	client Client

	mu    sync.Mutex
	state state

	conn       net.Conn
	packetConn net.PacketConn
	listener   net.Listener

	sendEnabled bool
	recvEnabled bool
	sendLoopOn  bool
	recvLoopOn  bool
	acceptLoopOn bool

	closeOnce sync.Once
	cancel    context.CancelFunc

	opts sockOpts
}

// Create returns an unopened socket bound to client (spec: create(client_itf)).
func Create(props msg.SocketProperties, client Client) *Socket {
	return &Socket{props: props, client: client, state: stateClosed}
}

// Pair returns two already-open sockets wired directly to each other over
// an in-process pipe, used for "internal" sockets (spec §4.3 pair(),
// consumed by the discovery browse service of §4.7).
func Pair(clientA, clientB Client) (*Socket, *Socket) {
	a, b := net.Pipe()
	sa := &Socket{client: clientA, state: stateOpen, conn: a}
	sb := &Socket{client: clientB, state: stateOpen, conn: b}
	sa.client.OnOpened(sa, nil)
	sb.client.OnOpened(sb, nil)
	return sa, sb
}

// Open begins the open sequence described in spec §4.3's "Open algorithm":
// stream sockets connect, datagram/raw sockets bind, passive sockets bind
// then listen. Proxy-hostname addresses are resolved to concrete
// candidates first and tried in order.
func (s *Socket) Open(ctx context.Context) {
	s.mu.Lock()
	if s.state != stateClosed {
		s.mu.Unlock()
		s.client.OnOpened(s, errBadState)
		return
	}
	s.state = stateOpening
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.runOpen(ctx)
}

var errBadState = errors.New("palsocket: invalid state for requested operation")

func (s *Socket) runOpen(ctx context.Context) {
	candidates, err := s.resolveCandidates(ctx)
	if err != nil {
		s.failOpen(err)
		return
	}

	var lastErr error
	for _, addr := range candidates {
		if err := s.openOne(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		s.mu.Lock()
		s.state = stateOpen
		s.mu.Unlock()
		s.client.OnOpened(s, nil)
		s.startLoops()
		return
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("palsocket: no candidate address to open")
	}
	s.failOpen(lastErr)
}

func (s *Socket) failOpen(err error) {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.client.OnOpened(s, err)
}

func (s *Socket) openOne(ctx context.Context, addr string) error {
	network := networkFor(s.props)
	if s.props.IsPassive() {
		if strings.HasPrefix(network, "udp") {
			pc, err := net.ListenPacket(network, addr)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.packetConn = pc
			s.mu.Unlock()
			return nil
		}
		lc := &net.ListenConfig{}
		ln, err := lc.Listen(ctx, network, addr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		return nil
	}
	if strings.HasPrefix(network, "udp") {
		pc, err := net.ListenPacket(network, ":0")
		if err != nil {
			return err
		}
		if addr != "" {
			if remote, err := net.ResolveUDPAddr(network, addr); err == nil {
				s.mu.Lock()
				s.packetConn = pc
				s.mu.Unlock()
				_ = remote
				return nil
			}
		}
		s.mu.Lock()
		s.packetConn = pc
		s.mu.Unlock()
		return nil
	}
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// networkFor translates SocketProperties into a Go network name. The
// unix-path family maps straight onto "unix"; the original's mechanical
// \\.\pipe\<path> rewrite for Windows named pipes has no analogue on the
// platforms net.Conn targets, so it is not reproduced here.
func networkFor(p msg.SocketProperties) string {
	udp := p.Protocol == 17 // IPPROTO_UDP
	switch p.Address.Family {
	case msg.AFInet:
		if udp {
			return "udp4"
		}
		return "tcp4"
	case msg.AFInet6:
		if udp {
			return "udp6"
		}
		return "tcp6"
	case msg.AFUnixPath:
		return "unix"
	default:
		if udp {
			return "udp"
		}
		return "tcp"
	}
}

func (s *Socket) resolveCandidates(ctx context.Context) ([]string, error) {
	addr := s.props.Address
	switch addr.Family {
	case msg.AFUnixPath:
		return []string{addr.Path}, nil
	case msg.AFProxy:
		resolver := net.DefaultResolver
		ips, err := resolver.LookupIPAddr(ctx, addr.Host)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(ips))
		for _, ip := range ips {
			out = append(out, net.JoinHostPort(ip.String(), fmt.Sprint(addr.Port)))
		}
		return out, nil
	case msg.AFInet, msg.AFInet6:
		return []string{net.JoinHostPort(addr.IP, fmt.Sprint(addr.Port))}, nil
	default:
		return []string{":0"}, nil
	}
}

// CanSend enables or disables the send loop (spec: can_send(socket, ready)).
// Re-enabling an already-running loop is a no-op, matching the idempotence
// requirement in §4.3's flow-control note.
func (s *Socket) CanSend(ready bool) {
	s.mu.Lock()
	s.sendEnabled = ready
	start := ready && !s.sendLoopOn && s.conn != nil
	if start {
		s.sendLoopOn = true
	}
	s.mu.Unlock()
	if start {
		go s.sendLoop()
	}
}

// CanRecv enables or disables the receive loop (spec: can_recv(socket, ready)).
func (s *Socket) CanRecv(ready bool) {
	s.mu.Lock()
	s.recvEnabled = ready
	start := ready && !s.recvLoopOn && (s.conn != nil || s.packetConn != nil)
	if start {
		s.recvLoopOn = true
	}
	s.mu.Unlock()
	if start {
		go s.recvLoop()
	}
}

func (s *Socket) startLoops() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		s.mu.Lock()
		if !s.acceptLoopOn {
			s.acceptLoopOn = true
			s.mu.Unlock()
			go s.acceptLoop(listener)
			return
		}
		s.mu.Unlock()
	}
}

func (s *Socket) sendLoop() {
	for {
		s.mu.Lock()
		if !s.sendEnabled || s.state != stateOpen {
			s.sendLoopOn = false
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.mu.Unlock()

		buf, _ := s.client.OnBeginSend()
		if buf == nil {
			s.mu.Lock()
			s.sendLoopOn = false
			s.mu.Unlock()
			return
		}
		if conn == nil {
			s.client.OnEndSend(ResultAborted, errBadState)
			continue
		}
		n, err := conn.Write(buf)
		switch {
		case err != nil:
			s.client.OnEndSend(classifyError(err), err)
			if isFatalNetErr(err) {
				s.transitionClosing(err)
				return
			}
		case n < len(buf):
			s.client.OnEndSend(ResultRetry, nil)
		default:
			s.client.OnEndSend(ResultOK, nil)
		}
	}
}

func (s *Socket) recvLoop() {
	for {
		s.mu.Lock()
		if !s.recvEnabled || s.state != stateOpen {
			s.recvLoopOn = false
			s.mu.Unlock()
			return
		}
		conn := s.conn
		pconn := s.packetConn
		s.mu.Unlock()

		buf := s.client.OnBeginRecv()
		if buf == nil {
			s.mu.Lock()
			s.recvLoopOn = false
			s.mu.Unlock()
			return
		}

		var n int
		var src *msg.SocketAddress
		var err error
		switch {
		case pconn != nil:
			var addr net.Addr
			n, addr, err = pconn.ReadFrom(buf)
			if addr != nil {
				a := addressFromNetAddr(addr)
				src = &a
			}
		case conn != nil:
			n, err = conn.Read(buf)
		default:
			err = errBadState
		}

		if err != nil {
			result := classifyError(err)
			s.client.OnEndRecv(0, src, result, err)
			if result == ResultClosed || result == ResultReset {
				s.transitionClosing(err)
				return
			}
			continue
		}
		s.client.OnEndRecv(n, src, ResultOK, nil)
	}
}

func (s *Socket) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.client.OnEndAccept(nil, err)
			return
		}
		childClient := s.client.OnBeginAccept()
		if childClient == nil {
			conn.Close()
			continue
		}
		child := &Socket{client: childClient, state: stateOpen, conn: conn}
		s.client.OnEndAccept(child, nil)
		childClient.OnOpened(child, nil)
	}
}

func (s *Socket) transitionClosing(err error) {
	s.mu.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	s.mu.Unlock()
	s.Close()
}

// Close tears the socket down synchronously (spec: close(socket)) and calls
// OnClosed before returning; only the first call has any effect.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		conn, pconn, ln, cancel := s.conn, s.packetConn, s.listener, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		var err error
		if conn != nil {
			err = conn.Close()
		}
		if pconn != nil {
			if e := pconn.Close(); err == nil {
				err = e
			}
		}
		if ln != nil {
			if e := ln.Close(); err == nil {
				err = e
			}
		}
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		s.client.OnClosed(err)
	})
}

func classifyError(err error) IOResult {
	if err == nil {
		return ResultOK
	}
	msg := err.Error()
	switch {
	case errors.Is(err, net.ErrClosed), strings.Contains(msg, "use of closed"):
		return ResultClosed
	case strings.Contains(msg, "reset by peer"):
		return ResultReset
	case strings.Contains(msg, "timeout"):
		return ResultRetry
	default:
		return ResultAborted
	}
}

func isFatalNetErr(err error) bool {
	r := classifyError(err)
	return r == ResultClosed || r == ResultReset
}

func addressFromNetAddr(addr net.Addr) msg.SocketAddress {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return msg.SocketAddress{Family: msg.AFUnspec}
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	fam := msg.AFInet
	if strings.Contains(host, ":") {
		fam = msg.AFInet6
	}
	return msg.SocketAddress{Family: fam, IP: host, Port: port}
}

// GetProperties returns the effective properties the socket was created
// with (spec: get_properties).
func (s *Socket) GetProperties() msg.SocketProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

func (s *Socket) localNetAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != nil:
		return s.conn.LocalAddr()
	case s.packetConn != nil:
		return s.packetConn.LocalAddr()
	case s.listener != nil:
		return s.listener.Addr()
	default:
		return nil
	}
}

// GetSockName returns the local address (spec: getsockname).
func (s *Socket) GetSockName() (msg.SocketAddress, error) {
	a := s.localNetAddr()
	if a == nil {
		return msg.SocketAddress{}, errBadState
	}
	return addressFromNetAddr(a), nil
}

// GetPeerName returns the remote address (spec: getpeername).
func (s *Socket) GetPeerName() (msg.SocketAddress, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return msg.SocketAddress{}, errBadState
	}
	return addressFromNetAddr(conn.RemoteAddr()), nil
}

// sockOpts holds the subset of socket options this adapter tracks itself
// rather than delegating to the OS (Go's net package exposes only a small,
// type-specific surface for socket options).
type sockOpts struct {
	mu       sync.Mutex
	deadline time.Duration
	opts     map[int32][]byte
}

func (s *Socket) options() *sockOpts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &s.opts
}

// SetSockOpt and GetSockOpt implement the generic prx_so_* option surface
// (spec: setsockopt/getsockopt). Most options round-trip through an
// in-memory table since net.Conn does not expose a generic setsockopt.
func (s *Socket) SetSockOpt(opt int32, value []byte) error {
	o := s.options()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opts == nil {
		o.opts = make(map[int32][]byte)
	}
	o.opts[opt] = append([]byte(nil), value...)
	return nil
}

func (s *Socket) GetSockOpt(opt int32) ([]byte, error) {
	o := s.options()
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.opts[opt]
	if !ok {
		return nil, fmt.Errorf("palsocket: option %d not set", opt)
	}
	return v, nil
}

// JoinMulticastGroup and LeaveMulticastGroup implement spec's
// join_multicast_group/leave_multicast_group for UDP sockets. net.UDPConn
// exposes no multicast membership API of its own, so the actual group
// management rides golang.org/x/net/ipv4 or ipv6.PacketConn wrapped around
// the same underlying conn, selected by the group address's IP version.
func (s *Socket) JoinMulticastGroup(group net.IP) error {
	pc, ok := s.udpPacketConn()
	if !ok {
		return errBadState
	}
	iface, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if group.To4() != nil {
		return ipv4.NewPacketConn(pc).JoinGroup(iface, &net.UDPAddr{IP: group})
	}
	return ipv6.NewPacketConn(pc).JoinGroup(iface, &net.UDPAddr{IP: group})
}

func (s *Socket) LeaveMulticastGroup(group net.IP) error {
	pc, ok := s.udpPacketConn()
	if !ok {
		return errBadState
	}
	iface, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if group.To4() != nil {
		return ipv4.NewPacketConn(pc).LeaveGroup(iface, &net.UDPAddr{IP: group})
	}
	return ipv6.NewPacketConn(pc).LeaveGroup(iface, &net.UDPAddr{IP: group})
}

func (s *Socket) udpPacketConn() (*net.UDPConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.packetConn.(*net.UDPConn)
	return pc, ok
}

func defaultMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			return &iface, nil
		}
	}
	return nil, fmt.Errorf("palsocket: no multicast-capable interface found")
}
