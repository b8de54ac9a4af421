// Package msg implements the typed request/response message envelope that
// flows between a remote client and the proxy server engine (spec §3,
// §4.2, §6.1), and the codecs that put it on the wire.
package msg

import (
	"github.com/sammck-go/prxtunnel/internal/ref"
)

// Type identifies the payload carried by an Envelope.
type Type uint32

const (
	TypePingReq Type = iota + 1
	TypePingResp
	TypeLinkReq
	TypeLinkResp
	TypeOpenReq
	TypeOpenResp
	TypeCloseReq
	TypeCloseResp
	TypeSetoptReq
	TypeSetoptResp
	TypeGetoptReq
	TypeGetoptResp
	TypePollReq
	TypePollResp
	TypeData
)

func (t Type) String() string {
	switch t {
	case TypePingReq:
		return "ping_req"
	case TypePingResp:
		return "ping_resp"
	case TypeLinkReq:
		return "link_req"
	case TypeLinkResp:
		return "link_resp"
	case TypeOpenReq:
		return "open_req"
	case TypeOpenResp:
		return "open_resp"
	case TypeCloseReq:
		return "close_req"
	case TypeCloseResp:
		return "close_resp"
	case TypeSetoptReq:
		return "setopt_req"
	case TypeSetoptResp:
		return "setopt_resp"
	case TypeGetoptReq:
		return "getopt_req"
	case TypeGetoptResp:
		return "getopt_resp"
	case TypePollReq:
		return "poll_req"
	case TypePollResp:
		return "poll_resp"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}

// ErrorCode is the process-wide error taxonomy of spec §7. All engine
// responses carry one of these, never a raw Go error.
type ErrorCode int32

const (
	ErrOk ErrorCode = iota
	ErrArg
	ErrFault
	ErrBadState
	ErrOutOfMemory
	ErrAlreadyExists
	ErrNotFound
	ErrNotSupported
	ErrNotImpl
	ErrPermission
	ErrRetry
	ErrNoMore
	ErrNetwork
	ErrConnecting
	ErrBusy
	ErrWriting
	ErrReading
	ErrWaiting
	ErrTimeout
	ErrAborted
	ErrClosed
	ErrShutdown
	ErrRefused
	ErrNoAddress
	ErrNoHost
	ErrHostUnknown
	ErrAddressFamily
	ErrBadFlags
	ErrInvalidFormat
	ErrDiskIO
	ErrReset
	ErrUndelivered
	ErrCrypto
	ErrComm
	ErrFatal
	ErrUnknown
)

// CurrentVersion is the protocol version this engine stamps on every
// envelope and versioned payload it produces. The version carried by an
// incoming envelope or payload is not compared against it; requests of
// any version are handled alike.
const CurrentVersion = 1

// Envelope is the typed request/response record exchanged with a remote
// client (spec §3 "Message", §6.1). Payload is one of the Req/Resp structs
// below, selected by Type.
type Envelope struct {
	Version       uint32
	Type          Type
	SourceRef     ref.Ref
	TargetRef     ref.Ref
	ProxyRef      ref.Ref
	CorrelationID uint64
	ErrorCode     ErrorCode
	Payload       interface{}
}

// AddressFamily is the tagged-union discriminant for SocketAddress.
type AddressFamily int

const (
	AFUnspec AddressFamily = iota
	AFInet
	AFInet6
	AFUnixPath
	AFProxy
)

// SocketAddress is the tagged union over {unspec, inet, inet6, unix-path,
// proxy-hostname} described in spec §3.
type SocketAddress struct {
	Family AddressFamily
	IP     string // AFInet / AFInet6
	Port   uint16 // AFInet / AFInet6 / AFProxy
	Path   string // AFUnixPath
	Host   string // AFProxy: host to be resolved remotely
	Flags  uint32 // AFProxy
}

// SocketFlags mirrors the flag set named in spec §3.
type SocketFlags uint32

const (
	FlagPassive SocketFlags = 1 << iota
	FlagInternal
)

// SocketProperties is the spec §3 "Socket properties" record.
type SocketProperties struct {
	Family      AddressFamily
	SocketType  int32
	Protocol    int32
	Flags       SocketFlags
	Address     SocketAddress
	TimeoutMsec uint32
}

func (p SocketProperties) IsPassive() bool  { return p.Flags&FlagPassive != 0 }
func (p SocketProperties) IsInternal() bool { return p.Flags&FlagInternal != 0 }

// --- Payloads, named per the spec §6.1 wire-protocol table ---

type PingReq struct {
	Address SocketAddress
}

type PingResp struct {
	ResolvedAddress SocketAddress
}

type LinkReq struct {
	Version uint32
	Props   SocketProperties
}

type LinkResp struct {
	Version      uint32
	LinkID       ref.Ref
	LocalAddress SocketAddress
	PeerAddress  SocketAddress
}

// CodecID names the serialization used on a stream connection (spec §4.5.5
// step 4: "codec_id taken from the request, restricted to json|mpack|auto").
type CodecID int

const (
	CodecAuto CodecID = iota
	CodecJSON
	CodecMsgpack
)

type OpenReq struct {
	StreamID         ref.Ref
	Polled           bool
	ConnectionString string
	Encoding         CodecID
	Type             int32 // transport binding selector; only 0 (default) is supported
	MaxRecv          uint32
}

type OpenResp struct{}

type CloseReq struct{}

type CloseResp struct {
	TimeOpenMsec   uint64
	BytesSent      uint64
	BytesReceived  uint64
}

// SetoptKind enumerates the option namespaces recognized by setopt/getopt
// (spec §4.5.5 "setopt"/"getopt").
type SetoptKind int

const (
	OptIPMulticastJoin SetoptKind = iota
	OptIPMulticastLeave
	OptPropsTimeout
	OptSocketOption // prx_so_* < __prx_so_max
)

type SetoptReq struct {
	Kind     SetoptKind
	SockOpt  int32 // valid when Kind == OptSocketOption
	Property []byte
}

type SetoptResp struct{}

type GetoptReq struct {
	Kind    SetoptKind
	SockOpt int32
}

type GetoptResp struct {
	Property []byte
}

type PollReq struct {
	SequenceNumber uint64
	TimeoutMsec    uint32
}

type PollResp struct {
	SequenceNumber uint64
}

type DataPayload struct {
	SequenceNumber uint64
	SourceAddress  *SocketAddress // datagram peer address, when applicable
	Buffer         []byte
}
