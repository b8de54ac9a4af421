// Package ref implements the 128-bit opaque address identifier used
// throughout the engine to name proxies, sockets, and link endpoints.
// It is grounded on the original C engine's io_ref.c: two 64-bit halves,
// bitwise equality, a folded hash, crypto-random generation, and a
// canonical UUID string projection.
package ref

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
)

// Ref is a 128-bit opaque address. The zero value is Null.
type Ref struct {
	hi uint64
	lo uint64
}

// Null is the all-zero sentinel ref.
var Null = Ref{}

// New generates a new Ref filled with uniform randomness, as io_ref_new does.
func New() (Ref, error) {
	return NewFrom(rand.Reader)
}

// NewFrom generates a Ref using the supplied randomness source. Production
// code should use New(); tests may supply a deterministic source (see
// internal/ref/determrand.go) to make assertions reproducible.
func NewFrom(r io.Reader) (Ref, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Ref{}, fmt.Errorf("ref: failed to generate random ref: %w", err)
	}
	return Ref{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// IsNull reports whether r is the all-zero sentinel.
func (r Ref) IsNull() bool {
	return r.hi == 0 && r.lo == 0
}

// Bytes returns the 16-byte big-endian encoding of r.
func (r Ref) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], r.hi)
	binary.BigEndian.PutUint64(b[8:16], r.lo)
	return b
}

// FromBytes constructs a Ref from a 16-byte big-endian encoding.
func FromBytes(b [16]byte) Ref {
	return Ref{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

// Hash folds the four 32-bit halves of r into a single 32-bit hash value,
// suitable for use as a map bucket hint (Go maps hash Ref's comparable
// fields natively; this exists for parity with the spec's "hashable" data
// model and for code that wants a cheap non-cryptographic digest).
func (r Ref) Hash() uint32 {
	h0 := uint32(r.hi >> 32)
	h1 := uint32(r.hi)
	h2 := uint32(r.lo >> 32)
	h3 := uint32(r.lo)
	return h0 ^ h1 ^ h2 ^ h3
}

// String returns the canonical UUID form of r.
func (r Ref) String() string {
	b := r.Bytes()
	u, _ := uuid.FromBytes(b[:])
	return u.String()
}

// MarshalText returns the canonical UUID form of r, so a Ref nested in a
// payload struct survives text encoders such as encoding/json.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses any form FromString accepts into r.
func (r *Ref) UnmarshalText(b []byte) error {
	v, err := FromString(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// FromString parses the canonical UUID form, or, failing that, an
// IPv6-shaped socket-address string (see FromSocketAddress), mirroring
// io_ref_from_string's fallback order.
func FromString(s string) (Ref, error) {
	if u, err := uuid.Parse(s); err == nil {
		b := [16]byte(u)
		return FromBytes(b), nil
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return FromSocketAddress(ip), nil
		}
	}
	if ip := net.ParseIP(s); ip != nil {
		return FromSocketAddress(ip), nil
	}
	return Ref{}, fmt.Errorf("ref: %q is not a ref string", s)
}

// ToSocketAddress projects r onto an IPv6 address, the "socket-address
// projection" named in the data model (§3).
func (r Ref) ToSocketAddress() net.IP {
	b := r.Bytes()
	ip := make(net.IP, net.IPv6len)
	copy(ip, b[:])
	return ip
}

// FromSocketAddress is the inverse of ToSocketAddress.
func FromSocketAddress(ip net.IP) Ref {
	ip16 := ip.To16()
	var b [16]byte
	copy(b[:], ip16)
	return FromBytes(b)
}
