package ref

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullIsZero(t *testing.T) {
	assert.True(t, Null.IsNull())
	var r Ref
	assert.True(t, r.IsNull())
}

func TestNewIsNotNull(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	assert.False(t, r.IsNull())
}

func TestDeterministicGenerationIsReproducible(t *testing.T) {
	r1, err := NewFrom(NewDeterministicRand([]byte("seed-a")))
	require.NoError(t, err)
	r2, err := NewFrom(NewDeterministicRand([]byte("seed-a")))
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	r3, err := NewFrom(NewDeterministicRand([]byte("seed-b")))
	require.NoError(t, err)
	assert.NotEqual(t, r1, r3)
}

func TestStringRoundTrip(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	s := r.String()
	back, err := FromString(s)
	require.NoError(t, err)
	assert.Equal(t, r, back)
}

func TestSocketAddressRoundTrip(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	ip := r.ToSocketAddress()
	back := FromSocketAddress(ip)
	assert.Equal(t, r, back)
}

func TestFromStringAcceptsLiteralAddress(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	require.NotNil(t, ip)
	want := FromSocketAddress(ip)
	got, err := FromString("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashIsStableForEqualRefs(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	assert.Equal(t, r.Hash(), r.Hash())
}

func TestBytesRoundTrip(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	b := r.Bytes()
	assert.Equal(t, r, FromBytes(b))
}
