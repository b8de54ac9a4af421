package ref

// Deterministic byte stream for reproducible Ref generation in tests.
// Adapted from the chisel proxy's DetermRand (share/determ_rand.go):
// repeatedly SHA-512 a seed, using half the digest as the next seed state
// and the other half as output.

import (
	"crypto/sha512"
	"io"
)

// determRandIter is the number of times a seed is re-hashed before the
// stream begins producing output, to strengthen weak seeds.
const determRandIter = 2048

// NewDeterministicRand returns an io.Reader producing a pseudo-random byte
// stream that is fully determined by seed. Intended only for tests that
// need reproducible Ref values; production code must use New().
func NewDeterministicRand(seed []byte) io.Reader {
	next := seed
	var out []byte
	for i := 0; i < determRandIter; i++ {
		next, out = splitHash(next)
	}
	return &determRand{next: next, out: out}
}

type determRand struct {
	next, out []byte
}

func (d *determRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := splitHash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func splitHash(input []byte) (next, output []byte) {
	sum := sha512.Sum512(input)
	half := sha512.Size / 2
	return sum[:half], sum[half:]
}
