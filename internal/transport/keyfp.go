package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/prxtunnel/internal/ref"
)

// GenerateHostKey produces a PEM-encoded ECDSA private key and its SSH
// public-key form, used to fingerprint the shared-access token material a
// bus-layer collaborator issues (spec §1: "no authentication protocol
// design ... delegated to the bus layer via shared-access tokens"; this
// engine only needs a stable identity to display a fingerprint for, the
// same role share/ssh.go's GenerateKey/FingerprintKey pair plays for the
// teacher's SSH-tunnel handshake). An empty seed generates a fresh random
// key every call; a non-empty seed reproduces the same key every time,
// which operators use to pin a proxy's fingerprint across restarts.
func GenerateHostKey(seed string) (pemBytes []byte, pub ssh.PublicKey, err error) {
	curve := elliptic.P256()
	var priv *ecdsa.PrivateKey
	if seed == "" {
		priv, err = ecdsa.GenerateKey(curve, rand.Reader)
	} else {
		// ecdsa.GenerateKey does not consume a caller-supplied reader
		// deterministically, so a seeded key takes its scalar straight from
		// the seed stream, reduced into [1, N-1].
		buf := make([]byte, 40)
		_, err = io.ReadFull(ref.NewDeterministicRand([]byte(seed)), buf)
		d := new(big.Int).SetBytes(buf)
		d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1))).Add(d, big.NewInt(1))
		priv = &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve}, D: d}
		priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("transport: generate host key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: marshal host key: %w", err)
	}
	pemBytes = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: derive public key: %w", err)
	}
	return pemBytes, signer.PublicKey(), nil
}

// FingerprintHostKey returns the colon-separated hex MD5 fingerprint of an
// SSH public key, the same format share/ssh.go's FingerprintKey prints, so
// remote clients can authenticate the proxy's bus-layer identity out of
// band (the actual token/TLS handshake itself is a bus-layer concern, out
// of scope per spec §1).
func FingerprintHostKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
