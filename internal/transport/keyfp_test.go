package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateHostKeySeededIsDeterministic(t *testing.T) {
	pemA, pubA, err := GenerateHostKey("proxy-seed")
	require.NoError(t, err)
	pemB, pubB, err := GenerateHostKey("proxy-seed")
	require.NoError(t, err)

	assert.Equal(t, pemA, pemB)
	assert.Equal(t, FingerprintHostKey(pubA), FingerprintHostKey(pubB))
}

func TestGenerateHostKeyUnseededVaries(t *testing.T) {
	_, pubA, err := GenerateHostKey("")
	require.NoError(t, err)
	_, pubB, err := GenerateHostKey("")
	require.NoError(t, err)

	assert.NotEqual(t, FingerprintHostKey(pubA), FingerprintHostKey(pubB))
}

func TestFingerprintHostKeyFormat(t *testing.T) {
	_, pub, err := GenerateHostKey("fingerprint-format")
	require.NoError(t, err)
	fp := FingerprintHostKey(pub)
	// MD5 fingerprint: 16 colon-separated hex octets, matching
	// share/ssh.go's FingerprintKey format.
	assert.Len(t, fp, 16*2+15)
}
