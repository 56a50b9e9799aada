package crypto

import (
	"bytes"
	"testing"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicReaderIsReproducible(t *testing.T) {
	a := NewDeterministicReader([]byte("seed"))
	b := NewDeterministicReader([]byte("seed"))
	c := NewDeterministicReader([]byte("other"))

	bufA := make([]byte, 64)
	bufB := make([]byte, 64)
	bufC := make([]byte, 64)
	_, _ = a.Read(bufA)
	_, _ = b.Read(bufB)
	_, _ = c.Read(bufC)

	assert.Equal(t, bufA, bufB)
	assert.NotEqual(t, bufA, bufC)
	assert.NotEqual(t, make([]byte, 64), bufA)

	next := make([]byte, 64)
	_, _ = a.Read(next)
	assert.NotEqual(t, bufA, next, "stream advances between reads")
}

func TestRandomBytes(t *testing.T) {
	b := NewDeterministicBackend([]byte("nonce"))
	nonce := make([]byte, 8)
	require.NoError(t, RandomBytes(b, nonce))
	assert.NotEqual(t, make([]byte, 8), nonce)
}

func TestBackendSuites(t *testing.T) {
	def := NewBackend()
	assert.Equal(t, "25519_AESGCM_SHA256", string(def.CipherSuite().Name()))

	chacha := NewBackend(WithChaChaPoly(), WithBLAKE2s())
	assert.Equal(t, "25519_ChaChaPoly_BLAKE2s", string(chacha.CipherSuite().Name()))
}

func TestKeyPairFromPrivate(t *testing.T) {
	b := NewDeterministicBackend([]byte("keys"))
	kp, err := GenerateKeyPair(b)
	require.NoError(t, err)

	rebuilt, err := KeyPairFromPrivate(b.CipherSuite(), kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)

	_, err = KeyPairFromPrivate(b.CipherSuite(), kp.Private[:16])
	assert.Error(t, err)
}

func TestMaskStatic(t *testing.T) {
	b := NewDeterministicBackend([]byte("mask"))
	suite := b.CipherSuite()
	static, err := GenerateKeyPair(b)
	require.NoError(t, err)
	ephemeral, err := GenerateKeyPair(b)
	require.NoError(t, err)

	masked, err := MaskStatic(suite, static.Public, ephemeral.Public)
	require.NoError(t, err)
	assert.Len(t, masked, 32)
	assert.NotEqual(t, static.Public, masked)

	again, err := MaskStatic(suite, static.Public, ephemeral.Public)
	require.NoError(t, err)
	assert.Equal(t, masked, again)

	other, err := MaskStatic(suite, static.Public, static.Public)
	require.NoError(t, err)
	assert.NotEqual(t, masked, other, "mask depends on the ephemeral key")
}

func TestHashOfTwo(t *testing.T) {
	suite := NewBackend().CipherSuite()
	assert.Equal(t, HashOfTwo(suite, []byte("ab"), []byte("c")), HashOfTwo(suite, []byte("a"), []byte("bc")))
	assert.Len(t, HashOfTwo(suite, nil, nil), 32)
}

func TestZeroBytes(t *testing.T) {
	data := bytes.Repeat([]byte{0xff}, 32)
	ZeroBytes(data)
	assert.Equal(t, make([]byte, 32), data)
	ZeroBytes(nil)

	kp := noise.DHKey{Private: bytes.Repeat([]byte{1}, 32), Public: bytes.Repeat([]byte{2}, 32)}
	WipeKeyPair(&kp)
	assert.Equal(t, make([]byte, 32), kp.Private)
	assert.Equal(t, bytes.Repeat([]byte{2}, 32), kp.Public)
	WipeKeyPair(nil)
}

func TestKeyPreview(t *testing.T) {
	fields := KeyPreview("key", []byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, "01020304...", fields["key_preview"])
	assert.Equal(t, 6, fields["key_size"])

	fields = KeyPreview("key", []byte{0xab, 0xcd})
	assert.Equal(t, "abcd", fields["key_preview"])

	fields = KeyPreview("key", nil)
	assert.Equal(t, "nil", fields["key_preview"])
	assert.Equal(t, 0, fields["key_size"])
}
