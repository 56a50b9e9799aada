package crypto

import (
	"bytes"
	"fmt"

	"github.com/flynn/noise"
)

// GenerateKeyPair creates a fresh static or ephemeral key pair.
func GenerateKeyPair(b Backend) (noise.DHKey, error) {
	kp, err := b.CipherSuite().GenerateKeypair(b.Random())
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return kp, nil
}

// KeyPairFromPrivate rebuilds the key pair belonging to a stored private
// key by feeding it to the suite's key generation as the random stream.
func KeyPairFromPrivate(suite noise.CipherSuite, private []byte) (noise.DHKey, error) {
	if len(private) != suite.DHLen() {
		return noise.DHKey{}, fmt.Errorf("private key must be %d bytes, got %d", suite.DHLen(), len(private))
	}
	kp, err := suite.GenerateKeypair(bytes.NewReader(private))
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	return kp, nil
}

// HashOfTwo hashes the concatenation of a and b with the suite's hash.
func HashOfTwo(suite noise.CipherSuite, a, b []byte) []byte {
	h := suite.Hash()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

// MaskStatic computes the masked form of a device static public key as it
// appears in the handshake: DH(HASH(static ‖ ephemeral), static).
func MaskStatic(suite noise.CipherSuite, static, ephemeral []byte) ([]byte, error) {
	mask := HashOfTwo(suite, static, ephemeral)
	if len(mask) < suite.DHLen() {
		return nil, fmt.Errorf("hash output of %d bytes is shorter than a DH key", len(mask))
	}
	masked, err := suite.DH(mask[:suite.DHLen()], static)
	if err != nil {
		return nil, fmt.Errorf("failed to mask static key: %w", err)
	}
	return masked, nil
}
